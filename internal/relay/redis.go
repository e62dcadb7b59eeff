// Package relay bridges external run-status publishers to live
// collaboration sessions over Redis pub/sub. Orchestrators publish to
// runs.<org>; every API replica subscribes and feeds its own registry.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AaraikAI/Abode-AI-sub013/internal/collab"
)

const channelPrefix = "runs."

// RunPublisher is the live side the relay feeds. Satisfied by
// collab.Service.
type RunPublisher interface {
	PublishRunUpdate(key collab.Key, run json.RawMessage) int
}

// envelope is the wire shape on the runs.<org> channels. Workspace and
// Target narrow the fan-out; empty values address the whole org. Run is
// passed through untouched.
type envelope struct {
	Workspace string          `json:"workspace,omitempty"`
	Target    string          `json:"target,omitempty"`
	Run       json.RawMessage `json:"run"`
}

type Relay struct {
	client    *redis.Client
	publisher RunPublisher
	logger    *log.Logger
}

func New(redisURL string, publisher RunPublisher, logger *log.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, publisher, logger), nil
}

// NewWithClient builds a relay from an existing client. Tests pass a
// miniredis-backed client here.
func NewWithClient(client *redis.Client, publisher RunPublisher, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{client: client, publisher: publisher, logger: logger}
}

// Start subscribes to every org's run channel and pumps messages into
// the publisher until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe runs channels: %w", err)
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				r.dispatch(message.Channel, []byte(message.Payload))
			}
		}
	}()
	return nil
}

func (r *Relay) dispatch(channel string, payload []byte) {
	org := strings.TrimPrefix(channel, channelPrefix)
	if org == "" || org == channel {
		return
	}

	key := collab.Key{Org: org}
	run := json.RawMessage(payload)

	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Run) > 0 {
		key.Workspace = env.Workspace
		key.Target = env.Target
		run = env.Run
	}

	reached := r.publisher.PublishRunUpdate(key, run)
	r.logger.Printf("relay: run update org=%s sessions=%d", org, reached)
}

// Publish pushes a run record onto the org's channel so every replica,
// including this one, rebroadcasts it.
func (r *Relay) Publish(ctx context.Context, key collab.Key, run json.RawMessage) error {
	if key.Org == "" {
		return fmt.Errorf("org is required")
	}
	payload, err := json.Marshal(envelope{
		Workspace: key.Workspace,
		Target:    key.Target,
		Run:       run,
	})
	if err != nil {
		return fmt.Errorf("marshal run envelope: %w", err)
	}
	if err := r.client.Publish(ctx, channelPrefix+key.Org, payload).Err(); err != nil {
		return fmt.Errorf("publish run update: %w", err)
	}
	return nil
}

func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Relay) Close() error {
	return r.client.Close()
}
