package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/AaraikAI/Abode-AI-sub013/internal/collab"
)

type fakePublisher struct {
	mu   sync.Mutex
	keys []collab.Key
	runs []json.RawMessage
}

func (f *fakePublisher) PublishRunUpdate(key collab.Key, run json.RawMessage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.runs = append(f.runs, run)
	return 1
}

func (f *fakePublisher) wait(t *testing.T, want int) ([]collab.Key, []json.RawMessage) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.runs) >= want {
			keys := append([]collab.Key(nil), f.keys...)
			runs := append([]json.RawMessage(nil), f.runs...)
			f.mu.Unlock()
			return keys, runs
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d run updates", want)
	return nil, nil
}

func setupRelay(t *testing.T) (*Relay, *fakePublisher) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	publisher := &fakePublisher{}
	r := NewWithClient(client, publisher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return r, publisher
}

func TestRelayRoundTripsEnvelope(t *testing.T) {
	r, publisher := setupRelay(t)

	run := json.RawMessage(`{"runId":"run-1","status":"running"}`)
	key := collab.Key{Org: "org-1", Workspace: "ws-1", Target: "doc-1"}
	if err := r.Publish(context.Background(), key, run); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	keys, runs := publisher.wait(t, 1)
	if keys[0] != key {
		t.Fatalf("unexpected key: %+v", keys[0])
	}
	if string(runs[0]) != string(run) {
		t.Fatalf("run payload must pass through verbatim, got %s", runs[0])
	}
}

func TestRelayBareMessageAddressesWholeOrg(t *testing.T) {
	r, publisher := setupRelay(t)

	raw := `{"runId":"run-2","status":"failed"}`
	if err := r.client.Publish(context.Background(), "runs.org-9", raw).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	keys, runs := publisher.wait(t, 1)
	if keys[0] != (collab.Key{Org: "org-9"}) {
		t.Fatalf("expected org-wide key, got %+v", keys[0])
	}
	if string(runs[0]) != raw {
		t.Fatalf("expected bare payload verbatim, got %s", runs[0])
	}
}

func TestRelayPublishRequiresOrg(t *testing.T) {
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	r := NewWithClient(client, &fakePublisher{}, nil)
	defer r.Close()

	if err := r.Publish(context.Background(), collab.Key{}, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing org")
	}
}
