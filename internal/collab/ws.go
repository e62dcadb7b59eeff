package collab

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/AaraikAI/Abode-AI-sub013/internal/auth"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// WSHandler upgrades /api/collab/ws connections and pumps frames
// between the socket and the participant's session peer.
type WSHandler struct {
	service *Service
	secret  []byte
	logger  *log.Logger
}

func NewWSHandler(service *Service, secret []byte, logger *log.Logger) *WSHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WSHandler{service: service, secret: secret, logger: logger}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	key := Key{
		Org:       strings.TrimSpace(query.Get("org")),
		Workspace: strings.TrimSpace(query.Get("workspace")),
		Target:    strings.TrimSpace(query.Get("target")),
	}
	if key.Org == "" || key.Workspace == "" || key.Target == "" {
		http.Error(w, "org, workspace and target are required", http.StatusBadRequest)
		return
	}

	token := accessTokenFromRequest(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseToken(h.secret, token)
	if err != nil {
		h.logger.Printf("collab: websocket unauthorized remote=%s: %v", r.RemoteAddr, err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if claims.Org != key.Org {
		http.Error(w, "token is scoped to a different org", http.StatusForbidden)
		return
	}

	participant := Participant{ID: claims.Sub, Name: claims.Name}
	websocket.Handler(func(conn *websocket.Conn) {
		h.handleConn(conn, key, participant)
	}).ServeHTTP(w, r)
}

// accessTokenFromRequest accepts the bearer header or, because browser
// WebSocket clients cannot set headers, a token query parameter.
func accessTokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *WSHandler) handleConn(conn *websocket.Conn, key Key, participant Participant) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := conn.Request().Context()
	peer, err := h.service.Join(ctx, key, participant)
	if err != nil {
		h.logger.Printf("collab: join org=%s workspace=%s target=%s: %v", key.Org, key.Workspace, key.Target, err)
		return
	}
	defer h.service.Leave(peer)

	// Writer drains the peer's bounded queue; the session never writes
	// to the socket directly.
	done := make(chan struct{})
	defer close(done)
	go func() {
		encoder := json.NewEncoder(conn)
		for {
			select {
			case frame := <-peer.Outbound():
				if err := encoder.Encode(frame); err != nil {
					_ = conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			h.service.SendError(peer, "INVALID_FRAME", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// A decoder never recovers from a syntax error; start a
			// fresh one at the next message boundary.
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			h.service.SendError(peer, "INVALID_FRAME", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			h.service.SendError(peer, "RATE_LIMITED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case ClientCursorUpdate:
			var payload CursorUpdatePayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				h.service.SendError(peer, "INVALID_FRAME", "invalid cursor payload")
				continue
			}
			h.service.CursorUpdate(peer, payload.X, payload.Y)
		case ClientAnnotationAdd:
			var payload AnnotationAddPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				h.service.SendError(peer, "INVALID_FRAME", "invalid annotation payload")
				continue
			}
			if _, err := h.service.AddAnnotation(ctx, peer, payload); err != nil {
				h.service.SendError(peer, "ANNOTATION_FAILED", err.Error())
			}
		case ClientApprovalTransition:
			var payload ApprovalTransitionPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				h.service.SendError(peer, "INVALID_FRAME", "invalid approval payload")
				continue
			}
			if _, err := h.service.TransitionApproval(ctx, peer, payload); err != nil {
				h.service.SendError(peer, "APPROVAL_FAILED", err.Error())
			}
		default:
			h.service.SendError(peer, "INVALID_FRAME", "unsupported frame type")
		}
	}
}
