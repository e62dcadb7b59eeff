package collab

import (
	"encoding/json"
	"time"
)

// Frame is the single envelope both directions of the live channel use.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server frame types.
const (
	EventInit            = "collab:init"
	EventCursorState     = "cursor:state"
	EventCursorLeave     = "cursor:leave"
	EventAnnotationAdded = "annotation:added"
	EventApprovalUpdated = "approval:updated"
	EventRun             = "orchestration:run"
	EventError           = "collab:error"
)

// Client frame types.
const (
	ClientCursorUpdate       = "cursor:update"
	ClientAnnotationAdd      = "annotation:add"
	ClientApprovalTransition = "approval:transition"
)

// Cursor is one participant's pointer state plus the identity fields
// peers need to label it.
type Cursor struct {
	ParticipantID string    `json:"participantId"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type InitPayload struct {
	ParticipantID string           `json:"participantId"`
	Color         string           `json:"color"`
	Cursors       []Cursor         `json:"cursors"`
	Annotations   []AnnotationView `json:"annotations"`
	Approvals     []ApprovalView   `json:"approvals"`
	Run           json.RawMessage  `json:"run,omitempty"`
}

type AnnotationView struct {
	ID        string          `json:"id"`
	TargetID  string          `json:"targetId,omitempty"`
	Body      string          `json:"body"`
	Position  json.RawMessage `json:"position,omitempty"`
	Author    string          `json:"author"`
	CreatedAt time.Time       `json:"createdAt"`
}

type ApprovalView struct {
	QueueKey    string          `json:"queueKey"`
	ItemID      string          `json:"itemId"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	ResolvedBy  string          `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// RunPayload wraps the relayed run record on the orchestration:run
// frame, matching the run field on collab:init and the relay envelope.
type RunPayload struct {
	Run json.RawMessage `json:"run"`
}

type CursorLeavePayload struct {
	ParticipantID string `json:"participantId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client payloads.

type CursorUpdatePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type AnnotationAddPayload struct {
	TargetID string          `json:"targetId,omitempty"`
	Body     string          `json:"body"`
	Position json.RawMessage `json:"position,omitempty"`
}

type ApprovalTransitionPayload struct {
	QueueKey string          `json:"queueKey"`
	ItemID   string          `json:"itemId"`
	Status   string          `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func mustFrame(frameType string, payload any) Frame {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Frame{Type: frameType}
	}
	return Frame{Type: frameType, Payload: encoded}
}
