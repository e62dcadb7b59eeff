package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/AaraikAI/Abode-AI-sub013/internal/search"
	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
	"github.com/AaraikAI/Abode-AI-sub013/internal/util"
)

// sessionStore is the durable side of a session: the catch-up reads a
// new session seeds from, and the writes that must land before any
// broadcast goes out.
type sessionStore interface {
	ListAnnotations(ctx context.Context, orgID, workspaceID string) ([]store.Annotation, error)
	ListApprovalItems(ctx context.Context, orgID, queueKey string) ([]store.ApprovalItem, error)
	InsertAnnotation(ctx context.Context, annotation store.Annotation) (store.Annotation, error)
	UpsertApprovalItem(ctx context.Context, item store.ApprovalItem) (store.ApprovalItem, error)
}

// annotationIndexer receives new annotations for the search indexes.
// Satisfied by search.Service.
type annotationIndexer interface {
	IndexAnnotation(record search.AnnotationRecord)
}

type Service struct {
	store    sessionStore
	registry *Registry
	index    annotationIndexer
	logger   *log.Logger
}

func NewService(sessionStore sessionStore, registry *Registry, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: sessionStore, registry: registry, logger: logger}
}

// SetAnnotationIndex wires search indexing of new annotations. Optional;
// without it annotations are only persisted and broadcast.
func (s *Service) SetAnnotationIndex(index annotationIndexer) {
	s.index = index
}

// Join attaches a participant to the session for key, creating and
// seeding the session on first join. The returned peer already has its
// collab:init frame queued; nothing is broadcast to the others.
func (s *Service) Join(ctx context.Context, key Key, participant Participant) (*Peer, error) {
	if participant.ID == "" {
		return nil, fmt.Errorf("participant id is required")
	}
	for {
		sess := s.registry.sessionFor(key)
		if err := sess.ensureSeeded(func() ([]AnnotationView, []ApprovalView, error) {
			return s.loadSeed(ctx, key)
		}); err != nil {
			// The session stays unseeded; the next join retries the load.
			return nil, fmt.Errorf("seed session: %w", err)
		}
		peer, ok := sess.join(util.NewID("conn"), participant)
		if ok {
			return peer, nil
		}
		// Session was torn down between lookup and join; take a fresh one.
	}
}

func (s *Service) loadSeed(ctx context.Context, key Key) ([]AnnotationView, []ApprovalView, error) {
	annotations, err := s.store.ListAnnotations(ctx, key.Org, key.Workspace)
	if err != nil {
		s.logger.Printf("collab: seed annotations org=%s workspace=%s: %v", key.Org, key.Workspace, err)
		return nil, nil, fmt.Errorf("seed annotations: %w", err)
	}
	approvals, err := s.store.ListApprovalItems(ctx, key.Org, key.Workspace)
	if err != nil {
		s.logger.Printf("collab: seed approvals org=%s workspace=%s: %v", key.Org, key.Workspace, err)
		return nil, nil, fmt.Errorf("seed approvals: %w", err)
	}

	annotationViews := make([]AnnotationView, 0, len(annotations))
	for _, annotation := range annotations {
		annotationViews = append(annotationViews, annotationView(annotation))
	}
	approvalViews := make([]ApprovalView, 0, len(approvals))
	for _, item := range approvals {
		approvalViews = append(approvalViews, approvalView(item))
	}
	return annotationViews, approvalViews, nil
}

func (s *Service) Leave(peer *Peer) {
	if peer == nil {
		return
	}
	peer.session.leave(peer)
}

// CursorUpdate is fire-and-forget: no persistence, no acknowledgement.
func (s *Service) CursorUpdate(peer *Peer, x, y float64) {
	peer.session.updateCursor(peer, x, y)
}

// AddAnnotation persists first and broadcasts only after the write
// succeeded, to everyone including the author.
func (s *Service) AddAnnotation(ctx context.Context, peer *Peer, payload AnnotationAddPayload) (AnnotationView, error) {
	if strings.TrimSpace(payload.Body) == "" {
		return AnnotationView{}, fmt.Errorf("annotation body is required")
	}
	key := peer.Key()
	saved, err := s.store.InsertAnnotation(ctx, store.Annotation{
		OrgID:       key.Org,
		WorkspaceID: key.Workspace,
		TargetID:    payload.TargetID,
		Body:        payload.Body,
		Position:    payload.Position,
		Author:      peer.participant.Name,
	})
	if err != nil {
		return AnnotationView{}, fmt.Errorf("persist annotation: %w", err)
	}
	if s.index != nil {
		s.index.IndexAnnotation(search.AnnotationRecord{
			ID:          saved.ID,
			Body:        saved.Body,
			OrgID:       saved.OrgID,
			WorkspaceID: saved.WorkspaceID,
			TargetID:    saved.TargetID,
			Author:      saved.Author,
		})
	}
	view := annotationView(saved)
	peer.session.addAnnotation(view)
	return view, nil
}

var approvalStatuses = map[string]struct{}{
	store.ApprovalQueued:   {},
	store.ApprovalInReview: {},
	store.ApprovalApproved: {},
	store.ApprovalRejected: {},
}

// TransitionApproval upserts the item by (org, queue key, item id) and
// broadcasts the stored result. A repeated transition to the same state
// is just another upsert followed by another broadcast.
func (s *Service) TransitionApproval(ctx context.Context, peer *Peer, payload ApprovalTransitionPayload) (ApprovalView, error) {
	if payload.QueueKey == "" || payload.ItemID == "" || payload.Status == "" {
		return ApprovalView{}, fmt.Errorf("queueKey, itemId and status are required")
	}
	if _, ok := approvalStatuses[payload.Status]; !ok {
		return ApprovalView{}, fmt.Errorf("status must be queued, in_review, approved or rejected")
	}
	key := peer.Key()
	item := store.ApprovalItem{
		OrgID:       key.Org,
		QueueKey:    payload.QueueKey,
		ItemID:      payload.ItemID,
		Status:      payload.Status,
		Payload:     payload.Payload,
		RequestedBy: peer.participant.Name,
	}
	// Resolution fields belong to terminal states only; a queued or
	// in_review write leaves the item unresolved.
	if payload.Status == store.ApprovalApproved || payload.Status == store.ApprovalRejected {
		now := time.Now().UTC()
		item.ResolvedBy = peer.participant.Name
		item.ResolvedAt = &now
	}
	saved, err := s.store.UpsertApprovalItem(ctx, item)
	if err != nil {
		return ApprovalView{}, fmt.Errorf("persist approval: %w", err)
	}
	view := approvalView(saved)
	peer.session.applyApproval(view)
	return view, nil
}

// PublishRunUpdate rebroadcasts an external run record verbatim to every
// session the key addresses. Empty Workspace or Target fan out to the
// whole org. The service never inspects the record.
func (s *Service) PublishRunUpdate(key Key, run json.RawMessage) int {
	if key.Org == "" || len(run) == 0 {
		return 0
	}
	sessions := s.registry.sessionsMatching(key)
	for _, sess := range sessions {
		sess.publishRun(run)
	}
	return len(sessions)
}

// SendError queues a collab:error to one peer only. Bad input from one
// participant is never anyone else's problem.
func (s *Service) SendError(peer *Peer, code, message string) {
	sess := peer.session
	sess.mu.Lock()
	defer sess.mu.Unlock()
	peer.enqueue(mustFrame(EventError, ErrorPayload{Code: code, Message: message}))
}

func annotationView(annotation store.Annotation) AnnotationView {
	return AnnotationView{
		ID:        annotation.ID,
		TargetID:  annotation.TargetID,
		Body:      annotation.Body,
		Position:  annotation.Position,
		Author:    annotation.Author,
		CreatedAt: annotation.CreatedAt,
	}
}

func approvalView(item store.ApprovalItem) ApprovalView {
	return ApprovalView{
		QueueKey:    item.QueueKey,
		ItemID:      item.ItemID,
		Status:      item.Status,
		Payload:     item.Payload,
		RequestedBy: item.RequestedBy,
		ResolvedBy:  item.ResolvedBy,
		ResolvedAt:  item.ResolvedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}
