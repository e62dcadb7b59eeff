// Package collab keeps the live state of collaboration sessions: who is
// present, where their cursors are, and what has been annotated or
// approved since the session opened. Durable writes happen in the store
// first; this package only fans out.
package collab

import (
	"encoding/json"
	"sync"
	"time"
)

// Key addresses one session. Sessions never see each other's traffic.
type Key struct {
	Org       string
	Workspace string
	Target    string
}

// Participant is the identity a peer joins with, taken from its token.
type Participant struct {
	ID   string
	Name string
}

var cursorPalette = []string{
	"#2563eb", "#db2777", "#16a34a", "#d97706",
	"#7c3aed", "#0891b2", "#dc2626", "#65a30d",
}

// Registry owns every open session in the process. It is constructed at
// startup and handed to whoever needs to publish; there is no package
// global, so tests run independent instances side by side.
type Registry struct {
	mu        sync.Mutex
	queueSize int
	sessions  map[Key]*session
}

func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Registry{
		queueSize: queueSize,
		sessions:  map[Key]*session{},
	}
}

// session holds one scope's live state. Its mutex covers everything
// inside; different sessions never contend with each other.
type session struct {
	registry *Registry
	key      Key

	mu          sync.Mutex
	gone        bool
	peers       map[string]*Peer
	cursors     map[string]Cursor
	annotations []AnnotationView
	approvals   map[string]ApprovalView
	lastRun     json.RawMessage
	joinSeq     int
	colors      map[string]string
	seeded      bool
}

func (r *Registry) sessionFor(key Key) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[key]; ok {
		return existing
	}
	created := &session{
		registry:    r,
		key:         key,
		peers:       map[string]*Peer{},
		cursors:     map[string]Cursor{},
		annotations: []AnnotationView{},
		approvals:   map[string]ApprovalView{},
		colors:      map[string]string{},
	}
	r.sessions[key] = created
	return created
}

// SessionCount reports how many sessions are live.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Peer is one live connection. Outbound frames go through a bounded
// queue: when it fills, the oldest frame is dropped so one stalled
// reader never blocks the session.
type Peer struct {
	connID      string
	participant Participant
	color       string
	session     *session
	out         chan Frame
}

func (p *Peer) Outbound() <-chan Frame   { return p.out }
func (p *Peer) ParticipantID() string    { return p.participant.ID }
func (p *Peer) Participant() Participant { return p.participant }
func (p *Peer) Key() Key                 { return p.session.key }

// enqueue never blocks. Caller must hold the session mutex so drops and
// sends for one session stay ordered.
func (p *Peer) enqueue(frame Frame) {
	for {
		select {
		case p.out <- frame:
			return
		default:
		}
		select {
		case <-p.out:
		default:
		}
	}
}

// ensureSeeded loads the catch-up state once per session lifetime.
// Every later joiner is served from live session state. A failed load
// leaves the session unseeded so the next join retries it instead of
// serving an empty catch-up forever.
func (s *session) ensureSeeded(load func() ([]AnnotationView, []ApprovalView, error)) error {
	s.mu.Lock()
	if s.seeded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	annotations, approvals, err := load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		// A concurrent join won the load race; its result stands.
		return nil
	}
	s.annotations = append(s.annotations, annotations...)
	for _, view := range approvals {
		s.approvals[approvalKey(view.QueueKey, view.ItemID)] = view
	}
	s.seeded = true
	return nil
}

func approvalKey(queueKey, itemID string) string {
	return queueKey + "\x00" + itemID
}

// join registers the peer and queues its collab:init in one critical
// section, so nothing broadcast afterwards can slip in front of the
// init frame. A pure join broadcasts nothing to the others.
func (s *session) join(connID string, participant Participant) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return nil, false
	}

	color, ok := s.colors[participant.ID]
	if !ok {
		color = cursorPalette[s.joinSeq%len(cursorPalette)]
		s.colors[participant.ID] = color
		s.joinSeq++
	}

	peer := &Peer{
		connID:      connID,
		participant: participant,
		color:       color,
		session:     s,
		out:         make(chan Frame, s.registry.queueSize),
	}
	s.peers[connID] = peer

	cursors := make([]Cursor, 0, len(s.cursors))
	for _, cursor := range s.cursors {
		cursors = append(cursors, cursor)
	}
	approvals := make([]ApprovalView, 0, len(s.approvals))
	for _, view := range s.approvals {
		approvals = append(approvals, view)
	}
	annotations := make([]AnnotationView, len(s.annotations))
	copy(annotations, s.annotations)

	peer.enqueue(mustFrame(EventInit, InitPayload{
		ParticipantID: participant.ID,
		Color:         color,
		Cursors:       cursors,
		Annotations:   annotations,
		Approvals:     approvals,
		Run:           s.lastRun,
	}))
	return peer, true
}

// leave removes the connection. The cursor disappears and cursor:leave
// goes out only when no other connection of the same participant
// remains. The session itself is torn down with the last peer.
func (s *session) leave(peer *Peer) {
	s.mu.Lock()
	if _, ok := s.peers[peer.connID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer.connID)

	participantGone := true
	for _, other := range s.peers {
		if other.participant.ID == peer.participant.ID {
			participantGone = false
			break
		}
	}
	if participantGone {
		delete(s.cursors, peer.participant.ID)
		s.broadcastLocked(mustFrame(EventCursorLeave, CursorLeavePayload{
			ParticipantID: peer.participant.ID,
		}), "")
	}
	empty := len(s.peers) == 0
	s.mu.Unlock()

	if empty {
		s.registry.remove(s)
	}
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) > 0 {
		return
	}
	s.gone = true
	if r.sessions[s.key] == s {
		delete(r.sessions, s.key)
	}
}

// updateCursor stores the participant's position and fans cursor:state
// out to everyone else. The mover already knows where its own cursor is.
func (s *session) updateCursor(peer *Peer, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := Cursor{
		ParticipantID: peer.participant.ID,
		Name:          peer.participant.Name,
		Color:         peer.color,
		X:             x,
		Y:             y,
		UpdatedAt:     time.Now().UTC(),
	}
	s.cursors[peer.participant.ID] = cursor
	s.broadcastLocked(mustFrame(EventCursorState, cursor), peer.connID)
}

func (s *session) addAnnotation(view AnnotationView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations = append(s.annotations, view)
	s.broadcastLocked(mustFrame(EventAnnotationAdded, view), "")
}

func (s *session) applyApproval(view ApprovalView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approvalKey(view.QueueKey, view.ItemID)] = view
	s.broadcastLocked(mustFrame(EventApprovalUpdated, view), "")
}

func (s *session) publishRun(run json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = run
	s.broadcastLocked(mustFrame(EventRun, RunPayload{Run: run}), "")
}

// broadcastLocked queues the frame for every peer except excludeConnID.
// Caller holds the session mutex.
func (s *session) broadcastLocked(frame Frame, excludeConnID string) {
	for connID, peer := range s.peers {
		if connID == excludeConnID {
			continue
		}
		peer.enqueue(frame)
	}
}

// sessionsMatching returns live sessions addressed by a possibly
// partial key: empty Workspace or Target act as wildcards. Run relays
// address whole orgs this way.
func (r *Registry) sessionsMatching(key Key) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]*session, 0)
	for candidate, sess := range r.sessions {
		if candidate.Org != key.Org {
			continue
		}
		if key.Workspace != "" && candidate.Workspace != key.Workspace {
			continue
		}
		if key.Target != "" && candidate.Target != key.Target {
			continue
		}
		matched = append(matched, sess)
	}
	return matched
}
