// Package store holds the authoritative in-memory model of one backend
// instance: sessions, their messages, and incrementally-arriving parts.
// Every record carries a monotonic revision counter used as a cache key
// by consumers.
package store

import (
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
)

var (
	// ErrPartMissingID marks a part update without a part id. Parts must
	// be addressable because permission and question reconciliation
	// reference them by id.
	ErrPartMissingID = errors.New("part update missing part id")
	// ErrPartOrphaned marks a part update that cannot be attached to a
	// message, not even a synthesized one.
	ErrPartOrphaned = errors.New("part update missing owning message")
)

// SessionView is a read-only session snapshot.
type SessionView struct {
	domain.Session
	Revision int64 `json:"revision"`
}

// MessageView is a read-only message snapshot including its parts in
// arrival order.
type MessageView struct {
	domain.Message
	Revision int64      `json:"revision"`
	Parts    []PartView `json:"parts,omitempty"`
}

// PartView is a read-only part snapshot.
type PartView struct {
	domain.Part
	Revision int64 `json:"revision"`
}

type partState struct {
	part     domain.Part
	revision int64
	lastSeq  int64
}

type messageState struct {
	msg       domain.Message
	revision  int64
	partOrder []string
	parts     map[string]*partState
}

type sessionState struct {
	sess     domain.Session
	revision int64
	order    []string // message ids in arrival order
}

// Store is the normalized message store of one instance. All methods
// are safe for concurrent use; multi-step mutations complete under one
// critical section so readers never observe partial state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	messages map[string]*messageState
	now      func() int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*sessionState),
		messages: make(map[string]*messageState),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Reset drops all state, used when a connection is rebuilt from
// scratch and the backend re-seeds everything.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*sessionState)
	s.messages = make(map[string]*messageState)
}

// UpsertSession inserts or refreshes a session record. It reports
// whether anything changed.
func (s *Store) UpsertSession(sess domain.Session) bool {
	if sess.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[sess.ID]
	if !ok {
		if sess.CreatedAt == 0 {
			sess.CreatedAt = s.now()
		}
		s.sessions[sess.ID] = &sessionState{sess: sess}
		return true
	}
	// Wire session records are complete, but status and created_at also
	// arrive on their own events; absent values keep the prior ones.
	merged := sess
	if merged.Status == "" {
		merged.Status = ss.sess.Status
	}
	if merged.CreatedAt == 0 {
		merged.CreatedAt = ss.sess.CreatedAt
	}
	if reflect.DeepEqual(merged, ss.sess) {
		return false
	}
	ss.sess = merged
	ss.revision++
	return true
}

// SetSessionStatus transitions a session's lifecycle status,
// synthesizing the session if it is not known yet.
func (s *Store) SetSessionStatus(sessionID string, status domain.SessionStatus) bool {
	if sessionID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.ensureSessionLocked(sessionID)
	if ss.sess.Status == status {
		return false
	}
	ss.sess.Status = status
	ss.sess.UpdatedAt = s.now()
	ss.revision++
	return true
}

// Session returns a snapshot of one session.
func (s *Store) Session(id string) (SessionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, ok := s.sessions[id]
	if !ok {
		return SessionView{}, false
	}
	return SessionView{Session: ss.sess, Revision: ss.revision}, true
}

// Sessions returns snapshots of all sessions ordered by creation time.
func (s *Store) Sessions() []SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionView, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, SessionView{Session: ss.sess, Revision: ss.revision})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpsertMessage inserts or merges a message by id. Revisions never
// decrease; a merge that changes nothing is a revision no-op.
func (s *Store) UpsertMessage(msg domain.Message) bool {
	if msg.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.messages[msg.ID]
	if !ok {
		if msg.SessionID == "" {
			return false
		}
		s.insertMessageLocked(msg)
		return true
	}
	merged := mergeMessage(ms.msg, msg)
	if reflect.DeepEqual(merged, ms.msg) {
		return false
	}
	ms.msg = merged
	ms.revision++
	return true
}

// HasMessage reports whether a message id is known.
func (s *Store) HasMessage(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok
}

// PendingLocalID returns the most recent message in the session that
// still carries a temporary id, matches the role, and has not finished
// streaming. It is the reconciliation counterpart for an incoming
// server-confirmed message id.
func (s *Store) PendingLocalID(sessionID string, role domain.MessageRole) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	for i := len(ss.order) - 1; i >= 0; i-- {
		id := ss.order[i]
		ms, ok := s.messages[id]
		if !ok || !domain.IsTempID(id) || ms.msg.Role != role {
			continue
		}
		if ms.msg.Status == domain.MessageSending || ms.msg.Status == domain.MessageStreaming {
			return id, true
		}
	}
	return "", false
}

// ReplaceMessageID atomically migrates a message and all of its parts
// to a new id, keeping the session timeline slot. Part revisions are
// preserved; the message revision is bumped once.
func (s *Store) ReplaceMessageID(oldID, newID string) bool {
	if oldID == "" || newID == "" || oldID == newID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.messages[oldID]
	if !ok {
		return false
	}
	if _, exists := s.messages[newID]; exists {
		return false
	}
	delete(s.messages, oldID)
	ms.msg.ID = newID
	for _, pid := range ms.partOrder {
		ms.parts[pid].part.MessageID = newID
	}
	s.messages[newID] = ms
	if ss, ok := s.sessions[ms.msg.SessionID]; ok {
		for i, id := range ss.order {
			if id == oldID {
				ss.order[i] = newID
				break
			}
		}
	}
	ms.revision++
	return true
}

// ApplyPartUpdate inserts or patches one part, synthesizing a minimal
// streaming message first when the owner is unknown so a part is never
// orphaned. Part and message revisions are bumped at most once per
// applied event.
func (s *Store) ApplyPartUpdate(up domain.PartUpdated) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyPartLocked(up)
}

// TouchedMessage identifies one message a part batch wrote to.
type TouchedMessage struct {
	SessionID string
	MessageID string
}

// ApplyPartBatch applies a coalesced batch of part updates under one
// critical section so readers observe the flush as a single snapshot.
// It returns the number of applied updates and the touched messages in
// first-touch order.
func (s *Store) ApplyPartBatch(ups []domain.PartUpdated) (int, []TouchedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	var errs []error
	var touched []TouchedMessage
	seen := make(map[string]bool)
	for i := range ups {
		if err := s.applyPartLocked(ups[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
		mid := ups[i].Part.MessageID
		if seen[mid] {
			continue
		}
		if ms, ok := s.messages[mid]; ok {
			seen[mid] = true
			touched = append(touched, TouchedMessage{SessionID: ms.msg.SessionID, MessageID: mid})
		}
	}
	return applied, touched, errors.Join(errs...)
}

func (s *Store) applyPartLocked(up domain.PartUpdated) error {
	p := up.Part
	if p.ID == "" {
		return ErrPartMissingID
	}
	if p.MessageID == "" {
		return ErrPartOrphaned
	}
	ms, ok := s.messages[p.MessageID]
	if !ok {
		if p.SessionID == "" {
			return ErrPartOrphaned
		}
		role := up.Role
		if role == "" {
			role = domain.RoleAssistant
		}
		ms = s.insertMessageLocked(domain.Message{
			ID:        p.MessageID,
			SessionID: p.SessionID,
			Role:      role,
			Status:    domain.MessageStreaming,
		})
	}

	ps, ok := ms.parts[p.ID]
	if !ok {
		// First sighting: the snapshot carries the accumulated state.
		ms.parts[p.ID] = &partState{part: p, lastSeq: up.DeltaSeq}
		ms.partOrder = append(ms.partOrder, p.ID)
		ms.revision++
		ms.msg.UpdatedAt = s.now()
		return nil
	}

	changed := false
	if up.Delta != "" {
		switch {
		case up.DeltaSeq != 0 && up.DeltaSeq <= ps.lastSeq:
			// duplicate delivery
		case up.DeltaSeq == 0 || up.DeltaSeq == ps.lastSeq+1:
			ps.part.Text += up.Delta
			if up.DeltaSeq != 0 {
				ps.lastSeq = up.DeltaSeq
			}
			changed = true
		default:
			// Sequence gap: earlier deltas were coalesced away, the
			// snapshot text is authoritative.
			ps.part = p
			ps.lastSeq = up.DeltaSeq
			changed = true
		}
	} else {
		if !reflect.DeepEqual(ps.part, p) {
			ps.part = p
			changed = true
		}
		if up.DeltaSeq > ps.lastSeq {
			ps.lastSeq = up.DeltaSeq
		}
	}
	if changed {
		ps.revision++
		ms.revision++
		ms.msg.UpdatedAt = s.now()
	}
	return nil
}

// RemoveMessage drops a message and its parts from the timeline.
func (s *Store) RemoveMessage(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.messages[messageID]
	if !ok {
		return false
	}
	delete(s.messages, messageID)
	if ss, ok := s.sessions[ms.msg.SessionID]; ok {
		ss.order = removeID(ss.order, messageID)
	}
	return true
}

// RemovePart drops a single part.
func (s *Store) RemovePart(messageID, partID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.messages[messageID]
	if !ok {
		return false
	}
	if _, ok := ms.parts[partID]; !ok {
		return false
	}
	delete(ms.parts, partID)
	ms.partOrder = removeID(ms.partOrder, partID)
	ms.revision++
	ms.msg.UpdatedAt = s.now()
	return true
}

// SessionMessageIDs returns message ids in arrival order. Timestamp
// data never reorders the timeline.
func (s *Store) SessionMessageIDs(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(ss.order))
	copy(out, ss.order)
	return out
}

// ClearSession drops all messages and parts of a session, keeping the
// session record itself.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	for _, id := range ss.order {
		delete(s.messages, id)
	}
	ss.order = nil
	ss.revision++
}

// DeleteSession removes a session and everything it owns.
func (s *Store) DeleteSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	for _, id := range ss.order {
		delete(s.messages, id)
	}
	delete(s.sessions, sessionID)
	return true
}

// Message returns a snapshot of one message with its parts.
func (s *Store) Message(id string) (MessageView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.messages[id]
	if !ok {
		return MessageView{}, false
	}
	return s.messageViewLocked(ms), true
}

// Part returns a snapshot of one part.
func (s *Store) Part(messageID, partID string) (PartView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.messages[messageID]
	if !ok {
		return PartView{}, false
	}
	ps, ok := ms.parts[partID]
	if !ok {
		return PartView{}, false
	}
	return PartView{Part: ps.part, Revision: ps.revision}, true
}

// SessionMessages returns snapshots of a session's messages in arrival
// order.
func (s *Store) SessionMessages(sessionID string) []MessageView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]MessageView, 0, len(ss.order))
	for _, id := range ss.order {
		if ms, ok := s.messages[id]; ok {
			out = append(out, s.messageViewLocked(ms))
		}
	}
	return out
}

// MessageCount returns the number of messages in a session.
func (s *Store) MessageCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(ss.order)
}

// Stats returns the store's record counts.
func (s *Store) Stats() (sessions, messages, parts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ms := range s.messages {
		parts += len(ms.partOrder)
	}
	return len(s.sessions), len(s.messages), parts
}

func (s *Store) messageViewLocked(ms *messageState) MessageView {
	mv := MessageView{Message: ms.msg, Revision: ms.revision}
	if len(ms.partOrder) > 0 {
		mv.Parts = make([]PartView, 0, len(ms.partOrder))
		for _, pid := range ms.partOrder {
			ps := ms.parts[pid]
			mv.Parts = append(mv.Parts, PartView{Part: ps.part, Revision: ps.revision})
		}
	}
	return mv
}

func (s *Store) ensureSessionLocked(id string) *sessionState {
	ss, ok := s.sessions[id]
	if !ok {
		ss = &sessionState{sess: domain.Session{ID: id, CreatedAt: s.now()}}
		s.sessions[id] = ss
	}
	return ss
}

func (s *Store) insertMessageLocked(msg domain.Message) *messageState {
	ss := s.ensureSessionLocked(msg.SessionID)
	if msg.CreatedAt == 0 {
		msg.CreatedAt = s.now()
	}
	ms := &messageState{msg: msg, parts: make(map[string]*partState)}
	s.messages[msg.ID] = ms
	ss.order = append(ss.order, msg.ID)
	return ms
}

func mergeMessage(old, in domain.Message) domain.Message {
	merged := old
	if in.Role != "" {
		merged.Role = in.Role
	}
	if in.Status != "" {
		merged.Status = in.Status
	}
	if in.ProviderID != "" {
		merged.ProviderID = in.ProviderID
	}
	if in.ModelID != "" {
		merged.ModelID = in.ModelID
	}
	if in.CreatedAt != 0 {
		merged.CreatedAt = in.CreatedAt
	}
	if in.UpdatedAt != 0 {
		merged.UpdatedAt = in.UpdatedAt
	}
	if in.Usage != nil {
		merged.Usage = in.Usage
	}
	if in.Error != nil {
		merged.Error = in.Error
	}
	return merged
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
