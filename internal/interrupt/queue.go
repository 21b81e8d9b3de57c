// Package interrupt queues permission and question requests that block
// backend sessions until the operator answers. One request per instance
// is "active" at a time, chosen deterministically, so every frontend
// renders the same modal.
package interrupt

import (
	"sort"
	"sync"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// Kind discriminates the two interruption queues.
type Kind string

const (
	KindPermission Kind = "permission"
	KindQuestion   Kind = "question"
)

// Active identifies the request currently presented to the operator.
type Active struct {
	Kind      Kind   `json:"kind"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	CreatedAt int64  `json:"created_at"`
}

type entry struct {
	id        string
	sessionID string
	createdAt int64
}

// Set holds both queues of one instance. Requests are ordered by
// enqueue time with ids as tiebreaker; the earliest request across both
// queues is active, and a question wins an exact tie. Arbitration is
// recomputed after every mutation, so a newly arriving older request
// pre-empts the current active one.
type Set struct {
	mu        sync.Mutex
	perms     []entry
	questions []entry
	permByID  map[string]domain.PermissionRequest
	questByID map[string]domain.QuestionRequest
	pending   map[string]int
	active    *Active
	now       func() int64
}

// New creates an empty set.
func New() *Set {
	return &Set{
		permByID:  make(map[string]domain.PermissionRequest),
		questByID: make(map[string]domain.QuestionRequest),
		pending:   make(map[string]int),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// AddPermission enqueues a permission request. Re-adding a known id is
// a no-op so duplicate deliveries cannot double-queue.
func (s *Set) AddPermission(req domain.PermissionRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		return false
	}
	if _, ok := s.permByID[req.ID]; ok {
		return false
	}
	if req.CreatedAt == 0 {
		req.CreatedAt = s.now()
	}
	s.permByID[req.ID] = req
	s.perms = insertEntry(s.perms, entry{id: req.ID, sessionID: req.SessionID, createdAt: req.CreatedAt})
	s.pending[req.SessionID]++
	s.rearbitrateLocked()
	return true
}

// AddQuestion enqueues a question request, idempotent by id.
func (s *Set) AddQuestion(req domain.QuestionRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		return false
	}
	if _, ok := s.questByID[req.ID]; ok {
		return false
	}
	if req.CreatedAt == 0 {
		req.CreatedAt = s.now()
	}
	s.questByID[req.ID] = req
	s.questions = insertEntry(s.questions, entry{id: req.ID, sessionID: req.SessionID, createdAt: req.CreatedAt})
	s.pending[req.SessionID]++
	s.rearbitrateLocked()
	return true
}

// RemovePermission dequeues a permission request.
func (s *Set) RemovePermission(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.permByID[id]
	if !ok {
		return false
	}
	delete(s.permByID, id)
	s.perms = removeEntry(s.perms, id)
	s.decrementLocked(req.SessionID)
	s.rearbitrateLocked()
	return true
}

// RemoveQuestion dequeues a question request.
func (s *Set) RemoveQuestion(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.questByID[id]
	if !ok {
		return false
	}
	delete(s.questByID, id)
	s.questions = removeEntry(s.questions, id)
	s.decrementLocked(req.SessionID)
	s.rearbitrateLocked()
	return true
}

// RemoveSession drops every request belonging to a session and returns
// how many were removed.
func (s *Set) RemoveSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	keep := s.perms[:0]
	for _, e := range s.perms {
		if e.sessionID == sessionID {
			delete(s.permByID, e.id)
			removed++
			continue
		}
		keep = append(keep, e)
	}
	s.perms = keep

	keepQ := s.questions[:0]
	for _, e := range s.questions {
		if e.sessionID == sessionID {
			delete(s.questByID, e.id)
			removed++
			continue
		}
		keepQ = append(keepQ, e)
	}
	s.questions = keepQ

	delete(s.pending, sessionID)
	s.rearbitrateLocked()
	return removed
}

// RemapMessageID rewrites the message reference of queued permissions
// when a local placeholder id is confirmed by the server.
func (s *Set) RemapMessageID(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, req := range s.permByID {
		if req.MessageID == oldID {
			req.MessageID = newID
			s.permByID[id] = req
		}
	}
}

// Clear drops everything.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.perms = nil
	s.questions = nil
	s.permByID = make(map[string]domain.PermissionRequest)
	s.questByID = make(map[string]domain.QuestionRequest)
	s.pending = make(map[string]int)
	s.active = nil
}

// Active returns the request the operator should see right now.
func (s *Set) Active() (Active, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return Active{}, false
	}
	return *s.active, true
}

// Permission returns a queued permission request by id.
func (s *Set) Permission(id string) (domain.PermissionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.permByID[id]
	return req, ok
}

// Question returns a queued question request by id.
func (s *Set) Question(id string) (domain.QuestionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.questByID[id]
	return req, ok
}

// PermissionQueue returns queued permissions in arbitration order.
func (s *Set) PermissionQueue() []domain.PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PermissionRequest, 0, len(s.perms))
	for _, e := range s.perms {
		out = append(out, s.permByID[e.id])
	}
	return out
}

// QuestionQueue returns queued questions in arbitration order.
func (s *Set) QuestionQueue() []domain.QuestionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.QuestionRequest, 0, len(s.questions))
	for _, e := range s.questions {
		out = append(out, s.questByID[e.id])
	}
	return out
}

// PendingCount returns the number of outstanding requests for one
// session. It is O(1); session list renderers poll it per row.
func (s *Set) PendingCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[sessionID]
}

// PendingSessions returns a copy of the per-session outstanding counts.
func (s *Set) PendingSessions() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// Len returns the sizes of both queues.
func (s *Set) Len() (permissions, questions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.perms), len(s.questions)
}

func (s *Set) decrementLocked(sessionID string) {
	if n := s.pending[sessionID]; n > 1 {
		s.pending[sessionID] = n - 1
	} else {
		delete(s.pending, sessionID)
	}
}

// rearbitrateLocked picks the new active request: earliest across both
// queues, question winning an exact timestamp tie.
func (s *Set) rearbitrateLocked() {
	var head *entry
	kind := KindPermission
	if len(s.perms) > 0 {
		head = &s.perms[0]
	}
	if len(s.questions) > 0 {
		q := &s.questions[0]
		if head == nil || q.createdAt <= head.createdAt {
			head = q
			kind = KindQuestion
		}
	}
	if head == nil {
		s.active = nil
		return
	}
	s.active = &Active{Kind: kind, ID: head.id, SessionID: head.sessionID, CreatedAt: head.createdAt}
}

func insertEntry(list []entry, e entry) []entry {
	i := sort.Search(len(list), func(i int) bool {
		if list[i].createdAt != e.createdAt {
			return list[i].createdAt > e.createdAt
		}
		return list[i].id > e.id
	})
	list = append(list, entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func removeEntry(list []entry, id string) []entry {
	for i, e := range list {
		if e.id == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
