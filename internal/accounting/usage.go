// Package accounting tracks per-session token usage and derives how
// much of the model's context window is still available. Usage is
// keyed by message id so redelivered totals replace instead of
// accumulate.
package accounting

import (
	"sync"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// ModelSpec describes the context budget of one model.
type ModelSpec struct {
	ContextWindow  int64 `json:"context_window" yaml:"context_window"`
	ReservedOutput int64 `json:"reserved_output" yaml:"reserved_output"`
}

// Catalog maps model identifiers to their specs. Keys may be bare model
// ids or "provider/model" pairs; the qualified form wins.
type Catalog map[string]ModelSpec

// Lookup resolves a model spec, preferring the provider-qualified key.
func (c Catalog) Lookup(providerID, modelID string) (ModelSpec, bool) {
	if modelID == "" {
		return ModelSpec{}, false
	}
	if providerID != "" {
		if spec, ok := c[providerID+"/"+modelID]; ok {
			return spec, true
		}
	}
	spec, ok := c[modelID]
	return spec, ok
}

// DefaultCatalog covers the models the supervised backends ship with.
// Deployments extend or override it through configuration.
func DefaultCatalog() Catalog {
	return Catalog{
		"claude-sonnet-4-5": {ContextWindow: 200000, ReservedOutput: 32000},
		"claude-opus-4-1":   {ContextWindow: 200000, ReservedOutput: 32000},
		"claude-3-5-haiku":  {ContextWindow: 200000, ReservedOutput: 8192},
		"gpt-4o":            {ContextWindow: 128000, ReservedOutput: 16384},
		"gpt-4o-mini":       {ContextWindow: 128000, ReservedOutput: 16384},
		"gemini-2.0-flash":  {ContextWindow: 1048576, ReservedOutput: 8192},
	}
}

// Totals aggregates usage across a session's counted messages.
type Totals struct {
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	CacheReadTokens int64   `json:"cache_read_tokens"`
	Cost            float64 `json:"cost"`
}

func (t *Totals) add(u domain.Usage) {
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.ReasoningTokens += u.ReasoningTokens
	t.CacheReadTokens += u.CacheReadTokens
	t.Cost += u.Cost
}

func (t *Totals) subtract(u domain.Usage) {
	t.InputTokens -= u.InputTokens
	t.OutputTokens -= u.OutputTokens
	t.ReasoningTokens -= u.ReasoningTokens
	t.CacheReadTokens -= u.CacheReadTokens
	t.Cost -= u.Cost
}

// Snapshot is a read-only view of one session's accounting state.
type Snapshot struct {
	Totals           Totals `json:"totals"`
	EntryCount       int    `json:"entry_count"`
	LastMessageID    string `json:"last_message_id,omitempty"`
	AvailableContext int64  `json:"available_context"`
	AvailableKnown   bool   `json:"available_known"`
}

type sessionUsage struct {
	entries        map[string]domain.Usage
	totals         Totals
	lastMessageID  string
	available      int64
	availableKnown bool
}

// Tracker accounts token usage for every session of one instance.
type Tracker struct {
	mu       sync.Mutex
	catalog  Catalog
	sessions map[string]*sessionUsage
}

// NewTracker creates a tracker resolving context windows from catalog.
func NewTracker(catalog Catalog) *Tracker {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Tracker{
		catalog:  catalog,
		sessions: make(map[string]*sessionUsage),
	}
}

// Record stores the usage reported for one message. A repeated message
// id replaces the previous entry, so backends that re-send running
// totals never double-count. The available-context figure is derived
// from this latest entry when the model is known; otherwise the prior
// figure is kept rather than reset.
func (t *Tracker) Record(sessionID, messageID string, u domain.Usage, providerID, modelID string) {
	if sessionID == "" || messageID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	su := t.ensureLocked(sessionID)
	if old, ok := su.entries[messageID]; ok {
		su.totals.subtract(old)
	}
	su.entries[messageID] = u
	su.totals.add(u)
	su.lastMessageID = messageID

	if spec, ok := t.catalog.Lookup(providerID, modelID); ok {
		avail := spec.ContextWindow - spec.ReservedOutput - u.Consumed()
		if avail < 0 {
			avail = 0
		}
		su.available = avail
		su.availableKnown = true
	}
}

// Remove drops one message's usage from the session totals.
func (t *Tracker) Remove(sessionID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	su, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	u, ok := su.entries[messageID]
	if !ok {
		return false
	}
	delete(su.entries, messageID)
	su.totals.subtract(u)
	if su.lastMessageID == messageID {
		su.lastMessageID = ""
	}
	return true
}

// ClearSession forgets a session entirely.
func (t *Tracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Reset forgets everything, used when connection state is rebuilt.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]*sessionUsage)
}

// RemapMessageID migrates an entry when a local placeholder id is
// confirmed by the server.
func (t *Tracker) RemapMessageID(sessionID, oldID, newID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	su, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	if u, ok := su.entries[oldID]; ok {
		delete(su.entries, oldID)
		su.entries[newID] = u
	}
	if su.lastMessageID == oldID {
		su.lastMessageID = newID
	}
}

// Snapshot returns the session's current accounting view.
func (t *Tracker) Snapshot(sessionID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	su, ok := t.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Totals:           su.totals,
		EntryCount:       len(su.entries),
		LastMessageID:    su.lastMessageID,
		AvailableContext: su.available,
		AvailableKnown:   su.availableKnown,
	}, true
}

func (t *Tracker) ensureLocked(sessionID string) *sessionUsage {
	su, ok := t.sessions[sessionID]
	if !ok {
		su = &sessionUsage{entries: make(map[string]domain.Usage)}
		t.sessions[sessionID] = su
	}
	return su
}
