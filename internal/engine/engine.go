// Package engine supervises backend instances: it owns one state set
// per connected backend (message store, interruption queues, usage
// tracker), applies the event stream to it, and fans change
// notifications out to subscribers.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rchen9527/agentdeck/internal/accounting"
	"github.com/rchen9527/agentdeck/internal/batch"
	"github.com/rchen9527/agentdeck/internal/policy"
	"github.com/rchen9527/agentdeck/internal/stream"
	"github.com/rchen9527/agentdeck/internal/telemetry"
)

// Notification scopes. Subscribers use them to decide which local view
// to refresh.
const (
	ScopeStore      = "store"
	ScopeInterrupt  = "interrupt"
	ScopeAccounting = "accounting"
	ScopeStatus     = "status"
	ScopeNotice     = "notice"
)

// ErrInstanceNotFound is returned for operations on unknown instances.
var ErrInstanceNotFound = errors.New("instance not found")

// Notification tells subscribers that some slice of instance state
// changed. It carries identifiers, never payloads; consumers re-read
// through the instance's accessors.
type Notification struct {
	InstanceID string `json:"instance_id"`
	Scope      string `json:"scope"`
	SessionID  string `json:"session_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Ts         int64  `json:"ts"`
}

// SubscribeFunc receives notifications. It runs on engine goroutines
// and must not block.
type SubscribeFunc func(Notification)

// Config carries the engine's collaborators.
type Config struct {
	BatchInterval time.Duration
	Catalog       accounting.Catalog
	Screener      *policy.Engine
	Metrics       *telemetry.Metrics
}

// Engine is the root supervisor. All methods are safe for concurrent
// use.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	instances map[string]*Instance
	subs      []SubscribeFunc
	closed    bool
}

// New creates an engine with no connected instances.
func New(cfg Config) *Engine {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = batch.DefaultInterval
	}
	if cfg.Catalog == nil {
		cfg.Catalog = accounting.DefaultCatalog()
	}
	return &Engine{
		cfg:       cfg,
		instances: make(map[string]*Instance),
	}
}

// Subscribe registers a notification sink for the engine's lifetime.
func (e *Engine) Subscribe(fn SubscribeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Connect seeds state from the backend at baseURL, opens its event
// stream, and registers the resulting instance.
func (e *Engine) Connect(ctx context.Context, baseURL string) (*Instance, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errors.New("engine is closed")
	}

	inst := newInstance(e, baseURL)
	if err := inst.connect(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		inst.stop()
		return nil, errors.New("engine is closed")
	}
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	e.cfg.Metrics.InstanceConnected(1)
	return inst, nil
}

// Instance looks up a connected instance by id.
func (e *Engine) Instance(id string) (*Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	return inst, ok
}

// Instances returns summaries of all registered instances.
func (e *Engine) Instances() []InstanceInfo {
	e.mu.RLock()
	insts := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.RUnlock()

	out := make([]InstanceInfo, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Info())
	}
	return out
}

// Disconnect tears an instance down and forgets its state.
func (e *Engine) Disconnect(id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if ok {
		delete(e.instances, id)
	}
	e.mu.Unlock()
	if !ok {
		return ErrInstanceNotFound
	}

	inst.stop()
	e.cfg.Metrics.InstanceConnected(-1)
	return nil
}

// Reconnect rebuilds an instance's connection from scratch: the old
// stream is closed, volatile state is discarded, sessions are
// re-seeded, and a fresh stream is opened. Nothing is resumed.
func (e *Engine) Reconnect(ctx context.Context, id string) error {
	e.mu.RLock()
	inst, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return ErrInstanceNotFound
	}
	return inst.reconnect(ctx)
}

// Close disconnects every instance.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	insts := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.instances = make(map[string]*Instance)
	e.mu.Unlock()

	for _, inst := range insts {
		inst.stop()
		e.cfg.Metrics.InstanceConnected(-1)
	}
}

func (e *Engine) notify(n Notification) {
	n.Ts = time.Now().UnixMilli()
	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()

	e.cfg.Metrics.NotificationSent(n.Scope)
	for _, fn := range subs {
		fn(n)
	}
}

// InstanceInfo is a point-in-time instance summary.
type InstanceInfo struct {
	ID       string        `json:"id"`
	BaseURL  string        `json:"base_url"`
	Status   stream.Status `json:"status"`
	Sessions int           `json:"sessions"`
	Messages int           `json:"messages"`
	Parts    int           `json:"parts"`
	Dropped  int64         `json:"dropped_frames"`
}
