// Package batch coalesces the part-update firehose into fixed-interval
// flushes. Between flushes only the newest update per part survives, so
// downstream consumers see at most one write per part per interval.
package batch

import (
	"sync"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// DefaultInterval is the flush cadence used when none is configured.
const DefaultInterval = 50 * time.Millisecond

// Key identifies one part within one message.
type Key struct {
	MessageID string
	PartID    string
}

// FlushFunc receives a drained batch in first-touch order.
type FlushFunc func([]domain.PartUpdated)

// TimerFunc schedules fn after d and returns a cancel function. The
// default wraps time.AfterFunc.
type TimerFunc func(d time.Duration, fn func()) (stop func())

// Queue buffers part updates and flushes them on a fixed cadence. The
// timer is armed when the first update lands in an empty queue and
// disarmed by the flush, so an idle stream costs nothing.
type Queue struct {
	mu       sync.Mutex
	interval time.Duration
	flush    FlushFunc
	timerFn  TimerFunc

	pending map[Key]domain.PartUpdated
	order   []Key
	cancel  func()
	armed   bool
}

// New creates a queue flushing every interval into fn.
func New(interval time.Duration, fn FlushFunc) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Queue{
		interval: interval,
		flush:    fn,
		timerFn: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
		pending: make(map[Key]domain.PartUpdated),
	}
}

// Add enqueues one update, coalescing it with any pending update for
// the same part. When both carry delta sequence numbers the higher one
// wins, which drops reordered duplicates; otherwise the newer update
// replaces the older outright.
func (q *Queue) Add(up domain.PartUpdated) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := Key{MessageID: up.Part.MessageID, PartID: up.Part.ID}
	prev, exists := q.pending[k]
	if exists && prev.DeltaSeq > 0 && up.DeltaSeq > 0 && up.DeltaSeq < prev.DeltaSeq {
		return
	}
	q.pending[k] = up
	if !exists {
		q.order = append(q.order, k)
	}
	if !q.armed {
		q.armed = true
		q.cancel = q.timerFn(q.interval, q.Flush)
	}
}

// Flush drains the queue and hands the batch to the flush callback
// outside the lock. An empty queue is a no-op.
func (q *Queue) Flush() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.disarmLocked()
		q.mu.Unlock()
		return
	}
	batch := make([]domain.PartUpdated, 0, len(q.order))
	for _, k := range q.order {
		batch = append(batch, q.pending[k])
	}
	q.pending = make(map[Key]domain.PartUpdated)
	q.order = nil
	q.disarmLocked()
	q.mu.Unlock()

	q.flush(batch)
}

// Len returns the number of pending parts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop disarms the timer without flushing.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.disarmLocked()
}

func (q *Queue) disarmLocked() {
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.armed = false
}
