package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rchen9527/agentdeck/internal/engine"
)

// subscriberBuffer is the per-subscriber notification backlog. A
// subscriber that falls further behind loses notifications rather than
// blocking the engine.
const subscriberBuffer = 64

// keepaliveInterval paces SSE comment frames so idle connections
// survive intermediaries.
const keepaliveInterval = 15 * time.Second

// Subscription is one SSE consumer's notification feed.
type Subscription struct {
	id         int
	instanceID string
	C          chan engine.Notification
}

// Broker fans engine notifications out to SSE subscribers. Publish
// never blocks.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

// NewBroker creates an empty broker. Wire it into the engine with
// Subscribe(broker.Publish).
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*Subscription)}
}

// Publish delivers a notification to every matching subscriber.
func (b *Broker) Publish(n engine.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.instanceID != "" && n.InstanceID != "" && sub.instanceID != n.InstanceID {
			continue
		}
		select {
		case sub.C <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a feed. An empty instanceID receives
// notifications for every instance.
func (b *Broker) Subscribe(instanceID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:         b.nextID,
		instanceID: instanceID,
		C:          make(chan engine.Notification, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a feed.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

// Dropped reports notifications discarded on full subscriber buffers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount reports the number of live feeds.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// StreamEvents streams engine notifications via SSE.
// GET /v1/events/stream?instance_id=<id>
//
// The stream runs until the client disconnects. Each notification is
// one SSE frame with the scope as the event name.
func (h *Handler) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	instanceID := c.QueryParam("instance_id")

	if instanceID != "" {
		if _, ok := h.engine.Instance(instanceID); !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
		}
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	// Flush headers
	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	sub := h.broker.Subscribe(instanceID)
	defer h.broker.Unsubscribe(sub)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return nil

		case n := <-sub.C:
			if err := sendSSEEvent(c, n); err != nil {
				return err
			}

		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Response().Writer, ": keepalive\n\n"); err != nil {
				return err
			}
			if flusher, ok := c.Response().Writer.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}
}

// sendSSEEvent sends a single notification in SSE format.
func sendSSEEvent(c echo.Context, n engine.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\n", n.Scope); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); err != nil {
		return err
	}

	// Flush immediately
	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
