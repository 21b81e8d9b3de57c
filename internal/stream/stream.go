// Package stream subscribes to a backend's server-sent event feed and
// turns raw frames into decoded wire events. A client is single-use:
// once its stream ends it stays disconnected, and the supervisor
// decides whether to build a fresh one.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// Status is the lifecycle state of one event stream.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StatusFunc observes status transitions. The reason is empty for
// healthy transitions and carries the failure cause otherwise.
type StatusFunc func(status Status, reason string)

// Client consumes one backend's /event feed. Decoded events are
// delivered on Events in arrival order; the channel is closed when the
// stream ends.
type Client struct {
	baseURL    string
	httpClient *http.Client
	onStatus   StatusFunc

	events  chan domain.Event
	quit    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	dropped atomic.Int64

	mu     sync.Mutex
	status Status
}

// NewClient creates a client for the backend at baseURL. The HTTP
// client carries no overall timeout because the stream is long-lived.
func NewClient(baseURL string, onStatus StatusFunc) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		onStatus:   onStatus,
		events:     make(chan domain.Event, 256),
		quit:       make(chan struct{}),
	}
}

// Connect dials the event feed and starts the reader. A failure here
// leaves the client in the error state; it reports connected only once
// the backend has accepted the subscription.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting, "")

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		c.setStatus(StatusError, err.Error())
		return fmt.Errorf("failed to create event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		c.setStatus(StatusError, err.Error())
		return fmt.Errorf("failed to connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		reason := fmt.Sprintf("event stream returned status %d", resp.StatusCode)
		c.setStatus(StatusError, reason)
		return fmt.Errorf("%s: %s", reason, strings.TrimSpace(string(body)))
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.setStatus(StatusConnected, "")
	go c.run(resp.Body)
	return nil
}

// Events returns the decoded event channel. It is closed when the
// stream ends for any reason.
func (c *Client) Events() <-chan domain.Event {
	return c.events
}

// Status returns the current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Dropped returns how many malformed frames were discarded.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Close tears the stream down and waits for the reader to exit.
func (c *Client) Close() {
	c.mu.Lock()
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Client) run(body io.ReadCloser) {
	defer close(c.done)
	defer close(c.events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of frame.
		if line == "" {
			if data.Len() > 0 {
				c.dispatch(data.String())
				data.Reset()
			}
			continue
		}
		// Comment lines are keep-alives.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			d := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(d)
		}
		// Other SSE fields are ignored; the backends send data-only frames.
	}
	if data.Len() > 0 {
		c.dispatch(data.String())
	}

	reason := "stream closed by backend"
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	c.setStatus(StatusDisconnected, reason)
}

// dispatch decodes one frame. Malformed frames are logged and dropped
// so a single bad payload cannot stall the stream.
func (c *Client) dispatch(data string) {
	ev, err := domain.DecodeEvent([]byte(data))
	if err != nil {
		c.dropped.Add(1)
		slog.Warn("dropping malformed event frame", "error", err, "size", len(data))
		return
	}
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *Client) setStatus(status Status, reason string) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	cb := c.onStatus
	c.mu.Unlock()

	if cb != nil {
		cb(status, reason)
	}
}
