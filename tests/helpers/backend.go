// Package helpers provides shared test fixtures.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// ScriptedBackend fakes an agent backend: canned session listings, an
// SSE feed driven by Emit, scripted responses and failures, and call
// recording for command endpoints.
type ScriptedBackend struct {
	Srv    *httptest.Server
	frames chan string

	mu       sync.Mutex
	sessions []domain.Session
	calls    []string
	fail     map[string]int
	respond  map[string]string
}

// NewScriptedBackend starts a fake backend that shuts down with the
// test.
func NewScriptedBackend(t *testing.T) *ScriptedBackend {
	t.Helper()
	sb := &ScriptedBackend{
		frames:  make(chan string, 64),
		fail:    make(map[string]int),
		respond: make(map[string]string),
	}
	sb.Srv = httptest.NewServer(http.HandlerFunc(sb.handle))
	t.Cleanup(sb.Srv.Close)
	return sb
}

// URL returns the backend's base URL.
func (sb *ScriptedBackend) URL() string {
	return sb.Srv.URL
}

func (sb *ScriptedBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/event":
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fl.Flush()
		for {
			select {
			case frame := <-sb.frames:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				fl.Flush()
			case <-r.Context().Done():
				return
			}
		}
	case r.URL.Path == "/session" && r.Method == http.MethodGet:
		sb.mu.Lock()
		sessions := sb.sessions
		sb.mu.Unlock()
		if sessions == nil {
			sessions = []domain.Session{}
		}
		json.NewEncoder(w).Encode(sessions)
	default:
		key := r.Method + " " + r.URL.Path
		sb.mu.Lock()
		sb.calls = append(sb.calls, key)
		status := sb.fail[r.URL.Path]
		body := sb.respond[key]
		sb.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "scripted failure"})
			return
		}
		if body != "" {
			w.Write([]byte(body))
			return
		}
		w.Write([]byte("{}"))
	}
}

// Emit queues one SSE frame for delivery.
func (sb *ScriptedBackend) Emit(frame string) {
	sb.frames <- frame
}

// Seed replaces the canned session listing.
func (sb *ScriptedBackend) Seed(sessions ...domain.Session) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.sessions = sessions
}

// FailPath makes requests to path answer with the given status.
func (sb *ScriptedBackend) FailPath(path string, status int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.fail[path] = status
}

// Respond scripts a response body for a "METHOD /path" key.
func (sb *ScriptedBackend) Respond(methodAndPath, body string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.respond[methodAndPath] = body
}

// Called reports whether a request matching the suffix was received.
func (sb *ScriptedBackend) Called(suffix string) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, c := range sb.calls {
		if strings.HasSuffix(c, suffix) || c == suffix {
			return true
		}
	}
	return false
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
