package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
	"github.com/rchen9527/agentdeck/internal/interrupt"
	"github.com/rchen9527/agentdeck/internal/policy"
	"github.com/rchen9527/agentdeck/internal/stream"
)

// fakeBackend scripts a backend: canned session listings, an SSE feed
// driven by emit, and call recording for command endpoints.
type fakeBackend struct {
	srv    *httptest.Server
	frames chan string

	mu       sync.Mutex
	sessions []domain.Session
	calls    []string
	fail     map[string]int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		frames: make(chan string, 64),
		fail:   make(map[string]int),
	}
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.handle))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/event":
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fl.Flush()
		for {
			select {
			case frame := <-fb.frames:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				fl.Flush()
			case <-r.Context().Done():
				return
			}
		}
	case r.URL.Path == "/session" && r.Method == http.MethodGet:
		fb.mu.Lock()
		sessions := fb.sessions
		fb.mu.Unlock()
		if sessions == nil {
			sessions = []domain.Session{}
		}
		json.NewEncoder(w).Encode(sessions)
	default:
		fb.mu.Lock()
		fb.calls = append(fb.calls, r.Method+" "+r.URL.Path)
		status := fb.fail[r.URL.Path]
		fb.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "scripted failure"})
			return
		}
		w.Write([]byte("{}"))
	}
}

func (fb *fakeBackend) emit(frame string) {
	fb.frames <- frame
}

func (fb *fakeBackend) seed(sessions ...domain.Session) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.sessions = sessions
}

func (fb *fakeBackend) failPath(path string, status int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.fail[path] = status
}

func (fb *fakeBackend) called(suffix string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.calls {
		if strings.HasSuffix(c, suffix) || c == suffix {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func newTestEngine(t *testing.T, fb *fakeBackend, screener *policy.Engine) (*Engine, *Instance) {
	t.Helper()
	eng := New(Config{
		BatchInterval: 5 * time.Millisecond,
		Screener:      screener,
	})
	inst, err := eng.Connect(context.Background(), fb.srv.URL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, inst
}

func TestConnectSeedsSessions(t *testing.T) {
	fb := newFakeBackend(t)
	fb.seed(
		domain.Session{ID: "sess_1", Title: "alpha", CreatedAt: 100},
		domain.Session{ID: "sess_2", Title: "beta", CreatedAt: 200},
	)

	_, inst := newTestEngine(t, fb, nil)

	if inst.Status() != stream.StatusConnected {
		t.Fatalf("status = %q", inst.Status())
	}
	sessions := inst.Sessions()
	if len(sessions) != 2 || sessions[0].ID != "sess_1" || sessions[1].ID != "sess_2" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestConnectFailsWhenSeedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	eng := New(Config{})
	defer eng.Close()
	if _, err := eng.Connect(context.Background(), srv.URL); err == nil {
		t.Fatal("connect succeeded against broken backend")
	}
	if len(eng.Instances()) != 0 {
		t.Fatal("failed connect left an instance registered")
	}
}

// A part arrives for a message nobody announced; a placeholder message
// is synthesized, and the server's later confirmation claims it.
func TestStreamedMessageConfirmation(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	fb.emit(`{"type":"message.part.updated","properties":{"part":{"id":"prt_1","message_id":"tmp_1","session_id":"sess_1","type":"text","text":"Hello"},"role":"user"}}`)

	waitFor(t, "synthesized message", func() bool {
		ids := inst.SessionMessageIDs("sess_1")
		return len(ids) == 1 && ids[0] == "tmp_1"
	})
	mv, _ := inst.Message("tmp_1")
	if mv.Role != domain.RoleUser || mv.Status != domain.MessageStreaming {
		t.Fatalf("placeholder = %+v", mv.Message)
	}

	fb.emit(`{"type":"message.updated","properties":{"info":{"id":"msg_42","session_id":"sess_1","role":"user","status":"complete"}}}`)

	waitFor(t, "id confirmation", func() bool {
		ids := inst.SessionMessageIDs("sess_1")
		return len(ids) == 1 && ids[0] == "msg_42"
	})
	if _, ok := inst.Message("tmp_1"); ok {
		t.Fatal("temporary id still resolvable")
	}
	mv, ok := inst.Message("msg_42")
	if !ok {
		t.Fatal("confirmed message missing")
	}
	if mv.Status != domain.MessageComplete {
		t.Fatalf("status = %q", mv.Status)
	}
	if mv.Revision < 1 {
		t.Fatalf("revision = %d, want >= 1", mv.Revision)
	}
	if len(mv.Parts) != 1 || mv.Parts[0].Text != "Hello" {
		t.Fatalf("parts = %+v (streamed content must survive confirmation)", mv.Parts)
	}
}

func TestDeltaCoalescingAndDuplicates(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	frame := func(text, delta string, seq int) string {
		return fmt.Sprintf(`{"type":"message.part.updated","properties":{"part":{"id":"prt_1","message_id":"msg_1","session_id":"sess_1","type":"text","text":%q},"delta":%q,"delta_seq":%d}}`, text, delta, seq)
	}
	fb.emit(frame("a", "a", 1))
	fb.emit(frame("ab", "b", 2))
	fb.emit(frame("abc", "c", 3))

	waitFor(t, "coalesced text", func() bool {
		mv, ok := inst.Message("msg_1")
		return ok && len(mv.Parts) == 1 && mv.Parts[0].Text == "abc"
	})

	// A re-delivered older sequence must not regress the text. The
	// marker event proves the duplicate was consumed before asserting.
	fb.emit(frame("ab", "b", 2))
	fb.emit(`{"type":"session.updated","properties":{"info":{"id":"sess_marker","title":"marker"}}}`)
	waitFor(t, "marker session", func() bool {
		_, ok := inst.Session("sess_marker")
		return ok
	})
	time.Sleep(20 * time.Millisecond)
	mv, _ := inst.Message("msg_1")
	if mv.Parts[0].Text != "abc" {
		t.Fatalf("text = %q after duplicate, want abc", mv.Parts[0].Text)
	}
}

// Arbitration: a permission and an older question are pending; the
// question is active, rejecting it promotes the permission, and the
// session stays marked pending until both resolve.
func TestInterruptionArbitration(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	fb.emit(`{"type":"permission.asked","properties":{"id":"perm_1","session_id":"sess_1","tool":"bash","title":"Run make","created_at":10}}`)
	fb.emit(`{"type":"question.asked","properties":{"id":"quest_1","session_id":"sess_1","text":"Proceed?","options":[{"label":"Yes","value":"yes"}],"created_at":8}}`)

	waitFor(t, "question active", func() bool {
		v := inst.Interruptions()
		return v.Active != nil && v.Active.Kind == interrupt.KindQuestion && v.Active.ID == "quest_1"
	})
	if got := inst.Interruptions().Pending["sess_1"]; got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	if err := inst.RejectQuestion(context.Background(), "quest_1"); err != nil {
		t.Fatalf("reject question: %v", err)
	}
	if !fb.called("POST /question/quest_1/reject") {
		t.Fatal("reject RPC not sent")
	}
	v := inst.Interruptions()
	if v.Active == nil || v.Active.Kind != interrupt.KindPermission || v.Active.ID != "perm_1" {
		t.Fatalf("active = %+v, want permission perm_1", v.Active)
	}
	if v.Pending["sess_1"] != 1 {
		t.Fatalf("pending = %d, want 1", v.Pending["sess_1"])
	}

	if err := inst.ReplyPermission(context.Background(), "perm_1", domain.PermissionOnce); err != nil {
		t.Fatalf("reply permission: %v", err)
	}
	if !fb.called("POST /session/sess_1/permissions/perm_1") {
		t.Fatal("permission RPC not sent")
	}
	v = inst.Interruptions()
	if v.Active != nil || len(v.Pending) != 0 {
		t.Fatalf("interruptions not drained: %+v", v)
	}
}

func TestReplyToUnknownInterruption(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	err := inst.ReplyPermission(context.Background(), "perm_ghost", domain.PermissionOnce)
	if !errors.Is(err, ErrUnknownInterruption) {
		t.Fatalf("err = %v, want ErrUnknownInterruption", err)
	}
}

func TestFailedReplyKeepsRequestQueued(t *testing.T) {
	fb := newFakeBackend(t)
	fb.failPath("/session/sess_1/permissions/perm_1", http.StatusInternalServerError)
	_, inst := newTestEngine(t, fb, nil)

	fb.emit(`{"type":"permission.asked","properties":{"id":"perm_1","session_id":"sess_1","tool":"bash","created_at":10}}`)
	waitFor(t, "queued permission", func() bool {
		return len(inst.Interruptions().Permissions) == 1
	})

	if err := inst.ReplyPermission(context.Background(), "perm_1", domain.PermissionAlways); err == nil {
		t.Fatal("reply succeeded against failing backend")
	}
	if len(inst.Interruptions().Permissions) != 1 {
		t.Fatal("failed reply dequeued the request")
	}
}

func TestPolicyAutoAllowSkipsQueue(t *testing.T) {
	screener, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, screener)

	fb.emit(`{"type":"permission.asked","properties":{"id":"perm_ro","session_id":"sess_1","tool":"read","pattern":"/etc/hosts","created_at":5}}`)

	waitFor(t, "auto reply RPC", func() bool {
		return fb.called("POST /session/sess_1/permissions/perm_ro")
	})
	if len(inst.Interruptions().Permissions) != 0 {
		t.Fatal("auto-decided permission was queued")
	}

	// A request the policy has no opinion on still queues.
	fb.emit(`{"type":"permission.asked","properties":{"id":"perm_hm","session_id":"sess_1","tool":"bash","pattern":"make deploy","created_at":6}}`)
	waitFor(t, "prompted permission queued", func() bool {
		return len(inst.Interruptions().Permissions) == 1
	})
}

func TestPolicyAutoReplyFallsBackToQueue(t *testing.T) {
	screener, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	fb := newFakeBackend(t)
	fb.failPath("/session/sess_1/permissions/perm_ro", http.StatusServiceUnavailable)
	_, inst := newTestEngine(t, fb, screener)

	fb.emit(`{"type":"permission.asked","properties":{"id":"perm_ro","session_id":"sess_1","tool":"read","created_at":5}}`)

	waitFor(t, "fallback queueing", func() bool {
		return len(inst.Interruptions().Permissions) == 1
	})
}

func TestSendMessageOptimistic(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	localID, err := inst.SendMessage(context.Background(), "sess_1", "hi there", "anthropic", "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !domain.IsTempID(localID) {
		t.Fatalf("local id = %q, want temporary prefix", localID)
	}
	if !fb.called("POST /session/sess_1/message") {
		t.Fatal("send RPC not recorded")
	}
	mv, ok := inst.Message(localID)
	if !ok || mv.Status != domain.MessageSending || mv.Role != domain.RoleUser {
		t.Fatalf("local message = %+v ok=%v", mv.Message, ok)
	}
	if len(mv.Parts) != 1 || mv.Parts[0].Text != "hi there" {
		t.Fatalf("parts = %+v", mv.Parts)
	}

	fb.emit(`{"type":"message.updated","properties":{"info":{"id":"msg_99","session_id":"sess_1","role":"user","status":"complete"}}}`)
	waitFor(t, "confirmation", func() bool {
		ids := inst.SessionMessageIDs("sess_1")
		return len(ids) == 1 && ids[0] == "msg_99"
	})
}

func TestSendMessageFailureMarksError(t *testing.T) {
	fb := newFakeBackend(t)
	fb.failPath("/session/sess_1/message", http.StatusBadGateway)
	_, inst := newTestEngine(t, fb, nil)

	localID, err := inst.SendMessage(context.Background(), "sess_1", "hello", "", "")
	if err == nil {
		t.Fatal("send succeeded against failing backend")
	}
	mv, ok := inst.Message(localID)
	if !ok || mv.Status != domain.MessageError || mv.Error == nil {
		t.Fatalf("message = %+v ok=%v, want error status", mv.Message, ok)
	}
}

func TestUsageTracking(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	fb.emit(`{"type":"message.updated","properties":{"info":{"id":"msg_1","session_id":"sess_1","role":"assistant","status":"complete","provider_id":"anthropic","model_id":"claude-sonnet-4-5","usage":{"input_tokens":100,"output_tokens":10}}}}`)

	waitFor(t, "usage recorded", func() bool {
		snap, ok := inst.Usage("sess_1")
		return ok && snap.Totals.InputTokens == 100
	})
	snap, _ := inst.Usage("sess_1")
	want := int64(200000 - 32000 - 110)
	if !snap.AvailableKnown || snap.AvailableContext != want {
		t.Fatalf("available = %d known=%v, want %d", snap.AvailableContext, snap.AvailableKnown, want)
	}

	// Re-delivery with updated totals replaces the entry.
	fb.emit(`{"type":"message.updated","properties":{"info":{"id":"msg_1","session_id":"sess_1","role":"assistant","status":"complete","provider_id":"anthropic","model_id":"claude-sonnet-4-5","usage":{"input_tokens":100,"output_tokens":50}}}}`)
	waitFor(t, "usage replaced", func() bool {
		snap, ok := inst.Usage("sess_1")
		return ok && snap.Totals.OutputTokens == 50
	})
}

func TestMessageRemoval(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	fb.emit(`{"type":"message.updated","properties":{"info":{"id":"msg_1","session_id":"sess_1","role":"assistant","usage":{"input_tokens":40}}}}`)
	waitFor(t, "message present", func() bool {
		_, ok := inst.Message("msg_1")
		return ok
	})

	fb.emit(`{"type":"message.removed","properties":{"session_id":"sess_1","message_id":"msg_1"}}`)
	waitFor(t, "message removed", func() bool {
		_, ok := inst.Message("msg_1")
		return !ok
	})
	snap, _ := inst.Usage("sess_1")
	if snap.Totals.InputTokens != 0 {
		t.Fatalf("usage survived removal: %+v", snap.Totals)
	}
}

func TestMalformedFrameDoesNotStallStream(t *testing.T) {
	fb := newFakeBackend(t)
	_, inst := newTestEngine(t, fb, nil)

	fb.emit(`{this is not json`)
	fb.emit(`{"type":"session.updated","properties":{"info":{"id":"sess_ok","title":"still alive"}}}`)

	waitFor(t, "stream still live", func() bool {
		_, ok := inst.Session("sess_ok")
		return ok
	})
	if inst.Info().Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", inst.Info().Dropped)
	}
}

func TestReconnectResetsState(t *testing.T) {
	fb := newFakeBackend(t)
	fb.seed(domain.Session{ID: "sess_old", Title: "before"})
	eng, inst := newTestEngine(t, fb, nil)

	fb.emit(`{"type":"permission.asked","properties":{"id":"perm_1","session_id":"sess_old","tool":"bash","created_at":10}}`)
	waitFor(t, "queued permission", func() bool {
		return len(inst.Interruptions().Permissions) == 1
	})

	fb.seed(domain.Session{ID: "sess_new", Title: "after"})
	if err := eng.Reconnect(context.Background(), inst.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	sessions := inst.Sessions()
	if len(sessions) != 1 || sessions[0].ID != "sess_new" {
		t.Fatalf("sessions = %+v, want only sess_new", sessions)
	}
	if len(inst.Interruptions().Permissions) != 0 {
		t.Fatal("interruptions survived reconnect")
	}
	if inst.Status() != stream.StatusConnected {
		t.Fatalf("status = %q", inst.Status())
	}
}

func TestDisconnect(t *testing.T) {
	fb := newFakeBackend(t)
	eng, inst := newTestEngine(t, fb, nil)

	if err := eng.Disconnect(inst.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, ok := eng.Instance(inst.ID); ok {
		t.Fatal("instance still registered")
	}
	if inst.Status() != stream.StatusDisconnected {
		t.Fatalf("status = %q", inst.Status())
	}
	if err := eng.Disconnect(inst.ID); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("second disconnect err = %v", err)
	}
}

func TestNotificationFanOut(t *testing.T) {
	fb := newFakeBackend(t)
	eng := New(Config{BatchInterval: 5 * time.Millisecond})
	t.Cleanup(eng.Close)

	var mu sync.Mutex
	scopes := make(map[string]int)
	eng.Subscribe(func(n Notification) {
		mu.Lock()
		scopes[n.Scope]++
		mu.Unlock()
	})

	inst, err := eng.Connect(context.Background(), fb.srv.URL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	fb.emit(`{"type":"session.updated","properties":{"info":{"id":"sess_1","title":"x"}}}`)
	waitFor(t, "session applied", func() bool {
		_, ok := inst.Session("sess_1")
		return ok
	})

	mu.Lock()
	defer mu.Unlock()
	if scopes[ScopeStatus] == 0 {
		t.Fatal("no status notifications observed")
	}
	if scopes[ScopeStore] == 0 {
		t.Fatal("no store notifications observed")
	}
}
