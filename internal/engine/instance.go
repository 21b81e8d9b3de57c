package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rchen9527/agentdeck/internal/accounting"
	"github.com/rchen9527/agentdeck/internal/backend"
	"github.com/rchen9527/agentdeck/internal/batch"
	"github.com/rchen9527/agentdeck/internal/domain"
	"github.com/rchen9527/agentdeck/internal/interrupt"
	"github.com/rchen9527/agentdeck/internal/policy"
	"github.com/rchen9527/agentdeck/internal/store"
	"github.com/rchen9527/agentdeck/internal/stream"
)

// ErrUnknownInterruption is returned when replying to a request that is
// not queued.
var ErrUnknownInterruption = errors.New("interruption not queued")

const autoReplyTimeout = 10 * time.Second

// Instance is one supervised backend: its normalized state, its
// interruption queues, its usage accounting, and the live event stream
// feeding them. Wire events are the only mutation source for remote
// state; commands go out through the backend client and their effects
// come back on the stream.
type Instance struct {
	ID      string
	baseURL string

	engine     *Engine
	store      *store.Store
	interrupts *interrupt.Set
	usage      *accounting.Tracker
	backend    *backend.Client

	mu      sync.Mutex
	stream  *stream.Client
	batch   *batch.Queue
	flushCh chan []domain.PartUpdated
	cancel  context.CancelFunc
	done    chan struct{}

	status atomic.Value
}

func newInstance(e *Engine, baseURL string) *Instance {
	return &Instance{
		ID:         "inst_" + uuid.New().String()[:8],
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		engine:     e,
		store:      store.New(),
		interrupts: interrupt.New(),
		usage:      accounting.NewTracker(e.cfg.Catalog),
		backend:    backend.NewClient(baseURL),
	}
}

// connect seeds sessions over RPC, then opens the event stream and
// starts the apply loop. Failure at any step leaves the instance in
// the error state with nothing running.
func (i *Instance) connect(ctx context.Context) error {
	i.setStatus(stream.StatusConnecting, "")

	sessions, err := i.backend.ListSessions(ctx)
	if err != nil {
		i.setStatus(stream.StatusError, err.Error())
		return fmt.Errorf("failed to seed sessions: %w", err)
	}
	for _, sess := range sessions {
		i.store.UpsertSession(sess)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	flushCh := make(chan []domain.PartUpdated, 16)
	q := batch.New(i.engine.cfg.BatchInterval, func(b []domain.PartUpdated) {
		select {
		case flushCh <- b:
		case <-runCtx.Done():
		}
	})
	sc := stream.NewClient(i.baseURL, func(s stream.Status, reason string) {
		i.setStatus(s, reason)
	})
	if err := sc.Connect(ctx); err != nil {
		cancel()
		q.Stop()
		return err
	}

	done := make(chan struct{})
	i.mu.Lock()
	i.stream = sc
	i.batch = q
	i.flushCh = flushCh
	i.cancel = cancel
	i.done = done
	i.mu.Unlock()

	go i.run(runCtx, sc, q, flushCh, done)
	return nil
}

// stop tears down the current connection epoch and waits for the apply
// loop to drain.
func (i *Instance) stop() {
	i.mu.Lock()
	cancel, done, sc, q := i.cancel, i.done, i.stream, i.batch
	i.cancel, i.done, i.stream, i.batch = nil, nil, nil, nil
	i.mu.Unlock()

	if sc != nil {
		sc.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if q != nil {
		q.Stop()
	}
	i.setStatus(stream.StatusDisconnected, "closed by supervisor")
}

// reconnect rebuilds the connection from nothing: old stream closed,
// volatile state reset, sessions re-seeded over RPC, fresh stream.
func (i *Instance) reconnect(ctx context.Context) error {
	i.stop()
	i.store.Reset()
	i.interrupts.Clear()
	i.usage.Reset()
	return i.connect(ctx)
}

func (i *Instance) run(ctx context.Context, sc *stream.Client, q *batch.Queue, flushCh chan []domain.PartUpdated, done chan struct{}) {
	defer close(done)

	events := sc.Events()
	for {
		select {
		case <-ctx.Done():
			q.Stop()
			return
		case b := <-flushCh:
			i.applyBatch(b)
		case ev, ok := <-events:
			if !ok {
				// Stream ended. Flush the tail so local state is not
				// missing the last interval's parts.
				q.Flush()
				for {
					select {
					case b := <-flushCh:
						i.applyBatch(b)
					default:
						q.Stop()
						return
					}
				}
			}
			i.handleEvent(ctx, ev)
		}
	}
}

func (i *Instance) handleEvent(ctx context.Context, ev domain.Event) {
	i.engine.cfg.Metrics.EventHandled(i.ID, ev.EventType())

	switch ev := ev.(type) {
	case domain.PartUpdated:
		if ev.Part.ID == "" || ev.Part.MessageID == "" {
			slog.Warn("dropping unaddressable part update",
				"instance", i.ID, "message_id", ev.Part.MessageID, "session_id", ev.Part.SessionID)
			i.engine.cfg.Metrics.FrameDropped(i.ID, "missing_part_id")
			return
		}
		if q := i.currentBatch(); q != nil {
			q.Add(ev)
		}
	case domain.MessageUpdated:
		i.applyMessage(ev.Info)
	case domain.MessageRemoved:
		if i.store.RemoveMessage(ev.MessageID) {
			i.usage.Remove(ev.SessionID, ev.MessageID)
			i.notifyStore(ev.SessionID, ev.MessageID)
		}
	case domain.PartRemoved:
		if i.store.RemovePart(ev.MessageID, ev.PartID) {
			i.notifyStore(ev.SessionID, ev.MessageID)
		}
	case domain.SessionUpdated:
		if i.store.UpsertSession(ev.Info) {
			i.notifyStore(ev.Info.ID, "")
		}
	case domain.SessionIdle:
		if i.store.SetSessionStatus(ev.SessionID, domain.SessionStatusIdle) {
			i.notifyStore(ev.SessionID, "")
		}
	case domain.SessionStatusChanged:
		if i.store.SetSessionStatus(ev.SessionID, ev.Status) {
			i.notifyStore(ev.SessionID, "")
		}
	case domain.SessionCompacted:
		i.store.SetSessionStatus(ev.SessionID, domain.SessionStatusIdle)
		i.engine.notify(Notification{
			InstanceID: i.ID, Scope: ScopeAccounting, SessionID: ev.SessionID, Detail: "compacted",
		})
		i.notifyStore(ev.SessionID, "")
	case domain.SessionError:
		detail := "session error"
		if ev.Error != nil {
			detail = ev.Error.Message
		}
		if ev.SessionID != "" {
			i.store.SetSessionStatus(ev.SessionID, domain.SessionStatusIdle)
		}
		i.engine.notify(Notification{
			InstanceID: i.ID, Scope: ScopeNotice, SessionID: ev.SessionID, Detail: detail,
		})
	case domain.PermissionUpdated:
		i.handlePermission(ctx, ev.Request)
	case domain.PermissionReplied:
		if i.interrupts.RemovePermission(ev.PermissionID) {
			i.notifyInterrupt(ev.SessionID)
		}
	case domain.QuestionAsked:
		if i.interrupts.AddQuestion(ev.Request) {
			i.notifyInterrupt(ev.Request.SessionID)
		}
	case domain.QuestionReplied:
		if i.interrupts.RemoveQuestion(ev.QuestionID) {
			i.notifyInterrupt(ev.SessionID)
		}
	case domain.QuestionRejected:
		if i.interrupts.RemoveQuestion(ev.QuestionID) {
			i.notifyInterrupt(ev.SessionID)
		}
	case domain.Notification:
		i.engine.notify(Notification{
			InstanceID: i.ID, Scope: ScopeNotice, Detail: ev.Type,
		})
	}
}

// applyMessage reconciles a server message with local state. An unknown
// server-assigned id first tries to claim the most recent pending
// local placeholder of the same session and role; identity migrates
// atomically across store, queues, and accounting before the update
// merges.
func (i *Instance) applyMessage(msg domain.Message) {
	if msg.ID == "" || msg.SessionID == "" {
		slog.Warn("dropping message update without identity", "instance", i.ID, "message_id", msg.ID)
		i.engine.cfg.Metrics.FrameDropped(i.ID, "missing_message_id")
		return
	}

	replaced := false
	if !domain.IsTempID(msg.ID) && !i.store.HasMessage(msg.ID) {
		if localID, ok := i.store.PendingLocalID(msg.SessionID, msg.Role); ok {
			if i.store.ReplaceMessageID(localID, msg.ID) {
				replaced = true
				i.interrupts.RemapMessageID(localID, msg.ID)
				i.usage.RemapMessageID(msg.SessionID, localID, msg.ID)
				slog.Debug("confirmed local message",
					"instance", i.ID, "local_id", localID, "message_id", msg.ID)
			}
		}
	}

	changed := i.store.UpsertMessage(msg)
	if msg.Role == domain.RoleAssistant && msg.Usage != nil {
		i.usage.Record(msg.SessionID, msg.ID, *msg.Usage, msg.ProviderID, msg.ModelID)
		i.engine.notify(Notification{
			InstanceID: i.ID, Scope: ScopeAccounting, SessionID: msg.SessionID,
		})
	}
	if changed || replaced {
		i.notifyStore(msg.SessionID, msg.ID)
	}
}

func (i *Instance) applyBatch(b []domain.PartUpdated) {
	applied, touched, err := i.store.ApplyPartBatch(b)
	if err != nil {
		slog.Warn("rejected part updates in batch", "instance", i.ID, "error", err)
		i.engine.cfg.Metrics.FrameDropped(i.ID, "invalid_part")
	}
	if applied > 0 {
		i.engine.cfg.Metrics.BatchFlushed(i.ID, applied)
	}
	for _, tm := range touched {
		i.notifyStore(tm.SessionID, tm.MessageID)
	}
}

// handlePermission screens the request through policy. Prompt means
// queue for the operator; allow and deny are answered over RPC without
// queueing, falling back to the queue when the RPC fails so the
// request stays actionable.
func (i *Instance) handlePermission(ctx context.Context, req domain.PermissionRequest) {
	if req.ID == "" {
		slog.Warn("dropping permission request without id", "instance", i.ID, "session_id", req.SessionID)
		i.engine.cfg.Metrics.FrameDropped(i.ID, "missing_permission_id")
		return
	}

	if screener := i.engine.cfg.Screener; screener != nil {
		decision, reason, err := screener.Screen(ctx, req)
		if err != nil {
			slog.Warn("policy screening failed, queueing for operator",
				"instance", i.ID, "permission_id", req.ID, "error", err)
		} else if decision != policy.DecisionPrompt {
			go i.autoReply(req, decision, reason)
			return
		}
	}

	if i.interrupts.AddPermission(req) {
		i.notifyInterrupt(req.SessionID)
	}
}

func (i *Instance) autoReply(req domain.PermissionRequest, decision policy.Decision, reason string) {
	reply := domain.PermissionOnce
	if decision == policy.DecisionDeny {
		reply = domain.PermissionReject
	}

	ctx, cancel := context.WithTimeout(context.Background(), autoReplyTimeout)
	defer cancel()
	if err := i.backend.ReplyPermission(ctx, req.SessionID, req.ID, reply); err != nil {
		slog.Warn("auto reply failed, queueing for operator",
			"instance", i.ID, "permission_id", req.ID, "error", err)
		if i.interrupts.AddPermission(req) {
			i.notifyInterrupt(req.SessionID)
		}
		return
	}
	slog.Info("permission auto-decided by policy",
		"instance", i.ID, "permission_id", req.ID, "decision", string(decision), "reason", reason)
	i.engine.notify(Notification{
		InstanceID: i.ID, Scope: ScopeNotice, SessionID: req.SessionID,
		Detail: "permission auto-" + string(decision),
	})
}

// SendMessage records an optimistic local message under a temporary id
// and submits the prompt. The server's confirmation arrives on the
// stream and claims the placeholder. The local id is returned so the
// caller can track the message either way.
func (i *Instance) SendMessage(ctx context.Context, sessionID, text, providerID, modelID string) (string, error) {
	localID := domain.TempIDPrefix + uuid.New().String()[:8]
	i.store.UpsertMessage(domain.Message{
		ID:         localID,
		SessionID:  sessionID,
		Role:       domain.RoleUser,
		Status:     domain.MessageSending,
		ProviderID: providerID,
		ModelID:    modelID,
		CreatedAt:  time.Now().UnixMilli(),
	})
	if err := i.store.ApplyPartUpdate(domain.PartUpdated{
		Part: domain.Part{
			ID:        "prt_" + uuid.New().String()[:8],
			MessageID: localID,
			SessionID: sessionID,
			Type:      domain.PartText,
			Text:      text,
		},
	}); err != nil {
		return "", err
	}
	i.notifyStore(sessionID, localID)

	req := backend.SendMessageRequest{
		ProviderID: providerID,
		ModelID:    modelID,
		Parts:      []backend.MessagePartInput{{Type: domain.PartText, Text: text}},
	}
	if err := i.backend.SendMessage(ctx, sessionID, req); err != nil {
		i.store.UpsertMessage(domain.Message{
			ID:     localID,
			Status: domain.MessageError,
			Error:  &domain.ErrorInfo{Name: "send_failed", Message: err.Error()},
		})
		i.notifyStore(sessionID, localID)
		return localID, fmt.Errorf("failed to send message: %w", err)
	}
	return localID, nil
}

// CreateSession asks the backend for a session and mirrors it locally.
func (i *Instance) CreateSession(ctx context.Context, title string) (*domain.Session, error) {
	sess, err := i.backend.CreateSession(ctx, title)
	if err != nil {
		return nil, err
	}
	if i.store.UpsertSession(*sess) {
		i.notifyStore(sess.ID, "")
	}
	return sess, nil
}

// DeleteSession removes a session on the backend and locally.
func (i *Instance) DeleteSession(ctx context.Context, sessionID string) error {
	if err := i.backend.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	i.store.DeleteSession(sessionID)
	if i.interrupts.RemoveSession(sessionID) > 0 {
		i.notifyInterrupt(sessionID)
	}
	i.usage.ClearSession(sessionID)
	i.notifyStore(sessionID, "")
	return nil
}

// AbortSession interrupts the session's current work on the backend.
func (i *Instance) AbortSession(ctx context.Context, sessionID string) error {
	return i.backend.AbortSession(ctx, sessionID)
}

// ReplyPermission answers a queued permission request. The request is
// dequeued only after the backend accepts the answer; a failed RPC
// leaves it queued. A backend that no longer knows the request means
// it was resolved elsewhere, so the local copy is dropped.
func (i *Instance) ReplyPermission(ctx context.Context, permissionID string, reply domain.PermissionReply) error {
	req, ok := i.interrupts.Permission(permissionID)
	if !ok {
		return ErrUnknownInterruption
	}
	if err := i.backend.ReplyPermission(ctx, req.SessionID, permissionID, reply); err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("failed to reply permission: %w", err)
		}
	}
	if i.interrupts.RemovePermission(permissionID) {
		i.notifyInterrupt(req.SessionID)
	}
	return nil
}

// ReplyQuestion answers a queued question.
func (i *Instance) ReplyQuestion(ctx context.Context, questionID string, answers []string) error {
	req, ok := i.interrupts.Question(questionID)
	if !ok {
		return ErrUnknownInterruption
	}
	if err := i.backend.ReplyQuestion(ctx, questionID, answers); err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("failed to reply question: %w", err)
		}
	}
	if i.interrupts.RemoveQuestion(questionID) {
		i.notifyInterrupt(req.SessionID)
	}
	return nil
}

// RejectQuestion dismisses a queued question.
func (i *Instance) RejectQuestion(ctx context.Context, questionID string) error {
	req, ok := i.interrupts.Question(questionID)
	if !ok {
		return ErrUnknownInterruption
	}
	if err := i.backend.RejectQuestion(ctx, questionID); err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("failed to reject question: %w", err)
		}
	}
	if i.interrupts.RemoveQuestion(questionID) {
		i.notifyInterrupt(req.SessionID)
	}
	return nil
}

// SessionSummary decorates a session snapshot with its interruption
// load.
type SessionSummary struct {
	store.SessionView
	Pending int `json:"pending_interruptions"`
}

// Sessions returns all sessions with pending-interruption counts.
func (i *Instance) Sessions() []SessionSummary {
	views := i.store.Sessions()
	out := make([]SessionSummary, 0, len(views))
	for _, v := range views {
		out = append(out, SessionSummary{
			SessionView: v,
			Pending:     i.interrupts.PendingCount(v.ID),
		})
	}
	return out
}

// Session returns one session summary.
func (i *Instance) Session(sessionID string) (SessionSummary, bool) {
	v, ok := i.store.Session(sessionID)
	if !ok {
		return SessionSummary{}, false
	}
	return SessionSummary{SessionView: v, Pending: i.interrupts.PendingCount(sessionID)}, true
}

// SessionMessages returns the session's messages in timeline order.
func (i *Instance) SessionMessages(sessionID string) []store.MessageView {
	return i.store.SessionMessages(sessionID)
}

// SessionMessageIDs returns the session's timeline as ids only.
func (i *Instance) SessionMessageIDs(sessionID string) []string {
	return i.store.SessionMessageIDs(sessionID)
}

// Message returns one message snapshot.
func (i *Instance) Message(messageID string) (store.MessageView, bool) {
	return i.store.Message(messageID)
}

// Usage returns the session's accounting snapshot.
func (i *Instance) Usage(sessionID string) (accounting.Snapshot, bool) {
	return i.usage.Snapshot(sessionID)
}

// InterruptionsView bundles everything an interruption panel renders.
type InterruptionsView struct {
	Active      *interrupt.Active          `json:"active,omitempty"`
	Permissions []domain.PermissionRequest `json:"permissions"`
	Questions   []domain.QuestionRequest   `json:"questions"`
	Pending     map[string]int             `json:"pending_by_session"`
}

// Interruptions returns the current interruption state.
func (i *Instance) Interruptions() InterruptionsView {
	view := InterruptionsView{
		Permissions: i.interrupts.PermissionQueue(),
		Questions:   i.interrupts.QuestionQueue(),
		Pending:     i.interrupts.PendingSessions(),
	}
	if a, ok := i.interrupts.Active(); ok {
		view.Active = &a
	}
	return view
}

// Status returns the stream lifecycle state.
func (i *Instance) Status() stream.Status {
	if s, ok := i.status.Load().(stream.Status); ok {
		return s
	}
	return stream.StatusDisconnected
}

// BaseURL returns the supervised backend's address.
func (i *Instance) BaseURL() string {
	return i.baseURL
}

// Info returns a point-in-time summary for listings.
func (i *Instance) Info() InstanceInfo {
	sessions, messages, parts := i.store.Stats()
	info := InstanceInfo{
		ID:       i.ID,
		BaseURL:  i.baseURL,
		Status:   i.Status(),
		Sessions: sessions,
		Messages: messages,
		Parts:    parts,
	}
	i.mu.Lock()
	if i.stream != nil {
		info.Dropped = i.stream.Dropped()
	}
	i.mu.Unlock()
	return info
}

func (i *Instance) currentBatch() *batch.Queue {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.batch
}

func (i *Instance) setStatus(s stream.Status, reason string) {
	if prev, ok := i.status.Load().(stream.Status); ok && prev == s {
		return
	}
	i.status.Store(s)

	detail := string(s)
	if reason != "" {
		detail = detail + ": " + reason
	}
	i.engine.notify(Notification{InstanceID: i.ID, Scope: ScopeStatus, Detail: detail})
}

func (i *Instance) notifyStore(sessionID, messageID string) {
	i.engine.notify(Notification{
		InstanceID: i.ID, Scope: ScopeStore, SessionID: sessionID, MessageID: messageID,
	})
}

func (i *Instance) notifyInterrupt(sessionID string) {
	i.engine.notify(Notification{
		InstanceID: i.ID, Scope: ScopeInterrupt, SessionID: sessionID,
	})
}
