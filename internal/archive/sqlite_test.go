package archive

import (
	"context"
	"testing"

	"github.com/rchen9527/agentdeck/internal/accounting"
	"github.com/rchen9527/agentdeck/internal/domain"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(":memory:")
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSessionUpsertAndList(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	if err := a.UpsertSession(ctx, "inst_1", domain.Session{ID: "sess_1", Title: "first", CreatedAt: 100, UpdatedAt: 100}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := a.UpsertSession(ctx, "inst_1", domain.Session{ID: "sess_2", Title: "second", CreatedAt: 200, UpdatedAt: 300}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Same primary key replaces instead of duplicating.
	if err := a.UpsertSession(ctx, "inst_1", domain.Session{ID: "sess_1", Title: "renamed", CreatedAt: 100, UpdatedAt: 150}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	sessions, err := a.RecentSessions(ctx, "inst_1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "sess_2" || sessions[1].ID != "sess_1" {
		t.Fatalf("order = [%s %s], want most recently updated first", sessions[0].ID, sessions[1].ID)
	}
	if sessions[1].Title != "renamed" {
		t.Fatalf("title = %q, want replacement", sessions[1].Title)
	}

	other, err := a.RecentSessions(ctx, "inst_2", 0)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("instances must not share rows, got %d", len(other))
	}
}

func TestSessionMessagesOrderedAndLimited(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	for i, id := range []string{"msg_b", "msg_a", "msg_c"} {
		msg := domain.Message{
			ID:        id,
			SessionID: "sess_1",
			Role:      domain.RoleAssistant,
			Status:    domain.MessageComplete,
			CreatedAt: int64(100 + i),
		}
		if err := a.UpsertMessage(ctx, "inst_1", msg, "content of "+id); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	msgs, err := a.SessionMessages(ctx, "inst_1", "sess_1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 || msgs[0].ID != "msg_b" || msgs[2].ID != "msg_c" {
		t.Fatalf("order = %+v, want arrival (created_at) order", msgs)
	}
	if msgs[0].Content != "content of msg_b" {
		t.Fatalf("content = %q", msgs[0].Content)
	}

	limited, err := a.SessionMessages(ctx, "inst_1", "sess_1", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored, len = %d", len(limited))
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	a.UpsertSession(ctx, "inst_1", domain.Session{ID: "sess_1", UpdatedAt: 10})
	a.UpsertMessage(ctx, "inst_1", domain.Message{ID: "msg_1", SessionID: "sess_1", Role: domain.RoleUser}, "hi")
	a.RecordUsage(ctx, "inst_1", "sess_1", accounting.Snapshot{Totals: accounting.Totals{InputTokens: 5}}, 10)

	if err := a.DeleteSession(ctx, "inst_1", "sess_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sessions, _ := a.RecentSessions(ctx, "inst_1", 0)
	if len(sessions) != 0 {
		t.Fatal("session row survived delete")
	}
	msgs, _ := a.SessionMessages(ctx, "inst_1", "sess_1", 0)
	if len(msgs) != 0 {
		t.Fatal("message rows survived delete")
	}
	usage, err := a.Usage(ctx, "inst_1", "sess_1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage != nil {
		t.Fatal("usage row survived delete")
	}
}

func TestUsageRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	snap := accounting.Snapshot{
		Totals:           accounting.Totals{InputTokens: 100, OutputTokens: 10, Cost: 0.5},
		LastMessageID:    "msg_1",
		AvailableContext: 167890,
		AvailableKnown:   true,
	}
	if err := a.RecordUsage(ctx, "inst_1", "sess_1", snap, 1234); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec, err := a.Usage(ctx, "inst_1", "sess_1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec == nil {
		t.Fatal("usage missing")
	}
	if rec.Totals.InputTokens != 100 || rec.Totals.Cost != 0.5 {
		t.Fatalf("totals = %+v", rec.Totals)
	}
	if !rec.AvailableKnown || rec.AvailableContext != 167890 {
		t.Fatalf("available = %d known=%v", rec.AvailableContext, rec.AvailableKnown)
	}
	if rec.LastMessageID != "msg_1" || rec.RecordedAt != 1234 {
		t.Fatalf("record = %+v", rec)
	}

	// Re-record replaces the row; an unknown window nulls out the
	// available figure.
	snap.AvailableKnown = false
	snap.Totals.OutputTokens = 99
	if err := a.RecordUsage(ctx, "inst_1", "sess_1", snap, 5678); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	rec, err = a.Usage(ctx, "inst_1", "sess_1")
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if rec.Totals.OutputTokens != 99 || rec.AvailableKnown || rec.RecordedAt != 5678 {
		t.Fatalf("replacement = %+v", rec)
	}
}

func TestUsageMissingReturnsNil(t *testing.T) {
	a := newTestArchive(t)
	rec, err := a.Usage(context.Background(), "inst_1", "sess_none")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil", rec)
	}
}
