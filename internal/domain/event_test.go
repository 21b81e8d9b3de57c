package domain

import (
	"errors"
	"testing"
)

func TestDecodeEventTypes(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "message updated",
			data: `{"type":"message.updated","properties":{"info":{"id":"msg_1","session_id":"sess_1","role":"assistant","status":"streaming"}}}`,
			check: func(t *testing.T, ev Event) {
				mu, ok := ev.(MessageUpdated)
				if !ok {
					t.Fatalf("expected MessageUpdated, got %T", ev)
				}
				if mu.Info.ID != "msg_1" || mu.Info.Role != RoleAssistant {
					t.Fatalf("unexpected info: %+v", mu.Info)
				}
			},
		},
		{
			name: "part updated with delta",
			data: `{"type":"message.part.updated","properties":{"part":{"id":"prt_1","message_id":"msg_1","session_id":"sess_1","type":"text","text":"hel"},"delta":"l","delta_seq":3}}`,
			check: func(t *testing.T, ev Event) {
				pu, ok := ev.(PartUpdated)
				if !ok {
					t.Fatalf("expected PartUpdated, got %T", ev)
				}
				if pu.Part.ID != "prt_1" || pu.Delta != "l" || pu.DeltaSeq != 3 {
					t.Fatalf("unexpected part update: %+v", pu)
				}
			},
		},
		{
			name: "part removed",
			data: `{"type":"message.part.removed","properties":{"session_id":"sess_1","message_id":"msg_1","part_id":"prt_1"}}`,
			check: func(t *testing.T, ev Event) {
				pr, ok := ev.(PartRemoved)
				if !ok {
					t.Fatalf("expected PartRemoved, got %T", ev)
				}
				if pr.PartID != "prt_1" {
					t.Fatalf("unexpected removal: %+v", pr)
				}
			},
		},
		{
			name: "session status",
			data: `{"type":"session.status","properties":{"session_id":"sess_1","status":"working"}}`,
			check: func(t *testing.T, ev Event) {
				st, ok := ev.(SessionStatusChanged)
				if !ok {
					t.Fatalf("expected SessionStatusChanged, got %T", ev)
				}
				if st.Status != SessionWorking {
					t.Fatalf("unexpected status: %+v", st)
				}
			},
		},
		{
			name: "permission asked decodes request directly",
			data: `{"type":"permission.asked","properties":{"id":"perm_1","session_id":"sess_1","tool":"bash","created_at":42}}`,
			check: func(t *testing.T, ev Event) {
				pu, ok := ev.(PermissionUpdated)
				if !ok {
					t.Fatalf("expected PermissionUpdated, got %T", ev)
				}
				if pu.Request.ID != "perm_1" || pu.Request.CreatedAt != 42 {
					t.Fatalf("unexpected request: %+v", pu.Request)
				}
			},
		},
		{
			name: "permission updated alias",
			data: `{"type":"permission.updated","properties":{"id":"perm_2","session_id":"sess_1","created_at":7}}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(PermissionUpdated); !ok {
					t.Fatalf("expected PermissionUpdated, got %T", ev)
				}
			},
		},
		{
			name: "question asked",
			data: `{"type":"question.asked","properties":{"id":"qst_1","session_id":"sess_1","text":"pick one","options":[{"label":"A","value":"a"}],"created_at":9}}`,
			check: func(t *testing.T, ev Event) {
				qa, ok := ev.(QuestionAsked)
				if !ok {
					t.Fatalf("expected QuestionAsked, got %T", ev)
				}
				if qa.Request.Text != "pick one" || len(qa.Request.Options) != 1 {
					t.Fatalf("unexpected request: %+v", qa.Request)
				}
			},
		},
		{
			name: "unknown type passes through",
			data: `{"type":"server.heartbeat","properties":{"uptime":12}}`,
			check: func(t *testing.T, ev Event) {
				n, ok := ev.(Notification)
				if !ok {
					t.Fatalf("expected Notification, got %T", ev)
				}
				if n.Type != "server.heartbeat" || n.EventType() != "server.heartbeat" {
					t.Fatalf("unexpected notification: %+v", n)
				}
			},
		},
		{
			name: "missing properties tolerated",
			data: `{"type":"session.idle"}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(SessionIdle); !ok {
					t.Fatalf("expected SessionIdle, got %T", ev)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeEvent failed: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeEventErrors(t *testing.T) {
	if _, err := DecodeEvent([]byte("not json")); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
	if _, err := DecodeEvent([]byte(`{"properties":{}}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`{"type":"message.updated","properties":{"info":"nope"}}`)); err == nil {
		t.Fatalf("expected error for mistyped properties")
	}
}

func TestUsageConsumed(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 20, ReasoningTokens: 5, CacheReadTokens: 30}
	if got := u.Consumed(); got != 155 {
		t.Fatalf("expected 155, got %d", got)
	}
}

func TestIsTempID(t *testing.T) {
	if !IsTempID("tmp_ab12cd34") {
		t.Fatalf("expected temp id")
	}
	if IsTempID("msg_ab12cd34") {
		t.Fatalf("did not expect temp id")
	}
}
