package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
)

func TestDefaultPolicyDecisions(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	tests := []struct {
		name string
		req  domain.PermissionRequest
		want Decision
	}{
		{
			name: "readonly tool auto-allowed",
			req:  domain.PermissionRequest{Tool: "read", Pattern: "/etc/hosts"},
			want: DecisionAllow,
		},
		{
			name: "destructive pattern denied",
			req:  domain.PermissionRequest{Tool: "bash", Pattern: "rm -rf / --no-preserve-root"},
			want: DecisionDeny,
		},
		{
			name: "everything else prompts",
			req:  domain.PermissionRequest{Tool: "bash", Pattern: "make deploy"},
			want: DecisionPrompt,
		},
		{
			name: "deny wins over readonly tool",
			req:  domain.PermissionRequest{Tool: "read", Pattern: "rm -rf /"},
			want: DecisionDeny,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason, err := e.Screen(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("screen: %v", err)
			}
			if got != tt.want {
				t.Fatalf("decision = %q (%s), want %q", got, reason, tt.want)
			}
		})
	}
}

func TestBareStringDecision(t *testing.T) {
	src := `
package permission_policy

default decision := "prompt"

decision := "allow" if input.tool == "echo"
`
	e, err := NewEngine(context.Background(), src)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	got, _, err := e.Screen(context.Background(), domain.PermissionRequest{Tool: "echo"})
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if got != DecisionAllow {
		t.Fatalf("decision = %q, want allow", got)
	}
}

func TestUnrecognizedActionFallsBackToPrompt(t *testing.T) {
	src := `
package permission_policy

default decision := "maybe"
`
	e, err := NewEngine(context.Background(), src)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	got, reason, err := e.Screen(context.Background(), domain.PermissionRequest{Tool: "bash"})
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if got != DecisionPrompt || reason == "" {
		t.Fatalf("decision = %q reason = %q, want prompt with reason", got, reason)
	}
}

func TestReloadKeepsOldPolicyOnError(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if err := e.Reload(context.Background(), "package broken{{{"); err == nil {
		t.Fatal("reload of invalid source succeeded")
	}
	got, _, err := e.Screen(context.Background(), domain.PermissionRequest{Tool: "read"})
	if err != nil {
		t.Fatalf("screen after failed reload: %v", err)
	}
	if got != DecisionAllow {
		t.Fatalf("decision = %q, previous policy should still apply", got)
	}
}

func TestNewEngineFromFileFallsBackToDefault(t *testing.T) {
	e, err := NewEngineFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.rego"))
	if err != nil {
		t.Fatalf("new engine from missing file: %v", err)
	}
	got, _, err := e.Screen(context.Background(), domain.PermissionRequest{Tool: "grep"})
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if got != DecisionAllow {
		t.Fatalf("decision = %q, want allow from default policy", got)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.rego")
	if err := os.WriteFile(path, []byte(DefaultPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	e, err := NewEngineFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	w, err := NewWatcher(e, path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	allowAll := `
package permission_policy

default decision := "allow"
`
	if err := os.WriteFile(path, []byte(allowAll), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _, err := e.Screen(context.Background(), domain.PermissionRequest{Tool: "bash", Pattern: "make deploy"})
		if err != nil {
			t.Fatalf("screen: %v", err)
		}
		if got == DecisionAllow {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("policy never reloaded after file write")
}
