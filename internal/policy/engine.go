// Package policy screens incoming permission requests through an OPA
// policy before they reach the operator. The policy decides whether a
// request is auto-allowed, auto-denied, or queued for a human.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// Decision is the screening outcome for one permission request.
type Decision string

const (
	DecisionPrompt Decision = "prompt"
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
)

// Engine evaluates permission requests against a prepared rego query.
// Reload swaps the query atomically so screening never observes a
// half-loaded policy.
type Engine struct {
	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given policy source.
func NewEngine(ctx context.Context, source string) (*Engine, error) {
	query, err := prepare(ctx, source)
	if err != nil {
		return nil, err
	}
	return &Engine{query: query}, nil
}

// NewEngineFromFile compiles the policy at path, falling back to the
// built-in policy when the file does not exist.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	source, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewEngine(ctx, DefaultPolicy)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(source))
}

// Reload compiles new policy source and swaps it in. On compile
// failure the previous policy stays active.
func (e *Engine) Reload(ctx context.Context, source string) error {
	query, err := prepare(ctx, source)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.query = query
	e.mu.Unlock()
	return nil
}

// Screen evaluates one permission request. An empty result set means
// the policy has no opinion and the request goes to the operator.
func (e *Engine) Screen(ctx context.Context, req domain.PermissionRequest) (Decision, string, error) {
	input := map[string]any{
		"tool":       req.Tool,
		"pattern":    req.Pattern,
		"title":      req.Title,
		"session_id": req.SessionID,
	}
	if len(req.Metadata) > 0 {
		var meta any
		if err := json.Unmarshal(req.Metadata, &meta); err == nil {
			input["metadata"] = meta
		}
	}

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return DecisionPrompt, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionPrompt, "no policy decision", nil
	}
	return parseDecision(results[0].Expressions[0].Value)
}

func prepare(ctx context.Context, source string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query("data.permission_policy.decision"),
		rego.Module("permission_policy.rego", source),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return query, nil
}

// parseDecision accepts either a bare action string or an object with
// action and reason fields.
func parseDecision(val any) (Decision, string, error) {
	switch v := val.(type) {
	case string:
		return normalizeAction(v, "")
	case map[string]any:
		action, _ := v["action"].(string)
		reason, _ := v["reason"].(string)
		return normalizeAction(action, reason)
	default:
		return DecisionPrompt, fmt.Sprintf("unexpected policy result type %T", val), nil
	}
}

func normalizeAction(action, reason string) (Decision, string, error) {
	switch Decision(action) {
	case DecisionAllow, DecisionDeny, DecisionPrompt:
		return Decision(action), reason, nil
	default:
		return DecisionPrompt, fmt.Sprintf("unrecognized policy action %q", action), nil
	}
}

// DefaultPolicy queues everything for the operator except a small
// read-only tool set, and blocks obviously destructive shell patterns.
const DefaultPolicy = `
package permission_policy

readonly_tools := {"read", "grep", "glob", "list"}

deny if {
	some p in ["rm -rf /", "mkfs", "dd if="]
	contains(input.pattern, p)
}

allow if {
	not deny
	input.tool in readonly_tools
}

decision := {"action": "deny", "reason": "destructive command pattern"} if deny

decision := {"action": "allow", "reason": "read-only tool"} if allow

default decision := {"action": "prompt", "reason": "operator review required"}
`
