package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

// Rule is one declarative manifest rule. It matches when any condition key is
// present in the manifest context with one of the listed values, or when Expr
// (a CEL boolean over `ctx`) evaluates true.
type Rule struct {
	Name        string                   `json:"name" yaml:"name"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Action      contracts.DecisionAction `json:"action" yaml:"action"`
	Conditions  map[string][]any         `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expr        string                   `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Validate checks the rule is well formed.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule: name is required")
	}
	switch r.Action {
	case contracts.DecisionAllow, contracts.DecisionWarn, contracts.DecisionDeny:
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.Name, r.Action)
	}
	if len(r.Conditions) == 0 && r.Expr == "" {
		return fmt.Errorf("rule %s: needs conditions or expr", r.Name)
	}
	return nil
}

// DefaultRules returns the built-in rule list in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "StrictPrivacyRetention",
			Description: "Block agents with permanent data retention",
			Action:      contracts.DecisionDeny,
			Conditions:  map[string][]any{"retention_policy": {"permanent", "forever"}},
		},
		{
			Name:        "RequireReversibility",
			Description: "Warn when agents don't support reversibility",
			Action:      contracts.DecisionWarn,
			Conditions:  map[string][]any{"reversibility": {"none"}},
		},
		{
			Name:        "AllowEphemeral",
			Description: "Allow agents with ephemeral data retention",
			Action:      contracts.DecisionAllow,
			Conditions:  map[string][]any{"retention_policy": {"ephemeral"}},
		},
	}
}

func conditionsMatch(conds map[string][]any, ctx map[string]any) bool {
	for key, values := range conds {
		got, ok := ctx[key]
		if !ok {
			continue
		}
		for _, v := range values {
			if valueEqual(got, v) {
				return true
			}
		}
	}
	return false
}

// valueEqual compares context values with YAML/JSON decoded condition values.
func valueEqual(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && g == w
	case bool:
		w, ok := want.(bool)
		return ok && g == w
	default:
		return fmt.Sprint(got) == fmt.Sprint(want)
	}
}

// exprEvaluator compiles and caches CEL rule expressions.
type exprEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newExprEvaluator() (*exprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &exprEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (e *exprEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *exprEvaluator) eval(expr string, ctx map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"ctx": ctx})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: non-boolean result", expr)
	}
	return b, nil
}

func denyMessage(m contracts.CapabilityManifest) string {
	var reasons []string
	switch m.PrivacyContract.Retention {
	case contracts.RetentionPermanent, contracts.RetentionForever:
		reasons = append(reasons, fmt.Sprintf("Agent '%s' stores data permanently, which violates privacy policies", m.AgentID))
	}
	if m.TrustLevel == contracts.TrustUntrusted {
		reasons = append(reasons, fmt.Sprintf("Agent '%s' is marked as untrusted", m.AgentID))
	}
	if len(reasons) > 0 {
		return "Policy Violation: " + strings.Join(reasons, "; ")
	}
	return fmt.Sprintf("Policy Violation: Agent '%s' failed policy validation", m.AgentID)
}

func warnMessage(m contracts.CapabilityManifest) string {
	var warnings []string
	if m.Capabilities.Reversibility == contracts.ReversibilityNone {
		warnings = append(warnings, fmt.Sprintf("Agent '%s' does not support transaction reversal", m.AgentID))
	}
	if !m.Capabilities.Idempotency {
		warnings = append(warnings, fmt.Sprintf("Agent '%s' may not handle duplicate requests safely", m.AgentID))
	}
	if m.PrivacyContract.HumanReview {
		warnings = append(warnings, fmt.Sprintf("Agent '%s' may have humans review your data", m.AgentID))
	}
	if len(warnings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Policy Warning:")
	for _, w := range warnings {
		b.WriteString("\n  • ")
		b.WriteString(w)
	}
	return b.String()
}
