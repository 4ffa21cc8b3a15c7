package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

var (
	// ErrAdmissionDenied is returned when an agent's concurrency ceiling is reached.
	ErrAdmissionDenied = errors.New("policy: admission denied, execution slots exhausted")
	// ErrRateLimited is returned when an agent exceeds its requests-per-minute window.
	ErrRateLimited = errors.New("policy: rate limit exceeded")
	// ErrNoQuota is returned by lookups for agents the engine has never seen.
	ErrNoQuota = errors.New("policy: no quota registered")
)

// ManifestResult is the data-returned outcome of manifest validation.
type ManifestResult struct {
	Allowed    bool   `json:"allowed"`
	DenyReason string `json:"deny_reason,omitempty"`
	WarnReason string `json:"warn_reason,omitempty"`
	// Rule names the rule that decided the outcome; empty for the implicit allow.
	Rule string `json:"rule,omitempty"`
}

// Engine holds one ResourceQuota per agent and the ordered manifest rule list.
// The quota map lock is held only for lookup and insert, never while acquiring a slot.
type Engine struct {
	mu          sync.RWMutex
	quotas      map[string]*ResourceQuota
	defaultSpec QuotaSpec

	limiter LimiterStore

	rulesMu sync.RWMutex
	rules   []Rule
	exprs   *exprEvaluator

	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimiterStore replaces the default in-memory sliding window.
func WithLimiterStore(s LimiterStore) Option {
	return func(e *Engine) { e.limiter = s }
}

// WithDefaultQuota sets the limits applied to agents registered lazily.
func WithDefaultQuota(spec QuotaSpec) Option {
	return func(e *Engine) { e.defaultSpec = spec }
}

// WithRules replaces the default manifest rules.
func WithRules(rules []Rule) Option {
	return func(e *Engine) { e.rules = append([]Rule(nil), rules...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine with the default rule list and an in-memory sliding window.
func NewEngine(opts ...Option) (*Engine, error) {
	exprs, err := newExprEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		quotas: make(map[string]*ResourceQuota),
		defaultSpec: QuotaSpec{
			MaxConcurrentExecutions: DefaultMaxConcurrentExecutions,
			MaxRequestsPerMinute:    DefaultMaxRequestsPerMinute,
		},
		limiter: NewSlidingWindowStore(),
		rules:   DefaultRules(),
		exprs:   exprs,
		logger:  slog.Default().With("component", "policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range e.rules {
		if err := e.checkRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// SetQuota registers or replaces the quota for agentID. Slots held under the
// replaced quota are carried over, so their holders release against q. If
// more are held than q allows, q starts full and the excess releases are
// ignored.
func (e *Engine) SetQuota(agentID string, q *ResourceQuota) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.quotas[agentID]; ok && old != q {
		if held := old.CurrentExecutions(); held > 0 {
			carried := q.inherit(held)
			e.logger.Warn("replacing quota with slots held", "agent_id", agentID, "held", held, "carried", carried)
		}
	}
	e.quotas[agentID] = q
}

// Quota returns the registered quota for agentID.
func (e *Engine) Quota(agentID string) (*ResourceQuota, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.quotas[agentID]
	if !ok {
		return nil, fmt.Errorf("%w for agent %s", ErrNoQuota, agentID)
	}
	return q, nil
}

// quotaFor returns agentID's quota, registering the default one on first sight.
func (e *Engine) quotaFor(agentID string) *ResourceQuota {
	e.mu.RLock()
	q, ok := e.quotas[agentID]
	e.mu.RUnlock()
	if ok {
		return q
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok = e.quotas[agentID]; ok {
		return q
	}
	spec := e.defaultSpec
	spec.AgentID = agentID
	q = NewQuotaFromSpec(spec)
	e.quotas[agentID] = q
	e.logger.Debug("registered default quota", "agent_id", agentID,
		"max_concurrent", q.MaxConcurrentExecutions(), "max_rpm", q.MaxRequestsPerMinute())
	return q
}

// LoadQuotas registers every quota held by store.
func (e *Engine) LoadQuotas(ctx context.Context, store QuotaStore) error {
	specs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("load quotas: %w", err)
	}
	for _, spec := range specs {
		e.SetQuota(spec.AgentID, NewQuotaFromSpec(spec))
	}
	e.logger.Info("quotas loaded", "count", len(specs))
	return nil
}

// CheckRateLimit evaluates only the request-rate window for req's agent.
// Concurrency is governed by the slot methods and is not considered here.
func (e *Engine) CheckRateLimit(ctx context.Context, req contracts.ExecutionRequest) (bool, error) {
	q := e.quotaFor(req.AgentID())
	ok, err := e.limiter.Allow(ctx, req.AgentID(), q.rate())
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", req.AgentID(), err)
	}
	if !ok {
		e.logger.Info("rate limited", "agent_id", req.AgentID(), "max_rpm", q.MaxRequestsPerMinute())
	}
	return ok, nil
}

// Permits reports whether agentID's quota allows action. An empty allowlist permits everything.
func (e *Engine) Permits(agentID string, action contracts.ActionType) bool {
	return e.quotaFor(agentID).Permits(action)
}

// TryAcquireExecutionSlot takes one slot without blocking. It returns false,
// leaving the counter unchanged, when the agent is at its ceiling.
func (e *Engine) TryAcquireExecutionSlot(agentID string) bool {
	e.quotaFor(agentID)
	// Slots move under the read lock so SetQuota sees a settled count.
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.quotas[agentID].tryAcquire()
}

// ReleaseExecutionSlot returns one slot. Releasing with nothing held is logged and ignored.
func (e *Engine) ReleaseExecutionSlot(agentID string) {
	e.mu.RLock()
	q, ok := e.quotas[agentID]
	released := ok && q.release()
	e.mu.RUnlock()
	if !ok {
		e.logger.Warn("release for unknown agent ignored", "agent_id", agentID)
		return
	}
	if !released {
		e.logger.Warn("unmatched slot release ignored", "agent_id", agentID)
	}
}

// WithExecutionSlot runs fn while holding one of agentID's slots. The slot is
// released on every exit path, including panics and context cancellation.
func (e *Engine) WithExecutionSlot(ctx context.Context, agentID string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.TryAcquireExecutionSlot(agentID) {
		return fmt.Errorf("%w: agent %s", ErrAdmissionDenied, agentID)
	}
	defer e.ReleaseExecutionSlot(agentID)
	return fn(ctx)
}

// Evaluate combines the action allowlist and the rate limit into one decision.
// Limiter failures deny.
func (e *Engine) Evaluate(ctx context.Context, req contracts.ExecutionRequest) contracts.PolicyDecision {
	q := e.quotaFor(req.AgentID())
	if !q.Permits(req.ActionType()) {
		return contracts.Deny(fmt.Sprintf("action %s not permitted for agent %s", req.ActionType(), req.AgentID()))
	}
	ok, err := e.CheckRateLimit(ctx, req)
	if err != nil {
		e.logger.Error("rate limit check failed", "agent_id", req.AgentID(), "error", err)
		return contracts.Deny(fmt.Sprintf("rate limit check failed: %v", err))
	}
	if !ok {
		return contracts.Deny(fmt.Sprintf("%v: agent %s exceeded %d requests per minute",
			ErrRateLimited, req.AgentID(), q.MaxRequestsPerMinute()))
	}
	return contracts.Allow()
}

func (e *Engine) checkRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Expr != "" {
		if _, err := e.exprs.program(r.Expr); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	return nil
}

// AddCustomRule prepends rule so it takes precedence over existing rules.
func (e *Engine) AddCustomRule(rule Rule) error {
	if err := e.checkRule(rule); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.rules = append([]Rule{rule}, e.rules...)
	return nil
}

// Rules returns a copy of the rule list in evaluation order.
func (e *Engine) Rules() []Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// ValidateManifest evaluates the rules in order against the manifest context.
// The first matching rule decides; no match allows. An expression that fails
// to evaluate denies.
func (e *Engine) ValidateManifest(m contracts.CapabilityManifest) ManifestResult {
	ctx := m.Context()
	for _, r := range e.Rules() {
		matched := conditionsMatch(r.Conditions, ctx)
		if !matched && r.Expr != "" {
			ok, err := e.exprs.eval(r.Expr, ctx)
			if err != nil {
				e.logger.Error("rule evaluation failed", "rule", r.Name, "agent_id", m.AgentID, "error", err)
				return ManifestResult{
					DenyReason: fmt.Sprintf("Policy Violation: rule '%s' could not be evaluated", r.Name),
					Rule:       r.Name,
				}
			}
			matched = ok
		}
		if !matched {
			continue
		}
		switch r.Action {
		case contracts.DecisionDeny:
			return ManifestResult{DenyReason: denyMessage(m), Rule: r.Name}
		case contracts.DecisionWarn:
			return ManifestResult{Allowed: true, WarnReason: warnMessage(m), Rule: r.Name}
		default:
			return ManifestResult{Allowed: true, Rule: r.Name}
		}
	}
	return ManifestResult{Allowed: true}
}

// ValidateHandshake validates the manifest, then checks the named capability
// requirements ("reversibility", "idempotency"). Missing ones are reported together.
func (e *Engine) ValidateHandshake(m contracts.CapabilityManifest, required []string) (bool, string) {
	res := e.ValidateManifest(m)
	if !res.Allowed {
		return false, res.DenyReason
	}

	var missing []string
	for _, c := range required {
		switch c {
		case "reversibility":
			if m.Capabilities.Reversibility == contracts.ReversibilityNone {
				missing = append(missing, "reversibility support")
			}
		case "idempotency":
			if !m.Capabilities.Idempotency {
				missing = append(missing, "idempotency support")
			}
		}
	}
	if len(missing) > 0 {
		return false, "Agent missing required capabilities: " + strings.Join(missing, ", ")
	}
	return true, ""
}
