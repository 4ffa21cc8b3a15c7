package policy

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

const (
	DefaultMaxConcurrentExecutions = 5
	DefaultMaxRequestsPerMinute    = 60
)

// QuotaSpec is the declarative, persistable part of a quota.
type QuotaSpec struct {
	AgentID                 string                 `json:"agent_id" yaml:"agent_id"`
	MaxConcurrentExecutions int                    `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`
	MaxRequestsPerMinute    int                    `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	AllowedActions          []contracts.ActionType `json:"allowed_actions,omitempty" yaml:"allowed_actions,omitempty"`
}

// ResourceQuota is the live per-agent admission state. The permit counter is a
// weighted semaphore sized to MaxConcurrentExecutions; current mirrors the number
// of permits held so 0 <= current <= max is observable without touching the semaphore.
type ResourceQuota struct {
	spec    QuotaSpec
	sem     *semaphore.Weighted
	current atomic.Int64
}

// NewQuota builds a quota. Non-positive limits fall back to the defaults.
func NewQuota(agentID string, maxConcurrent, maxRPM int, allowed ...contracts.ActionType) *ResourceQuota {
	return NewQuotaFromSpec(QuotaSpec{
		AgentID:                 agentID,
		MaxConcurrentExecutions: maxConcurrent,
		MaxRequestsPerMinute:    maxRPM,
		AllowedActions:          allowed,
	})
}

func NewQuotaFromSpec(spec QuotaSpec) *ResourceQuota {
	if spec.MaxConcurrentExecutions <= 0 {
		spec.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if spec.MaxRequestsPerMinute <= 0 {
		spec.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	spec.AllowedActions = append([]contracts.ActionType(nil), spec.AllowedActions...)
	return &ResourceQuota{
		spec: spec,
		sem:  semaphore.NewWeighted(int64(spec.MaxConcurrentExecutions)),
	}
}

func (q *ResourceQuota) AgentID() string              { return q.spec.AgentID }
func (q *ResourceQuota) MaxConcurrentExecutions() int { return q.spec.MaxConcurrentExecutions }
func (q *ResourceQuota) MaxRequestsPerMinute() int    { return q.spec.MaxRequestsPerMinute }
func (q *ResourceQuota) CurrentExecutions() int       { return int(q.current.Load()) }

// Spec returns a copy of the declarative limits.
func (q *ResourceQuota) Spec() QuotaSpec {
	s := q.spec
	s.AllowedActions = append([]contracts.ActionType(nil), q.spec.AllowedActions...)
	return s
}

func (q *ResourceQuota) rate() RatePolicy {
	return RatePolicy{RPM: q.spec.MaxRequestsPerMinute, Burst: q.spec.MaxRequestsPerMinute}
}

// Permits reports whether action is on the quota's allowlist. An empty list permits everything.
func (q *ResourceQuota) Permits(action contracts.ActionType) bool {
	if len(q.spec.AllowedActions) == 0 {
		return true
	}
	for _, a := range q.spec.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

func (q *ResourceQuota) tryAcquire() bool {
	if !q.sem.TryAcquire(1) {
		return false
	}
	q.current.Add(1)
	return true
}

// inherit takes over slots still held under a replaced quota, up to this
// quota's ceiling, and returns how many it took.
func (q *ResourceQuota) inherit(held int) int {
	n := 0
	for n < held && q.tryAcquire() {
		n++
	}
	return n
}

// release returns false when no permit was held.
func (q *ResourceQuota) release() bool {
	for {
		cur := q.current.Load()
		if cur <= 0 {
			return false
		}
		if q.current.CompareAndSwap(cur, cur-1) {
			q.sem.Release(1)
			return true
		}
	}
}
