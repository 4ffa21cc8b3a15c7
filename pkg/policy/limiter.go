package policy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateWindow is the trailing window the per-minute limit is counted over.
const RateWindow = 60 * time.Second

// RatePolicy defines the request-rate limit for one agent.
type RatePolicy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the storage for per-agent rate state.
type LimiterStore interface {
	// Allow records one request for agentID and reports whether it fits the policy.
	Allow(ctx context.Context, agentID string, policy RatePolicy) (bool, error)
}

// SlidingWindowStore counts request timestamps in the trailing RateWindow.
// A request is admitted while the count stays at or below RPM.
type SlidingWindowStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string][]time.Time
}

func NewSlidingWindowStore() *SlidingWindowStore {
	return &SlidingWindowStore{
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. Used by tests.
func (s *SlidingWindowStore) WithClock(now func() time.Time) *SlidingWindowStore {
	s.now = now
	return s
}

func (s *SlidingWindowStore) Allow(_ context.Context, agentID string, policy RatePolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-RateWindow)

	window := s.windows[agentID]
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	window = window[i:]

	if len(window) >= policy.RPM {
		s.windows[agentID] = window
		return false, nil
	}
	s.windows[agentID] = append(window, now)
	return true, nil
}

// Count returns the number of requests currently inside agentID's window.
func (s *SlidingWindowStore) Count(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-RateWindow)
	n := 0
	for _, ts := range s.windows[agentID] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// TokenBucketStore smooths requests with a token bucket per agent.
// It refills at RPM/60 tokens per second up to Burst. A changed policy
// retunes the agent's bucket in place.
type TokenBucketStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTokenBucketStore() *TokenBucketStore {
	return &TokenBucketStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *TokenBucketStore) Allow(_ context.Context, agentID string, policy RatePolicy) (bool, error) {
	burst := policy.Burst
	if burst <= 0 {
		burst = policy.RPM
	}
	perSec := rate.Limit(float64(policy.RPM) / RateWindow.Seconds())
	if perSec <= 0 {
		perSec = 1
	}

	s.mu.Lock()
	lim, ok := s.limiters[agentID]
	switch {
	case !ok:
		lim = rate.NewLimiter(perSec, burst)
		s.limiters[agentID] = lim
	case lim.Limit() != perSec || lim.Burst() != burst:
		lim.SetLimit(perSec)
		lim.SetBurst(burst)
	}
	s.mu.Unlock()

	return lim.Allow(), nil
}
