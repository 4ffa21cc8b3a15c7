//go:build property

package policy

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestQuotaBoundsProperty checks 0 <= current <= max under arbitrary
// interleavings of concurrent acquires and releases.
func TestQuotaBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("current executions stay within [0, max]", prop.ForAll(
		func(maxConcurrent int, ops []bool) bool {
			e, err := NewEngine()
			if err != nil {
				return false
			}
			q := NewQuota("prop", maxConcurrent, 60)
			e.SetQuota("prop", q)

			var wg sync.WaitGroup
			var mu sync.Mutex
			ok := true
			for _, acquire := range ops {
				wg.Add(1)
				go func(acquire bool) {
					defer wg.Done()
					if acquire {
						e.TryAcquireExecutionSlot("prop")
					} else {
						e.ReleaseExecutionSlot("prop")
					}
					cur := q.CurrentExecutions()
					if cur < 0 || cur > maxConcurrent {
						mu.Lock()
						ok = false
						mu.Unlock()
					}
				}(acquire)
			}
			wg.Wait()
			cur := q.CurrentExecutions()
			return ok && cur >= 0 && cur <= maxConcurrent
		},
		gen.IntRange(1, 16),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("n paired cycles return to zero", prop.ForAll(
		func(maxConcurrent, n int) bool {
			e, err := NewEngine()
			if err != nil {
				return false
			}
			q := NewQuota("pairs", maxConcurrent, 60)
			e.SetQuota("pairs", q)
			for i := 0; i < n; i++ {
				if !e.TryAcquireExecutionSlot("pairs") {
					return false
				}
				e.ReleaseExecutionSlot("pairs")
			}
			return q.CurrentExecutions() == 0
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
