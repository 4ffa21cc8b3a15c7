// Package bounded runs many tasks without unbounded goroutine or memory
// growth: semaphore-gated fan-out and a fixed worker pool over a bounded queue.
package bounded

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidLimit = errors.New("bounded: limit must be positive")

// Task is one unit of work.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one task, in the slot matching its input position.
type Result[T any] struct {
	Value T
	Err   error
}

// Values returns the Value of every result.
func Values[T any](results []Result[T]) []T {
	out := make([]T, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}

// GatherOption configures Gather and GatherWithPermit.
type GatherOption func(*gatherConfig)

type gatherConfig struct {
	returnErrors bool
}

// ReturnErrors stores each task error in its result slot instead of
// cancelling the remaining tasks.
func ReturnErrors() GatherOption {
	return func(c *gatherConfig) { c.returnErrors = true }
}

// Gather runs tasks with at most maxConcurrency in flight and returns their
// results in input order. Without ReturnErrors the first error cancels the
// context passed to the other tasks and is returned.
func Gather[T any](ctx context.Context, maxConcurrency int, tasks []Task[T], opts ...GatherOption) ([]Result[T], error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("%w: max concurrency %d", ErrInvalidLimit, maxConcurrency)
	}
	return GatherWithPermit(ctx, semaphore.NewWeighted(int64(maxConcurrency)), tasks, opts...)
}

// GatherWithPermit is Gather with a caller-supplied semaphore, which may be
// shared across batches to enforce one concurrency budget. Each task holds
// one unit of sem while it runs.
func GatherWithPermit[T any](ctx context.Context, sem *semaphore.Weighted, tasks []Task[T], opts ...GatherOption) ([]Result[T], error) {
	cfg := gatherConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	results := make([]Result[T], len(tasks))
	g, gctx := errgroup.WithContext(ctx)

	for i, task := range tasks {
		// Acquire before spawning so waiting tasks hold no goroutine.
		if err := sem.Acquire(gctx, 1); err != nil {
			if !cfg.returnErrors {
				break
			}
			for j := i; j < len(tasks); j++ {
				results[j].Err = err
			}
			break
		}
		g.Go(func() (err error) {
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("bounded: task %d panicked: %v", i, r)
					if cfg.returnErrors {
						results[i].Err = err
						err = nil
					}
				}
			}()
			v, err := task(gctx)
			if err != nil {
				if cfg.returnErrors {
					results[i].Err = err
					return nil
				}
				return err
			}
			results[i].Value = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !cfg.returnErrors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return results, nil
}
