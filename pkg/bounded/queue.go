package bounded

import (
	"context"
	"fmt"
	"sync"
)

// Processed pairs an item with its processing outcome.
type Processed[I, O any] struct {
	Item  I
	Value O
	Err   error
}

// ProcessedValues returns the Value of every pair whose Err is nil.
func ProcessedValues[I, O any](pairs []Processed[I, O]) []O {
	out := make([]O, 0, len(pairs))
	for _, p := range pairs {
		if p.Err == nil {
			out = append(out, p.Value)
		}
	}
	return out
}

// ProcessQueue feeds items through a queue of capacity maxQueueSize to
// maxWorkers workers. The producer blocks while the queue is full. Closing the
// queue is the termination signal every worker observes. It returns once all
// enqueued items are processed and every worker has exited. Pair order is
// unspecified. Processor errors are kept in the pairs; the returned error is
// ctx's if the producer was cancelled before enqueueing every item.
func ProcessQueue[I, O any](ctx context.Context, items []I, processor func(context.Context, I) (O, error), maxWorkers, maxQueueSize int) ([]Processed[I, O], error) {
	if maxWorkers < 1 {
		return nil, fmt.Errorf("%w: max workers %d", ErrInvalidLimit, maxWorkers)
	}
	if maxQueueSize < 1 {
		return nil, fmt.Errorf("%w: max queue size %d", ErrInvalidLimit, maxQueueSize)
	}

	queue := make(chan I, maxQueueSize)
	var (
		mu      sync.Mutex
		results = make([]Processed[I, O], 0, len(items))
		wg      sync.WaitGroup
	)

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				p := Processed[I, O]{Item: item}
				p.Value, p.Err = process(ctx, processor, item)
				mu.Lock()
				results = append(results, p)
				mu.Unlock()
			}
		}()
	}

	var produceErr error
produce:
	for _, item := range items {
		select {
		case queue <- item:
		case <-ctx.Done():
			produceErr = ctx.Err()
			break produce
		}
	}
	close(queue)
	wg.Wait()

	return results, produceErr
}

func process[I, O any](ctx context.Context, processor func(context.Context, I) (O, error), item I) (v O, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bounded: processor panicked: %v", r)
		}
	}()
	return processor(ctx, item)
}
