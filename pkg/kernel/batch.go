package kernel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/govkernel/pkg/bounded"
	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
	"github.com/Mindburn-Labs/govkernel/pkg/observability"
	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
)

// Call is one entry of an ExecuteBatch.
type Call struct {
	Request  contracts.ExecutionRequest
	Executor Executor
}

// BatchResult pairs a call's outcome with its error. Refused calls carry both.
type BatchResult struct {
	Outcome *Outcome
	Err     error
}

// ExecuteBatch runs calls through Execute with at most maxConcurrent in
// flight. Results are in call order; one call's failure does not cancel the
// others. Each in-flight slot writes through its own recorder connection.
func (k *Kernel) ExecuteBatch(ctx context.Context, calls []Call, maxConcurrent int) ([]BatchResult, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: max concurrent %d", bounded.ErrInvalidLimit, maxConcurrent)
	}

	ctx, finish := k.obs.TrackOperation(ctx, "govkernel.batch",
		observability.AttrBatchSize.Int(len(calls)),
		observability.AttrBatchLimit.Int(maxConcurrent),
	)
	results := make([]BatchResult, len(calls))
	tasks := make([]bounded.Task[struct{}], len(calls))
	for i, c := range calls {
		worker := fmt.Sprintf("batch-%d", i%maxConcurrent)
		tasks[i] = func(ctx context.Context) (struct{}, error) {
			out, err := k.Execute(recorder.WithWorker(ctx, worker), c.Request, c.Executor)
			results[i] = BatchResult{Outcome: out, Err: err}
			return struct{}{}, nil
		}
	}

	gathered, err := bounded.Gather(ctx, maxConcurrent, tasks, bounded.ReturnErrors())
	finish(err)
	if err != nil {
		return nil, err
	}
	for i, g := range gathered {
		// Tasks never started (cancelled context) or that panicked.
		if g.Err != nil && results[i].Outcome == nil && results[i].Err == nil {
			results[i].Err = g.Err
		}
	}
	k.logger.DebugContext(ctx, "batch executed", "calls", len(calls), "max_concurrent", maxConcurrent)
	return results, nil
}
