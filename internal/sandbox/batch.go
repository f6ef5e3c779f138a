package sandbox

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/domain"
)

// DefaultConcurrency is the batch worker count when none is given.
const DefaultConcurrency = 4

// Batch runs each request through Execute with at most concurrency calls in flight.
// Results are in input order. One request failing does not stop the others.
func (e *Executor) Batch(ctx context.Context, reqs []domain.CommandRequest, concurrency int) []*ExecutionResult {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := make([]*ExecutionResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range reqs {
		g.Go(func() error {
			res, err := e.Execute(ctx, reqs[i])
			if err != nil {
				res = &ExecutionResult{
					Action:   audit.ActionInvalidRequest,
					Error:    err.Error(),
					Metadata: map[string]any{MetaDevice: reqs[i].Device},
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
