package executor

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/n8n-work/workflow-core/internal/execctx"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

// Bounded wraps a StepExecutor with a weighted semaphore so that no more
// than max step attempts run against it concurrently, regardless of how
// many layers the scheduler is willing to fan out. Useful for capabilities
// (an HTTP backend, a shared pool) with a real concurrency ceiling.
type Bounded struct {
	next StepExecutor
	sem  *semaphore.Weighted
}

// NewBounded wraps next, allowing at most max concurrent Execute calls.
func NewBounded(next StepExecutor, max int64) *Bounded {
	return &Bounded{next: next, sem: semaphore.NewWeighted(max)}
}

func (b *Bounded) Execute(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return Result{Success: false, Err: err}
	}
	defer b.sem.Release(1)
	return b.next.Execute(ctx, step, execCtx)
}
