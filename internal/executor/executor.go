// Package executor defines the StepExecutor capability the engine calls to
// run a step body, plus decorators that wrap any StepExecutor with
// cross-cutting resilience behavior.
package executor

import (
	"context"
	"fmt"

	"github.com/n8n-work/workflow-core/internal/execctx"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

// Result is what a step attempt produced.
type Result struct {
	Success bool
	Output  map[string]interface{}
	Err     error
}

// StepExecutor is the host-supplied capability the engine calls to run a
// step's body. Implementations must be re-entrant: the engine calls one
// executor instance from many concurrent step tasks. An executor must not
// mutate the workflow definition; it may read variables and prior step
// outputs through execCtx. The engine passes the per-step timeout and the
// execution's cancellation only through ctx and waits for Execute to
// return: an executor that blocks without observing ctx is not interrupted
// when the timeout elapses or the execution is cancelled.
type StepExecutor interface {
	Execute(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result
}

// Func adapts a plain function to the StepExecutor interface.
type Func func(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result

func (f Func) Execute(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result {
	return f(ctx, step, execCtx)
}

// NoopExecutor succeeds immediately with an empty output, for tests and for
// steps whose kind the host doesn't resolve to a real capability.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result {
	return Result{Success: true, Output: map[string]interface{}{}}
}

// ByKind dispatches to one of several executors keyed by workflow.Step.Kind,
// falling back to Default when a step's kind has no registered executor.
// This is the "default executor that dispatches by step kind" allowance;
// the engine itself never looks at Kind.
type ByKind struct {
	Default   StepExecutor
	ByKind    map[string]StepExecutor
}

func (b *ByKind) Execute(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result {
	if exec, ok := b.ByKind[step.Kind]; ok {
		return exec.Execute(ctx, step, execCtx)
	}
	if b.Default != nil {
		return b.Default.Execute(ctx, step, execCtx)
	}
	return Result{Success: false, Err: fmt.Errorf("no executor registered for step kind %q", step.Kind)}
}
