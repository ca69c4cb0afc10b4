package executor

import (
	"context"

	"github.com/n8n-work/workflow-core/internal/execctx"
	"github.com/n8n-work/workflow-core/internal/resilience"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

// CircuitBreaking wraps a StepExecutor so that repeated failures of a given
// step kind trip a breaker and fail fast instead of continuing to dispatch
// attempts into a capability that is already down. One breaker is created
// per step kind on first use.
type CircuitBreaking struct {
	next    StepExecutor
	manager *resilience.CircuitBreakerManager
	config  func(kind string) resilience.CircuitBreakerConfig
}

// NewCircuitBreaking wraps next with per-kind circuit breakers managed by
// manager. configFor builds the breaker config for a given step kind; pass
// nil to use resilience's defaults with the kind as the breaker name.
func NewCircuitBreaking(next StepExecutor, manager *resilience.CircuitBreakerManager, configFor func(kind string) resilience.CircuitBreakerConfig) *CircuitBreaking {
	if configFor == nil {
		configFor = func(kind string) resilience.CircuitBreakerConfig {
			return resilience.CircuitBreakerConfig{Name: kind}
		}
	}
	return &CircuitBreaking{next: next, manager: manager, config: configFor}
}

func (c *CircuitBreaking) Execute(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result {
	breaker := c.manager.GetOrCreate(step.Kind, c.config(step.Kind))

	out, err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		res := c.next.Execute(ctx, step, execCtx)
		if !res.Success {
			if res.Err == nil {
				res.Err = errResultFailed
			}
			return res, res.Err
		}
		return res, nil
	})
	if err != nil {
		if res, ok := out.(Result); ok {
			return res
		}
		return Result{Success: false, Err: err}
	}
	return out.(Result)
}

var errResultFailed = stepFailedError{}

type stepFailedError struct{}

func (stepFailedError) Error() string { return "step execution reported failure" }
