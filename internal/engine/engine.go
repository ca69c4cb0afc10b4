// Package engine implements the scheduler: the component that drives a
// registered workflow's topological layers, dispatches steps in parallel,
// enforces retries/timeouts/conditions, and exposes pause/resume/cancel
// control over in-flight executions.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/n8n-work/workflow-core/internal/dag"
	"github.com/n8n-work/workflow-core/internal/execctx"
	"github.com/n8n-work/workflow-core/internal/events"
	"github.com/n8n-work/workflow-core/internal/executor"
	"github.com/n8n-work/workflow-core/internal/state"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

// Config holds the engine-wide knobs; a host builds one from whatever
// configuration layer it uses (viper, flags, env) and passes it to
// NewEngine.
type Config struct {
	MaxConcurrentSteps int
	DefaultStepTimeout time.Duration
	DefaultRetry       workflow.RetryPolicy
	TenantRatePerSec   float64
	TenantBurst        int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSteps <= 0 {
		c.MaxConcurrentSteps = 64
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 30 * time.Second
	}
	if c.DefaultRetry.MaxAttempts <= 0 {
		c.DefaultRetry.MaxAttempts = 1
	}
	if c.TenantRatePerSec <= 0 {
		c.TenantRatePerSec = 50
	}
	if c.TenantBurst <= 0 {
		c.TenantBurst = 50
	}
	return c
}

// Engine is the instance-scoped scheduling core: a workflow registry plus
// the set of in-flight executions it is driving.
type Engine struct {
	logger   *zap.Logger
	exec     executor.StepExecutor
	hub      *events.Hub
	metrics  *Metrics
	config   Config
	stepSem  *semaphore.Weighted

	registryMu sync.RWMutex
	workflows  map[string]*workflow.Workflow

	executionsMu sync.RWMutex
	executions   map[string]*execution

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewEngine constructs an Engine. exec is the host-supplied StepExecutor
// capability; it is invoked from many concurrent step tasks and must be
// re-entrant.
func NewEngine(logger *zap.Logger, exec executor.StepExecutor, hub *events.Hub, metrics *Metrics, config Config) *Engine {
	config = config.withDefaults()
	return &Engine{
		logger:     logger.With(zap.String("component", "engine")),
		exec:       exec,
		hub:        hub,
		metrics:    metrics,
		config:     config,
		stepSem:    semaphore.NewWeighted(int64(config.MaxConcurrentSteps)),
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*execution),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Register validates wf and adds it to the registry. Re-registering the
// same id with an equal definition is a no-op; re-registering with a
// different definition returns an error rather than silently overwriting a
// workflow that may have in-flight executions.
func (e *Engine) Register(wf *workflow.Workflow) error {
	report := dag.Validate(wf)
	if !report.Valid {
		return fmt.Errorf("workflow %s failed validation: %v", wf.ID, report.Errors)
	}
	if _, err := dag.TopologicalLayers(wf); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.ID, err)
	}

	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	if existing, ok := e.workflows[wf.ID]; ok {
		if existing.Equal(wf) {
			return nil
		}
		return fmt.Errorf("workflow %s is already registered with a different definition", wf.ID)
	}
	e.workflows[wf.ID] = wf
	return nil
}

// Start begins a new execution of the workflow identified by workflowID and
// returns its execution id once the workflow's rate limiter admits it (it
// blocks on that limiter until a token is available or ctx is done); the
// execution itself runs asynchronously.
func (e *Engine) Start(ctx context.Context, workflowID string, vars map[string]interface{}) (string, error) {
	e.registryMu.RLock()
	wf, ok := e.workflows[workflowID]
	e.registryMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("workflow %s is not registered", workflowID)
	}

	if err := e.limiterFor(workflowID).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait for workflow %s: %w", workflowID, err)
	}

	layers, err := dag.TopologicalLayers(wf)
	if err != nil {
		return "", err
	}

	mergedVars := make(map[string]interface{}, len(wf.Variables)+len(vars))
	for k, v := range wf.Variables {
		mergedVars[k] = v
	}
	for k, v := range vars {
		mergedVars[k] = v
	}

	executionID := uuid.NewString()
	execCtx, cancel := context.WithCancel(context.Background())

	maxAttempts := make(map[string]int, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.Retry != nil {
			maxAttempts[s.ID] = s.Retry.MaxAttempts
		} else {
			maxAttempts[s.ID] = e.config.DefaultRetry.MaxAttempts
		}
	}

	ex := &execution{
		id:         executionID,
		wf:         wf,
		layers:     layers,
		state:      state.NewWorkflowState(maxAttempts, mergedVars),
		execCtx:    execctx.New(mergedVars),
		ctx:        execCtx,
		cancel:     cancel,
		resumeGate: make(chan struct{}),
		engine:     e,
	}
	close(ex.resumeGate) // starts un-paused

	e.executionsMu.Lock()
	e.executions[executionID] = ex
	e.executionsMu.Unlock()

	e.metrics.executionStarted(wf.ID)

	go e.drive(ex)

	return executionID, nil
}

func (e *Engine) limiterFor(workflowID string) *rate.Limiter {
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()
	l, ok := e.limiters[workflowID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.config.TenantRatePerSec), e.config.TenantBurst)
		e.limiters[workflowID] = l
	}
	return l
}

// Pause drives executionID to Paused immediately and is observed by
// in-flight step tasks at their next layer boundary or retry sleep; a step
// attempt already running continues to completion or timeout first.
// Returns false if the execution id is unknown, already paused, or not
// currently Running (pending start or already terminal).
func (e *Engine) Pause(executionID string) bool {
	ex, ok := e.lookup(executionID)
	if !ok {
		return false
	}
	return ex.pause()
}

// Resume drives executionID back to Running and wakes any waiter blocked on
// the pause gate. Returns false if the execution id is unknown or it was not
// paused.
func (e *Engine) Resume(executionID string) bool {
	ex, ok := e.lookup(executionID)
	if !ok {
		return false
	}
	return ex.resume()
}

// Cancel requests that executionID stop as soon as possible: in-flight step
// attempts observe cancellation at their next suspension point, and the
// workflow transitions to Cancelled once they unwind. Idempotent.
func (e *Engine) Cancel(executionID string) bool {
	ex, ok := e.lookup(executionID)
	if !ok {
		return false
	}
	ex.cancel()
	return true
}

// Snapshot is a deep-copied, read-only view of an execution's state, safe
// to hand to a caller without risking a data race with the running
// execution.
type Snapshot struct {
	ExecutionID string
	WorkflowID  string
	Status      state.WorkflowStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Steps       map[string]state.StepState
	Failure     *state.FailureInfo
}

// GetState returns a snapshot of executionID's current state.
func (e *Engine) GetState(executionID string) (Snapshot, bool) {
	ex, ok := e.lookup(executionID)
	if !ok {
		return Snapshot{}, false
	}
	return ex.snapshot(), true
}

// ListActive returns the ids of executions that haven't reached a terminal
// status.
func (e *Engine) ListActive() []string {
	e.executionsMu.RLock()
	defer e.executionsMu.RUnlock()
	ids := make([]string, 0, len(e.executions))
	for id, ex := range e.executions {
		ex.mu.Lock()
		terminal := ex.state.Status.Terminal()
		ex.mu.Unlock()
		if !terminal {
			ids = append(ids, id)
		}
	}
	return ids
}

// Subscribe attaches handler to the engine's EventHub. See events.Hub.
func (e *Engine) Subscribe(kinds []events.Kind, handler events.Handler) (*events.Subscription, func()) {
	return e.hub.Subscribe(kinds, handler)
}

func (e *Engine) lookup(executionID string) (*execution, bool) {
	e.executionsMu.RLock()
	defer e.executionsMu.RUnlock()
	ex, ok := e.executions[executionID]
	return ex, ok
}

func (e *Engine) forget(executionID string) {
	e.executionsMu.Lock()
	delete(e.executions, executionID)
	e.executionsMu.Unlock()
}
