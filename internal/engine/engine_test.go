package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-core/internal/dag"
	"github.com/n8n-work/workflow-core/internal/events"
	"github.com/n8n-work/workflow-core/internal/execctx"
	"github.com/n8n-work/workflow-core/internal/executor"
	"github.com/n8n-work/workflow-core/internal/state"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

// prometheus metric series are registered globally on first construction, so
// every test in this file shares one Metrics instance.
var (
	testMetricsOnce sync.Once
	testMetricsVal  *Metrics
)

func testMetrics() *Metrics {
	testMetricsOnce.Do(func() { testMetricsVal = NewMetrics() })
	return testMetricsVal
}

func newTestEngine(exec executor.StepExecutor, cfg Config) (*Engine, *events.Hub) {
	hub := events.NewHub()
	if cfg.TenantRatePerSec == 0 {
		cfg.TenantRatePerSec = 1000
	}
	if cfg.TenantBurst == 0 {
		cfg.TenantBurst = 1000
	}
	if cfg.DefaultStepTimeout == 0 {
		cfg.DefaultStepTimeout = time.Second
	}
	return NewEngine(zap.NewNop(), exec, hub, testMetrics(), cfg), hub
}

// startAndWait subscribes for the engine's next terminal workflow event
// before starting workflowID, so a fast-finishing execution can never race
// ahead of the subscription (each test in this file starts exactly one
// execution per engine). It returns the snapshot captured at the moment the
// terminal event fired, before the engine forgets the execution.
func startAndWait(t *testing.T, e *Engine, hub *events.Hub, workflowID string, vars map[string]interface{}, timeout time.Duration) (string, Snapshot) {
	t.Helper()

	terminal := make(chan Snapshot, 1)
	_, detach := hub.Subscribe([]events.Kind{events.WorkflowComplete, events.WorkflowFail, events.WorkflowCancel}, func(ev events.Event) {
		snap, ok := e.GetState(ev.ExecutionID)
		if !ok {
			return
		}
		select {
		case terminal <- snap:
		default:
		}
	})
	defer detach()

	execID, err := e.Start(context.Background(), workflowID, vars)
	require.NoError(t, err)

	select {
	case snap := <-terminal:
		return execID, snap
	case <-time.After(timeout):
		t.Fatalf("workflow %s did not reach a terminal status within %s", workflowID, timeout)
		return "", Snapshot{}
	}
}

func step(id string, deps ...string) workflow.Step {
	return workflow.Step{ID: id, DependsOn: deps}
}

func chainWorkflow(id string, onFailure workflow.FailurePolicy, steps ...workflow.Step) *workflow.Workflow {
	return &workflow.Workflow{ID: id, Steps: steps, OnFailure: onFailure}
}

func TestEngine_SequentialSuccess(t *testing.T) {
	var order []string
	var mu sync.Mutex

	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		mu.Lock()
		order = append(order, s.ID)
		mu.Unlock()
		return executor.Result{Success: true, Output: map[string]interface{}{"id": s.ID}}
	})

	e, hub := newTestEngine(exec, Config{})
	wf := chainWorkflow("seq", workflow.FailurePolicyStop, step("a"), step("b", "a"), step("c", "b"))
	require.NoError(t, e.Register(wf))

	_, snap := startAndWait(t, e, hub, "seq", nil, time.Second)
	assert.Equal(t, state.WorkflowCompleted, snap.Status)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.CompletedAt)
	assert.False(t, snap.CompletedAt.Before(*snap.StartedAt))

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, state.StepCompleted, snap.Steps[id].Status)
	}
}

func TestEngine_FanOutFanIn_RunsLayerInParallel(t *testing.T) {
	var mu sync.Mutex
	var startedBeforeAnyComplete []string

	release := make(chan struct{})

	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		if s.ID == "a" || s.ID == "b" {
			mu.Lock()
			startedBeforeAnyComplete = append(startedBeforeAnyComplete, s.ID)
			mu.Unlock()
			<-release
		}
		return executor.Result{Success: true}
	})

	e, hub := newTestEngine(exec, Config{})
	wf := chainWorkflow("fanout", workflow.FailurePolicyStop,
		step("root"), step("a", "root"), step("b", "root"), step("join", "a", "b"))
	require.NoError(t, e.Register(wf))

	terminal := make(chan Snapshot, 1)
	_, detach := hub.Subscribe([]events.Kind{events.WorkflowComplete, events.WorkflowFail}, func(ev events.Event) {
		if snap, ok := e.GetState(ev.ExecutionID); ok {
			select {
			case terminal <- snap:
			default:
			}
		}
	})
	defer detach()

	_, err := e.Start(context.Background(), "fanout", nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b"}, startedBeforeAnyComplete, "both fan-out steps must start before either completes")
	mu.Unlock()
	close(release)

	select {
	case snap := <-terminal:
		assert.Equal(t, state.WorkflowCompleted, snap.Status)
		assert.Equal(t, state.StepCompleted, snap.Steps["join"].Status)
	case <-time.After(time.Second):
		t.Fatal("fanout workflow did not complete in time")
	}
}

func TestEngine_RetrySucceedsOnThirdAttempt(t *testing.T) {
	var attempts int32
	var retryEvents int32

	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return executor.Result{Success: false, Err: fmt.Errorf("attempt %d failed", n)}
		}
		return executor.Result{Success: true}
	})

	e, hub := newTestEngine(exec, Config{})
	_, detach := hub.Subscribe([]events.Kind{events.StepRetry}, func(ev events.Event) {
		atomic.AddInt32(&retryEvents, 1)
	})
	defer detach()

	wf := chainWorkflow("retry", workflow.FailurePolicyStop, workflow.Step{
		ID:    "flaky",
		Retry: &workflow.RetryPolicy{MaxAttempts: 3, Backoff: workflow.BackoffExponential, BaseDelayMs: 10},
	})
	require.NoError(t, e.Register(wf))

	start := time.Now()
	_, snap := startAndWait(t, e, hub, "retry", nil, time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, state.WorkflowCompleted, snap.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(2), atomic.LoadInt32(&retryEvents))
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond, "two backoff waits of 10ms and 20ms must actually elapse")
}

func TestEngine_RetriesExhaustedThenFails(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		return executor.Result{Success: false, Err: fmt.Errorf("permanent failure")}
	})

	e, hub := newTestEngine(exec, Config{})
	wf := chainWorkflow("exhaust", workflow.FailurePolicyStop, workflow.Step{
		ID:    "doomed",
		Retry: &workflow.RetryPolicy{MaxAttempts: 2, Backoff: workflow.BackoffFixed, BaseDelayMs: 5},
	})
	require.NoError(t, e.Register(wf))

	_, snap := startAndWait(t, e, hub, "exhaust", nil, time.Second)
	assert.Equal(t, state.WorkflowFailed, snap.Status)
	assert.Equal(t, state.StepFailed, snap.Steps["doomed"].Status)
	require.NotNil(t, snap.Failure)
}

func TestEngine_ConditionalSkipDoesNotFailWorkflow(t *testing.T) {
	var ran []string
	var mu sync.Mutex

	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		mu.Lock()
		ran = append(ran, s.ID)
		mu.Unlock()
		return executor.Result{Success: true}
	})

	e, hub := newTestEngine(exec, Config{})
	wf := chainWorkflow("skip", workflow.FailurePolicyStop,
		step("root"),
		workflow.Step{
			ID:        "maybe",
			DependsOn: []string{"root"},
			Condition: &workflow.Condition{Variable: "enabled", Equals: true},
		},
		step("after", "maybe"),
	)
	require.NoError(t, e.Register(wf))

	_, snap := startAndWait(t, e, hub, "skip", map[string]interface{}{"enabled": false}, time.Second)
	assert.Equal(t, state.WorkflowCompleted, snap.Status)
	assert.Equal(t, state.StepSkipped, snap.Steps["maybe"].Status)
	assert.Equal(t, state.StepCompleted, snap.Steps["after"].Status, "a step depending on a skipped step is still eligible to run")

	mu.Lock()
	assert.NotContains(t, ran, "maybe")
	mu.Unlock()
}

func TestEngine_CancelDuringExecutionStopsQuickly(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		select {
		case <-block:
			return executor.Result{Success: true}
		case <-ctx.Done():
			return executor.Result{Success: false, Err: ctx.Err()}
		}
	})

	e, hub := newTestEngine(exec, Config{})
	wf := chainWorkflow("cancel", workflow.FailurePolicyStop, step("long"))
	require.NoError(t, e.Register(wf))

	terminal := make(chan Snapshot, 1)
	_, detach := hub.Subscribe([]events.Kind{events.WorkflowCancel}, func(ev events.Event) {
		if snap, ok := e.GetState(ev.ExecutionID); ok {
			select {
			case terminal <- snap:
			default:
			}
		}
	})
	defer detach()

	execID, err := e.Start(context.Background(), "cancel", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	assert.True(t, e.Cancel(execID))

	select {
	case snap := <-terminal:
		assert.LessOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, state.WorkflowCancelled, snap.Status)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("cancelled execution did not reach Cancelled in time")
	}
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	exec := executor.NoopExecutor{}
	e, hub := newTestEngine(exec, Config{})
	wf := chainWorkflow("cancel-twice", workflow.FailurePolicyStop, step("a"))
	require.NoError(t, e.Register(wf))

	execID, _ := startAndWait(t, e, hub, "cancel-twice", nil, time.Second)
	// The terminal event fires before drive forgets the execution; wait for
	// the forget so the result below doesn't depend on goroutine timing.
	require.Eventually(t, func() bool {
		_, ok := e.GetState(execID)
		return !ok
	}, time.Second, time.Millisecond)

	first := e.Cancel(execID)
	second := e.Cancel(execID)
	assert.False(t, first, "cancelling an unknown (already forgotten) execution reports false")
	assert.Equal(t, first, second, "a second cancel reports the same result as the first")
}

func TestEngine_PauseThenResumeIsNoOpOnRunningExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		if s.ID == "a" {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		return executor.Result{Success: true}
	})
	e, hub := newTestEngine(exec, Config{DefaultStepTimeout: 5 * time.Second})
	wf := chainWorkflow("pause", workflow.FailurePolicyStop, step("a"), step("b", "a"))
	require.NoError(t, e.Register(wf))

	var mu sync.Mutex
	var workflowKinds []events.Kind
	terminal := make(chan Snapshot, 1)
	_, detach := hub.Subscribe(nil, func(ev events.Event) {
		switch ev.Kind {
		case events.WorkflowPause, events.WorkflowResume:
			mu.Lock()
			workflowKinds = append(workflowKinds, ev.Kind)
			mu.Unlock()
		case events.WorkflowComplete:
			if snap, ok := e.GetState(ev.ExecutionID); ok {
				select {
				case terminal <- snap:
				default:
				}
			}
		}
	})
	defer detach()

	execID, err := e.Start(context.Background(), "pause", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("step a never started")
	}

	require.True(t, e.Pause(execID), "pause must apply while the workflow is running")
	snap, ok := e.GetState(execID)
	require.True(t, ok)
	assert.Equal(t, state.WorkflowPaused, snap.Status, "pause must drive the workflow to Paused")

	require.True(t, e.Resume(execID))
	snap, ok = e.GetState(execID)
	require.True(t, ok)
	assert.Equal(t, state.WorkflowRunning, snap.Status, "resume must drive the workflow back to Running")

	close(release)

	select {
	case snap := <-terminal:
		assert.Equal(t, state.WorkflowCompleted, snap.Status)
	case <-time.After(time.Second):
		t.Fatal("workflow did not complete after pause/resume")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Kind{events.WorkflowPause, events.WorkflowResume}, workflowKinds,
		"pause then resume with no other input must be observationally identical to doing nothing beyond exactly these two emitted events")
}

func TestEngine_RegisterIsIdempotentOnEqualRedefinition(t *testing.T) {
	e, _ := newTestEngine(executor.NoopExecutor{}, Config{})
	wf := chainWorkflow("idempotent", workflow.FailurePolicyStop, step("a"))

	require.NoError(t, e.Register(wf))
	require.NoError(t, e.Register(chainWorkflow("idempotent", workflow.FailurePolicyStop, step("a"))))
}

func TestEngine_RegisterRejectsConflictingRedefinition(t *testing.T) {
	e, _ := newTestEngine(executor.NoopExecutor{}, Config{})
	require.NoError(t, e.Register(chainWorkflow("conflict", workflow.FailurePolicyStop, step("a"))))

	err := e.Register(chainWorkflow("conflict", workflow.FailurePolicyStop, step("a"), step("b", "a")))
	assert.Error(t, err)
}

func TestEngine_RegisterRejectsCycles(t *testing.T) {
	e, _ := newTestEngine(executor.NoopExecutor{}, Config{})
	err := e.Register(chainWorkflow("cyclic", workflow.FailurePolicyStop, step("a", "b"), step("b", "a")))
	assert.Error(t, err)
}

func TestEngine_FailurePolicyContinueRunsSiblingLayerSteps(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, s *workflow.Step, ec *execctx.Context) executor.Result {
		if s.ID == "a" {
			return executor.Result{Success: false, Err: fmt.Errorf("a always fails")}
		}
		return executor.Result{Success: true}
	})

	e, hub := newTestEngine(exec, Config{})
	wf := chainWorkflow("continue", workflow.FailurePolicyContinue,
		step("root"), step("a", "root"), step("b", "root"))
	require.NoError(t, e.Register(wf))

	_, snap := startAndWait(t, e, hub, "continue", nil, time.Second)
	assert.Equal(t, state.WorkflowCompleted, snap.Status, "failure policy continue must still complete the workflow despite a's failure")
	assert.Equal(t, state.StepFailed, snap.Steps["a"].Status)
	assert.Equal(t, state.StepCompleted, snap.Steps["b"].Status, "failure policy continue must still run b, a's unrelated sibling")
}

// newBareExecution builds an *execution outside of Engine.Start, so a test
// can corrupt its state before handing it to Engine.drive in order to force
// an invariant-violation panic deterministically rather than racing one.
func newBareExecution(t *testing.T, e *Engine, wf *workflow.Workflow, maxAttempts map[string]int) *execution {
	t.Helper()
	layers, err := dag.TopologicalLayers(wf)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ex := &execution{
		id:         "bare-" + wf.ID,
		wf:         wf,
		layers:     layers,
		state:      state.NewWorkflowState(maxAttempts, nil),
		execCtx:    execctx.New(nil),
		ctx:        ctx,
		cancel:     cancel,
		resumeGate: make(chan struct{}),
		engine:     e,
	}
	close(ex.resumeGate)
	return ex
}

func TestDrive_RecoversWorkflowPanicToForcedCancelled(t *testing.T) {
	e, hub := newTestEngine(executor.NoopExecutor{}, Config{})
	wf := chainWorkflow("panicky", workflow.FailurePolicyStop, step("a"))
	require.NoError(t, e.Register(wf))

	ex := newBareExecution(t, e, wf, map[string]int{"a": 1})
	// Running has no legal transition to itself, so drive's unconditional
	// transitionWorkflow(Running) at the top of the run panics immediately.
	// The status is non-terminal, so the recover can still force it.
	ex.state.Status = state.WorkflowRunning

	forced := make(chan events.Event, 1)
	_, detach := hub.Subscribe([]events.Kind{events.WorkflowCancel}, func(ev events.Event) {
		if ev.ExecutionID == ex.id {
			select {
			case forced <- ev:
			default:
			}
		}
	})
	defer detach()

	require.NotPanics(t, func() { e.drive(ex) })

	select {
	case ev := <-forced:
		assert.Equal(t, true, ev.Payload["forced"])
	case <-time.After(time.Second):
		t.Fatal("expected a forced WorkflowCancel event after the recovered panic")
	}

	assert.Equal(t, state.WorkflowCancelled, ex.state.Status)
	require.Nil(t, ex.state.Failure, "a cancelled workflow carries no workflow-level failure; the error travels in the event payload")
}

func TestDrive_RecoversStepPanicToForcedFailedWithoutCrashingWorkflow(t *testing.T) {
	e, hub := newTestEngine(executor.NoopExecutor{}, Config{})
	wf := chainWorkflow("step-panicky", workflow.FailurePolicyContinue, step("a"), step("b"))
	require.NoError(t, e.Register(wf))

	ex := newBareExecution(t, e, wf, map[string]int{"a": 1, "b": 1})
	// Step a starts already Running, so runStep's first StepRunning
	// transition is illegal and panics inside its dispatch goroutine; the
	// status is non-terminal, so the recover can still force it to Failed.
	ex.state.Steps["a"].Status = state.StepRunning
	ex.state.CurrentSteps["a"] = true

	forced := make(chan events.Event, 1)
	_, detach := hub.Subscribe([]events.Kind{events.StepFail}, func(ev events.Event) {
		if ev.ExecutionID == ex.id && ev.StepID == "a" {
			select {
			case forced <- ev:
			default:
			}
		}
	})
	defer detach()

	require.NotPanics(t, func() { e.drive(ex) })

	select {
	case ev := <-forced:
		assert.Equal(t, true, ev.Payload["forced"])
	case <-time.After(time.Second):
		t.Fatal("expected a forced StepFail event for step a")
	}

	snap := ex.snapshot()
	assert.Equal(t, state.WorkflowCompleted, snap.Status, "a forced step failure must not fail the workflow under FailurePolicyContinue")
	assert.Equal(t, state.StepFailed, snap.Steps["a"].Status)
	assert.Equal(t, state.StepCompleted, snap.Steps["b"].Status, "b has no dependency on a's corrupted state and should run normally")
}
