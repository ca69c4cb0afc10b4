package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/workflow-core/internal/events"
	"github.com/n8n-work/workflow-core/internal/execctx"
	"github.com/n8n-work/workflow-core/internal/retrypolicy"
	"github.com/n8n-work/workflow-core/internal/state"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

// execution owns all mutable state for one run of a registered workflow:
// its WorkflowState, its ExecutionContext, and its cancellation handle.
type execution struct {
	id     string
	wf     *workflow.Workflow
	layers [][]string
	engine *Engine

	mu    sync.Mutex // serializes all state.Transition* calls for this execution
	state *state.WorkflowState

	execCtx *execctx.Context

	ctx    context.Context
	cancel context.CancelFunc

	pauseMu    sync.Mutex
	paused     bool
	resumeGate chan struct{} // closed while not paused; replaced on each pause
}

// pause requests cooperative suspension and drives the workflow to Paused.
// It only takes effect while the workflow is actually Running; pausing
// before it starts or after it reaches a terminal status is a no-op.
func (ex *execution) pause() bool {
	ex.pauseMu.Lock()
	defer ex.pauseMu.Unlock()
	if ex.paused {
		return false
	}

	ex.mu.Lock()
	running := ex.state.Status == state.WorkflowRunning
	ex.mu.Unlock()
	if !running {
		return false
	}

	ex.paused = true
	ex.resumeGate = make(chan struct{})
	ex.transitionWorkflow(state.WorkflowPaused)
	return true
}

// resume clears a pause and drives the workflow back to Running, waking any
// waiter blocked in awaitUnpaused.
func (ex *execution) resume() bool {
	ex.pauseMu.Lock()
	defer ex.pauseMu.Unlock()
	if !ex.paused {
		return false
	}
	ex.paused = false
	close(ex.resumeGate)
	ex.transitionWorkflow(state.WorkflowRunning)
	return true
}

// awaitUnpaused blocks until the execution is resumed or cancelled,
// whichever happens first. It is a no-op when not currently paused.
func (ex *execution) awaitUnpaused() {
	ex.pauseMu.Lock()
	gate := ex.resumeGate
	ex.pauseMu.Unlock()

	select {
	case <-gate:
	case <-ex.ctx.Done():
	}
}

func (ex *execution) snapshot() Snapshot {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	steps := make(map[string]state.StepState, len(ex.state.Steps))
	for id, s := range ex.state.Steps {
		steps[id] = *s
	}
	return Snapshot{
		ExecutionID: ex.id,
		WorkflowID:  ex.wf.ID,
		Status:      ex.state.Status,
		StartedAt:   ex.state.StartedAt,
		CompletedAt: ex.state.CompletedAt,
		Steps:       steps,
		Failure:     ex.state.Failure,
	}
}

// transitionWorkflow moves the workflow's status and publishes the resulting
// event. An illegal transition is an engine invariant violation, never a
// condition callers can trigger directly, so it panics rather than failing
// silently; drive's top-level recover is the task boundary that turns it
// into a forced terminal status instead of a crashed process.
func (ex *execution) transitionWorkflow(to state.WorkflowStatus) {
	ex.mu.Lock()
	ev, err := state.TransitionWorkflow(ex.state, ex.id, ex.wf.ID, to)
	ex.mu.Unlock()
	if err != nil {
		panic(err)
	}
	ex.engine.hub.Publish(ev)
}

// transitionStep moves a step's status and publishes the resulting event.
// See transitionWorkflow for why an illegal transition panics instead of
// being logged and swallowed.
func (ex *execution) transitionStep(stepID string, to state.StepStatus) {
	ex.mu.Lock()
	ev, err := state.TransitionStep(ex.state, ex.id, ex.wf.ID, stepID, to)
	ex.mu.Unlock()
	if err != nil {
		panic(err)
	}
	ex.engine.hub.Publish(ev)
}

// forceStepFailed is the panic-recovery escape hatch: it drives stepID
// directly to Failed, bypassing the legal-transition table, so a recovered
// invariant violation still leaves GetState with a well-formed terminal
// snapshot instead of a step stuck wherever the panic left it.
func (ex *execution) forceStepFailed(stepID, message string) {
	now := time.Now()
	ex.mu.Lock()
	s, ok := ex.state.Steps[stepID]
	alreadyTerminal := ok && s.Status.Terminal()
	if ok && !alreadyTerminal {
		s.Status = state.StepFailed
		s.CompletedAt = &now
		s.Error = &state.StepError{Message: message}
		delete(ex.state.CurrentSteps, stepID)
		ex.state.FailedSteps[stepID] = true
	}
	ex.mu.Unlock()
	if !ok || alreadyTerminal {
		return
	}
	ex.engine.hub.Publish(events.Event{
		Kind:        events.StepFail,
		Timestamp:   now,
		ExecutionID: ex.id,
		WorkflowID:  ex.wf.ID,
		StepID:      stepID,
		Payload:     map[string]interface{}{"to": string(state.StepFailed), "error": message, "forced": true},
	})
}

// forceWorkflowTerminal is forceStepFailed's workflow-level counterpart.
func (ex *execution) forceWorkflowTerminal(to state.WorkflowStatus, message string) {
	now := time.Now()
	ex.mu.Lock()
	alreadyTerminal := ex.state.Status.Terminal()
	if !alreadyTerminal {
		ex.state.Status = to
		ex.state.CompletedAt = &now
		if to == state.WorkflowFailed {
			ex.state.Failure = &state.FailureInfo{Message: message}
		}
	}
	ex.mu.Unlock()
	if alreadyTerminal {
		return
	}
	kind := events.WorkflowFail
	if to == state.WorkflowCancelled {
		kind = events.WorkflowCancel
	}
	ex.engine.hub.Publish(events.Event{
		Kind:        kind,
		Timestamp:   now,
		ExecutionID: ex.id,
		WorkflowID:  ex.wf.ID,
		Payload:     map[string]interface{}{"to": string(to), "error": message, "forced": true},
	})
}

func (ex *execution) stepStatus(stepID string) (string, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	s, ok := ex.state.Steps[stepID]
	if !ok {
		return "", false
	}
	return string(s.Status), true
}

// drive runs ex to completion: one goroutine per execution, the "one
// supervising task per execution" the scheduling model calls for.
func (e *Engine) drive(ex *execution) {
	defer e.forget(ex.id)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow invariant violation recovered, forcing cancelled",
				zap.String("execution_id", ex.id), zap.Any("panic", r))
			ex.forceWorkflowTerminal(state.WorkflowCancelled, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ex.transitionWorkflow(state.WorkflowRunning)
	startedAt := time.Now()

	onFailure := ex.wf.EffectiveFailurePolicy()
	anyFailed := false

layerLoop:
	for _, layer := range ex.layers {
		select {
		case <-ex.ctx.Done():
			break layerLoop
		default:
		}
		ex.awaitUnpaused()
		if ex.ctx.Err() != nil {
			break layerLoop
		}

		var wg sync.WaitGroup
		for _, stepID := range layer {
			step, _ := ex.wf.StepByID(stepID)
			if !e.stepEligible(ex, step) {
				continue
			}

			if step.Condition != nil && !e.conditionHolds(ex, step.Condition) {
				ex.transitionStep(step.ID, state.StepSkipped)
				continue
			}

			wg.Add(1)
			go func(s *workflow.Step) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("step invariant violation recovered, forcing failed",
							zap.String("execution_id", ex.id), zap.String("step_id", s.ID), zap.Any("panic", r))
						ex.forceStepFailed(s.ID, fmt.Sprintf("internal error: %v", r))
					}
				}()
				if err := e.stepSem.Acquire(ex.ctx, 1); err != nil {
					ex.transitionStep(s.ID, state.StepCancelled)
					return
				}
				defer e.stepSem.Release(1)
				e.runStep(ex, s)
			}(step)
		}
		wg.Wait()

		if ex.ctx.Err() != nil {
			break layerLoop
		}

		ex.mu.Lock()
		layerFailed := false
		for _, stepID := range layer {
			if ex.state.FailedSteps[stepID] {
				layerFailed = true
				break
			}
		}
		ex.mu.Unlock()

		if layerFailed {
			anyFailed = true
			if onFailure == workflow.FailurePolicyStop {
				break layerLoop
			}
		}
	}

	// The end of the last layer is a layer boundary too: a pause requested
	// during it holds the workflow in Paused until resume or cancel.
	ex.awaitUnpaused()
	e.finalize(ex, anyFailed, onFailure, startedAt)
}

// stepEligible reports whether every dependency of step has reached a
// terminal-success (Completed) or terminal-skip (Skipped) status. A step
// whose dependency failed, was cancelled, or is itself blocked is never
// dispatched and stays Pending.
func (e *Engine) stepEligible(ex *execution, step *workflow.Step) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, dep := range step.DependsOn {
		depState, ok := ex.state.Steps[dep]
		if !ok {
			return false
		}
		if depState.Status != state.StepCompleted && depState.Status != state.StepSkipped {
			return false
		}
	}
	return true
}

func (e *Engine) conditionHolds(ex *execution, cond *workflow.Condition) bool {
	if cond.IsSimpleEquality() {
		return execctx.EvaluateEquals(ex.execCtx, cond.Variable, cond.Equals)
	}
	return execctx.Evaluate(cond.Expression, ex.execCtx, ex.stepStatus)
}

// finalize transitions ex to its terminal workflow status once every layer
// has been driven (or cancellation cut the loop short). A failed step only
// fails the workflow when the failure policy isn't continue (retryAll is
// treated the same as continue); under continue, the workflow still
// completes even though some steps failed.
func (e *Engine) finalize(ex *execution, anyFailed bool, onFailure workflow.FailurePolicy, startedAt time.Time) {
	if ex.ctx.Err() != nil {
		ex.transitionWorkflow(state.WorkflowCancelled)
		e.metrics.executionFinished(ex.wf.ID, "cancelled", time.Since(startedAt))
		return
	}
	if anyFailed && onFailure != workflow.FailurePolicyContinue && onFailure != workflow.FailurePolicyRetryAll {
		ex.mu.Lock()
		ex.state.Failure = &state.FailureInfo{Message: "one or more steps failed"}
		ex.mu.Unlock()
		ex.transitionWorkflow(state.WorkflowFailed)
		e.metrics.executionFinished(ex.wf.ID, "failed", time.Since(startedAt))
		return
	}
	ex.transitionWorkflow(state.WorkflowCompleted)
	e.metrics.executionFinished(ex.wf.ID, "completed", time.Since(startedAt))
}

// runStep drives one step through its full attempt/retry lifecycle.
func (e *Engine) runStep(ex *execution, step *workflow.Step) {
	policy := e.config.DefaultRetry
	if step.Retry != nil {
		policy = *step.Retry
	}
	timeout := e.config.DefaultStepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	attempt := 1
	ex.mu.Lock()
	ex.state.Steps[step.ID].Attempt = attempt
	ex.mu.Unlock()
	ex.transitionStep(step.ID, state.StepRunning)

	for {
		if ex.ctx.Err() != nil {
			ex.transitionStep(step.ID, state.StepCancelled)
			return
		}

		attemptStart := time.Now()
		stepCtx, cancelStep := context.WithTimeout(ex.ctx, timeout)
		result := e.exec.Execute(stepCtx, step, ex.execCtx)
		cancelStep()
		duration := time.Since(attemptStart)

		if ex.ctx.Err() != nil {
			ex.transitionStep(step.ID, state.StepCancelled)
			return
		}

		if result.Success {
			ex.execCtx.SetStepOutput(step.ID, result.Output)
			ex.mu.Lock()
			ex.state.Steps[step.ID].Output = result.Output
			ex.mu.Unlock()
			ex.transitionStep(step.ID, state.StepCompleted)
			e.metrics.stepAttempt(ex.wf.ID, step.ID, "success", duration)
			return
		}

		e.metrics.stepAttempt(ex.wf.ID, step.ID, "failure", duration)
		ex.mu.Lock()
		ex.state.Steps[step.ID].Error = &state.StepError{Message: errMessage(result.Err)}
		ex.mu.Unlock()

		if !retrypolicy.CanRetry(policy, attempt) {
			ex.transitionStep(step.ID, state.StepFailed)
			return
		}

		attempt++
		ex.transitionStep(step.ID, state.StepRetrying)
		e.metrics.stepRetried(ex.wf.ID, step.ID)

		delay := retrypolicy.DelayFor(policy, attempt)
		if !e.sleepInterruptible(ex, delay) {
			ex.transitionStep(step.ID, state.StepCancelled)
			return
		}

		ex.mu.Lock()
		ex.state.Steps[step.ID].Attempt = attempt
		ex.mu.Unlock()
		ex.transitionStep(step.ID, state.StepRunning)
	}
}

// sleepInterruptible waits for d, observing both cancellation and pause at
// the start of the wait. Returns false if the execution was cancelled.
func (e *Engine) sleepInterruptible(ex *execution, d time.Duration) bool {
	ex.awaitUnpaused()
	if ex.ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ex.ctx.Done():
		return false
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
