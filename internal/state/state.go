// Package state implements the per-execution state machine: the legal
// transition tables for workflow and step status, and the mutable
// WorkflowState/StepState records those transitions operate on.
package state

import (
	"fmt"
	"time"

	"github.com/n8n-work/workflow-core/internal/events"
)

type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "Pending"
	WorkflowRunning   WorkflowStatus = "Running"
	WorkflowPaused    WorkflowStatus = "Paused"
	WorkflowCompleted WorkflowStatus = "Completed"
	WorkflowFailed    WorkflowStatus = "Failed"
	WorkflowCancelled WorkflowStatus = "Cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepRunning   StepStatus = "Running"
	StepRetrying  StepStatus = "Retrying"
	StepCompleted StepStatus = "Completed"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
	StepCancelled StepStatus = "Cancelled"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// InvalidTransitionError signals a programmer error: an attempt to move a
// workflow or step into a status its current status cannot legally reach.
// It should never cross the public API boundary in normal operation; the
// scheduler recovers it at the task boundary and forces the step to Failed
// or the workflow to Cancelled instead of letting a panic escape to the
// caller.
type InvalidTransitionError struct {
	Entity string // "workflow" or "step"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

var legalWorkflowTransitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	WorkflowPending:   {WorkflowRunning: true, WorkflowCancelled: true},
	WorkflowRunning:   {WorkflowCompleted: true, WorkflowFailed: true, WorkflowPaused: true, WorkflowCancelled: true},
	WorkflowPaused:    {WorkflowRunning: true, WorkflowCancelled: true},
	WorkflowFailed:    {WorkflowRunning: true}, // explicit retry-all only; gated by caller
	WorkflowCancelled: {WorkflowPending: true}, // explicit reset only; gated by caller
}

var legalStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending:  {StepRunning: true, StepSkipped: true, StepCancelled: true},
	StepRunning:  {StepCompleted: true, StepFailed: true, StepRetrying: true, StepCancelled: true},
	StepFailed:   {StepRetrying: true},
	StepRetrying: {StepRunning: true, StepFailed: true, StepSkipped: true, StepCancelled: true},
}

// FailureInfo describes why a workflow ended in Failed status.
type FailureInfo struct {
	Message      string
	Code         string
	FailedStepID string
}

// StepError describes why a step attempt failed.
type StepError struct {
	Message string
	Code    string
	Trace   string
}

// StepState is the mutable per-step record inside a WorkflowState.
type StepState struct {
	StepID      string
	Status      StepStatus
	Attempt     int
	MaxAttempts int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *StepError
	Output      map[string]interface{}
	Log         []string
}

// WorkflowState is the mutable state tree for one execution. All mutation
// happens through TransitionWorkflow/TransitionStep so that set membership
// (CurrentSteps/CompletedSteps/...) stays consistent with Status.
type WorkflowState struct {
	Status      WorkflowStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Steps       map[string]*StepState

	CurrentSteps   map[string]bool
	CompletedSteps map[string]bool
	FailedSteps    map[string]bool
	SkippedSteps   map[string]bool
	CancelledSteps map[string]bool

	Failure   *FailureInfo
	Variables map[string]interface{}
}

// NewWorkflowState builds a fresh, Pending state tree for the given step ids
// with their declared max attempts.
func NewWorkflowState(stepMaxAttempts map[string]int, variables map[string]interface{}) *WorkflowState {
	ws := &WorkflowState{
		Status:         WorkflowPending,
		Steps:          make(map[string]*StepState, len(stepMaxAttempts)),
		CurrentSteps:   make(map[string]bool),
		CompletedSteps: make(map[string]bool),
		FailedSteps:    make(map[string]bool),
		SkippedSteps:   make(map[string]bool),
		CancelledSteps: make(map[string]bool),
		Variables:      variables,
	}
	for id, maxAttempts := range stepMaxAttempts {
		ws.Steps[id] = &StepState{StepID: id, Status: StepPending, MaxAttempts: maxAttempts}
	}
	return ws
}

// TransitionWorkflow moves the workflow to `to`, validating legality, and
// returns the event to publish. Callers must hold whatever lock serializes
// mutation of ws for the duration of the call; the state machine itself
// does no locking.
func TransitionWorkflow(ws *WorkflowState, executionID, workflowID string, to WorkflowStatus) (events.Event, error) {
	from := ws.Status
	if !legalWorkflowTransitions[from][to] {
		return events.Event{}, &InvalidTransitionError{Entity: "workflow", ID: executionID, From: string(from), To: string(to)}
	}

	now := time.Now()
	if to == WorkflowRunning && ws.StartedAt == nil {
		ws.StartedAt = &now
	}
	if WorkflowStatus(to).Terminal() {
		ws.CompletedAt = &now
	}
	ws.Status = to

	kind := workflowEventKind(from, to)
	return events.Event{
		Kind:        kind,
		Timestamp:   now,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Payload: map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		},
	}, nil
}

// workflowEventKind maps a transition to its event kind. Running is reached
// two different ways - the initial Pending->Running start, and a
// Paused->Running resume - so `from` disambiguates between
// events.WorkflowStart and events.WorkflowResume.
func workflowEventKind(from, to WorkflowStatus) events.Kind {
	switch to {
	case WorkflowRunning:
		if from == WorkflowPaused {
			return events.WorkflowResume
		}
		return events.WorkflowStart
	case WorkflowCompleted:
		return events.WorkflowComplete
	case WorkflowFailed:
		return events.WorkflowFail
	case WorkflowPaused:
		return events.WorkflowPause
	case WorkflowCancelled:
		return events.WorkflowCancel
	default:
		return events.WorkflowStart
	}
}

// TransitionStep moves step stepID to `to`, validating legality, maintaining
// the CurrentSteps/CompletedSteps/FailedSteps/SkippedSteps sets, and
// returning the event to publish.
func TransitionStep(ws *WorkflowState, executionID, workflowID, stepID string, to StepStatus) (events.Event, error) {
	step, ok := ws.Steps[stepID]
	if !ok {
		return events.Event{}, fmt.Errorf("unknown step %s", stepID)
	}

	from := step.Status
	if !legalStepTransitions[from][to] {
		return events.Event{}, &InvalidTransitionError{Entity: "step", ID: stepID, From: string(from), To: string(to)}
	}

	now := time.Now()

	switch to {
	case StepRunning, StepRetrying:
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
		ws.CurrentSteps[stepID] = true
	case StepCompleted:
		step.CompletedAt = &now
		delete(ws.CurrentSteps, stepID)
		ws.CompletedSteps[stepID] = true
	case StepFailed:
		step.CompletedAt = &now
		delete(ws.CurrentSteps, stepID)
		ws.FailedSteps[stepID] = true
	case StepSkipped:
		step.CompletedAt = &now
		delete(ws.CurrentSteps, stepID)
		ws.SkippedSteps[stepID] = true
	case StepCancelled:
		step.CompletedAt = &now
		delete(ws.CurrentSteps, stepID)
		ws.CancelledSteps[stepID] = true
	}

	step.Status = to

	kind := stepEventKind(to)
	payload := map[string]interface{}{
		"from":    string(from),
		"to":      string(to),
		"attempt": step.Attempt,
	}
	if step.Error != nil {
		payload["error"] = step.Error.Message
		payload["errorCode"] = step.Error.Code
	}
	if step.Output != nil {
		payload["outputSize"] = len(step.Output)
	}

	return events.Event{
		Kind:        kind,
		Timestamp:   now,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      stepID,
		Payload:     payload,
	}, nil
}

func stepEventKind(to StepStatus) events.Kind {
	switch to {
	case StepRunning:
		return events.StepStart
	case StepCompleted:
		return events.StepComplete
	case StepFailed:
		return events.StepFail
	case StepRetrying:
		return events.StepRetry
	case StepSkipped:
		return events.StepSkip
	case StepCancelled:
		return events.StepCancel
	default:
		return events.StepStart
	}
}
