// Package workflow defines the data model for a registered workflow: the
// immutable Workflow/Step definitions that the DAG analyzer, state machine
// and scheduler operate on.
package workflow

import "fmt"

// FailurePolicy controls what happens to a workflow once one of its steps
// fails.
type FailurePolicy string

const (
	FailurePolicyStop     FailurePolicy = "stop"
	FailurePolicyContinue FailurePolicy = "continue"
	FailurePolicyRetryAll FailurePolicy = "retryAll"
)

// BackoffKind selects the retry delay formula used by retrypolicy.DelayFor.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures step-level retry behavior.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" validate:"min=1"`
	Backoff     BackoffKind   `json:"backoff" validate:"omitempty,oneof=fixed linear exponential"`
	BaseDelayMs int           `json:"delayMs" validate:"min=0"`
}

// Condition is a boolean predicate attached to a step. Exactly one of Equals
// or Expression should be set; Expression takes a restricted boolean
// grammar, Equals is the simple variable-equality shorthand.
type Condition struct {
	Variable   string      `json:"variable,omitempty"`
	Equals     interface{} `json:"equals,omitempty"`
	Expression string      `json:"expression,omitempty"`
}

// IsSimpleEquality reports whether this condition is the {variable, equals}
// shorthand rather than a parsed expression.
func (c *Condition) IsSimpleEquality() bool {
	return c != nil && c.Variable != ""
}

// Step is one node of a workflow's dependency DAG.
type Step struct {
	ID           string                 `json:"id" validate:"required"`
	Name         string                 `json:"name"`
	DependsOn    []string               `json:"dependsOn,omitempty"`
	Next         []string               `json:"next,omitempty"`
	Condition    *Condition             `json:"condition,omitempty"`
	Retry        *RetryPolicy           `json:"retry,omitempty"`
	TimeoutMs    int                    `json:"timeout,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Outputs      []string               `json:"outputs,omitempty"`
	Kind         string                 `json:"kind,omitempty"`
}

// Workflow is an immutable, validated workflow definition. Once registered
// it is owned by the registry and never mutated.
type Workflow struct {
	ID        string                 `json:"id" validate:"required"`
	Name      string                 `json:"name"`
	Version   int                    `json:"version"`
	Steps     []Step                 `json:"steps" validate:"required,min=1,dive"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	OnFailure FailurePolicy          `json:"onFailure,omitempty"`
	TimeoutMs int                    `json:"timeout,omitempty"`
}

// StepByID returns the step with the given id, or false if it isn't part of
// the workflow.
func (w *Workflow) StepByID(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Equal reports whether two workflows have the same (id, steps, edges)
// tuple and the same failure policy. Used to decide whether re-registering a workflow under an id
// already in the registry is a no-op or a conflicting redefinition.
func (w *Workflow) Equal(other *Workflow) bool {
	if w == nil || other == nil {
		return w == other
	}
	if w.ID != other.ID || len(w.Steps) != len(other.Steps) || w.OnFailure != other.OnFailure {
		return false
	}
	for i := range w.Steps {
		a, b := w.Steps[i], other.Steps[i]
		if a.ID != b.ID || len(a.DependsOn) != len(b.DependsOn) {
			return false
		}
		for j := range a.DependsOn {
			if a.DependsOn[j] != b.DependsOn[j] {
				return false
			}
		}
	}
	return true
}

// EffectiveFailurePolicy returns the workflow's failure policy, defaulting
// to "stop" when unset.
func (w *Workflow) EffectiveFailurePolicy() FailurePolicy {
	if w.OnFailure == "" {
		return FailurePolicyStop
	}
	return w.OnFailure
}

func (w *Workflow) String() string {
	return fmt.Sprintf("Workflow{id=%s, steps=%d}", w.ID, len(w.Steps))
}
