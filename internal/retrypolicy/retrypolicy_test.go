package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/n8n-work/workflow-core/internal/workflow"
)

func TestEffective(t *testing.T) {
	assert.Equal(t, DefaultPolicy, Effective(nil))

	custom := workflow.RetryPolicy{MaxAttempts: 5, Backoff: workflow.BackoffLinear, BaseDelayMs: 50}
	assert.Equal(t, custom, Effective(&custom))
}

func TestCanRetry(t *testing.T) {
	p := workflow.RetryPolicy{MaxAttempts: 3}
	assert.True(t, CanRetry(p, 1))
	assert.True(t, CanRetry(p, 2))
	assert.False(t, CanRetry(p, 3))
}

func TestDelayFor_FirstAttemptNeverWaits(t *testing.T) {
	p := workflow.RetryPolicy{MaxAttempts: 3, Backoff: workflow.BackoffExponential, BaseDelayMs: 10}
	assert.Equal(t, time.Duration(0), DelayFor(p, 1))
	assert.Equal(t, time.Duration(0), DelayFor(p, 0))
}

func TestDelayFor_ExponentialTimingLaw(t *testing.T) {
	// maxAttempts:3, backoff:exponential, delayMs:10 -> attempts at
	// t=0, t~=10 (delay before attempt 2), t~=30 (delay before attempt 3,
	// cumulative 10+20).
	p := workflow.RetryPolicy{MaxAttempts: 3, Backoff: workflow.BackoffExponential, BaseDelayMs: 10}

	assert.Equal(t, 10*time.Millisecond, DelayFor(p, 2))
	assert.Equal(t, 20*time.Millisecond, DelayFor(p, 3))
}

func TestDelayFor_Linear(t *testing.T) {
	p := workflow.RetryPolicy{MaxAttempts: 4, Backoff: workflow.BackoffLinear, BaseDelayMs: 10}

	assert.Equal(t, 10*time.Millisecond, DelayFor(p, 2))
	assert.Equal(t, 20*time.Millisecond, DelayFor(p, 3))
	assert.Equal(t, 30*time.Millisecond, DelayFor(p, 4))
}

func TestDelayFor_Fixed(t *testing.T) {
	p := workflow.RetryPolicy{MaxAttempts: 4, Backoff: workflow.BackoffFixed, BaseDelayMs: 25}

	assert.Equal(t, 25*time.Millisecond, DelayFor(p, 2))
	assert.Equal(t, 25*time.Millisecond, DelayFor(p, 3))
	assert.Equal(t, 25*time.Millisecond, DelayFor(p, 4))
}

func TestDelayFor_ZeroBaseDelayIsAlwaysZero(t *testing.T) {
	p := workflow.RetryPolicy{MaxAttempts: 3, Backoff: workflow.BackoffExponential, BaseDelayMs: 0}
	assert.Equal(t, time.Duration(0), DelayFor(p, 2))
	assert.Equal(t, time.Duration(0), DelayFor(p, 3))
}
