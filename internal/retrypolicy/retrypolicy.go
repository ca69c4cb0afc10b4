// Package retrypolicy computes retry delays and retry eligibility for a
// failed step attempt, given its declared workflow.RetryPolicy.
package retrypolicy

import (
	"time"

	"github.com/n8n-work/workflow-core/internal/workflow"
)

// DefaultPolicy is applied to steps that declare no retry policy of their
// own: a single attempt, no retries.
var DefaultPolicy = workflow.RetryPolicy{
	MaxAttempts: 1,
	Backoff:     workflow.BackoffFixed,
	BaseDelayMs: 0,
}

// Effective returns p if non-nil, otherwise DefaultPolicy.
func Effective(p *workflow.RetryPolicy) workflow.RetryPolicy {
	if p == nil {
		return DefaultPolicy
	}
	return *p
}

// CanRetry reports whether another attempt is permitted after `attempt`
// (1-indexed: the attempt that just failed) has failed.
func CanRetry(p workflow.RetryPolicy, attempt int) bool {
	return attempt < p.MaxAttempts
}

// DelayFor returns the backoff delay to wait before attempt number
// `nextAttempt` (1-indexed, the attempt about to run). nextAttempt==1 always
// delays zero: the first attempt never waits.
func DelayFor(p workflow.RetryPolicy, nextAttempt int) time.Duration {
	if nextAttempt <= 1 {
		return 0
	}
	base := time.Duration(p.BaseDelayMs) * time.Millisecond
	if base <= 0 {
		return 0
	}

	retryIndex := nextAttempt - 1 // 1 for the first retry, 2 for the second, ...
	switch p.Backoff {
	case workflow.BackoffLinear:
		return base * time.Duration(retryIndex)
	case workflow.BackoffExponential:
		factor := int64(1)
		for i := 0; i < retryIndex-1; i++ {
			factor *= 2
		}
		return base * time.Duration(factor)
	case workflow.BackoffFixed, "":
		return base
	default:
		return base
	}
}
