package domain

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how the processor reschedules itself.
type RetryPolicy struct {
	// ProgressDelay is used after a pass that advanced the operation.
	ProgressDelay time.Duration

	// BaseDelay and MaxDelay shape the jittered exponential delay used after
	// passes that advanced nothing.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxIdlePasses is the number of consecutive passes without progress after
	// which the processor stops rescheduling.
	MaxIdlePasses int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ProgressDelay: 500 * time.Millisecond,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		MaxIdlePasses: 10,
	}
}

// IdleDelay returns the delay before the pass following idlePasses passes without progress.
func (p RetryPolicy) IdleDelay(idlePasses int) time.Duration {
	return JitteredDelay(p.BaseDelay, p.MaxDelay, idlePasses)
}

// Exhausted reports whether idlePasses has used up the retry budget.
func (p RetryPolicy) Exhausted(idlePasses int) bool {
	return p.MaxIdlePasses > 0 && idlePasses >= p.MaxIdlePasses
}

// JitteredDelay returns the attempt-th randomized exponential delay, capped at max.
// attempt starts at 1.
func JitteredDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()

	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
