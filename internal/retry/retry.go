// Package retry holds the exponential backoff policy shared by the notifier
// (in-process redelivery) and the recovery worker (queue redelivery delay).
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"evictguard/internal/types"
)

// Policy defines the exponential backoff parameters for a retried operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter spreads each delay uniformly over [d/2, d].
	Jitter bool
	// Retryable decides which failures earn another attempt. Nil means
	// DefaultRetryable.
	Retryable func(err error) bool
}

// DefaultRetryable retries everything not classified as fatal, so an
// unclassified failure is treated as transient.
func DefaultRetryable(err error) bool {
	return err != nil && !types.IsFatal(err)
}

// ShouldRetry reports whether err may be retried under the policy. It does
// not look at the attempt count; see Exhausted.
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

// NotifyPolicy is used by the eviction agent when delivering to the gateway.
// Worst case it spends 250ms + 500ms sleeping plus three request timeouts,
// which keeps delivery inside the eviction notice window.
var NotifyPolicy = Policy{
	MaxAttempts:   3,
	BaseDelay:     250 * time.Millisecond,
	MaxDelay:      2 * time.Second,
	BackoffFactor: 2.0,
}

// Delay returns the wait before retry number attempt (0 for the wait after the
// first failure). The result never exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.BaseDelay)
	for i := 0; i < attempt && delay < float64(p.MaxDelay); i++ {
		delay *= factor
	}

	d := time.Duration(delay)
	if d > p.MaxDelay || d < 0 {
		// d < 0 guards overflow
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + rand.N(d-half+1)
	}
	return d
}

// Exhausted reports whether attemptsMade has used up the policy.
func (p Policy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
