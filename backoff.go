package tokenrefresh

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoffPolicy computes the delay between refresh attempts within one cycle.
// Delays grow exponentially from baseDelay by factor, capped at maxDelay.
// With jitter disabled the sequence is strictly monotonic non-decreasing;
// with jitter enabled the +-10% band keeps it non-decreasing for any
// factor >= 1.25.
type backoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	factor    float64
	jitter    bool
}

// delayFor returns the wait before the next attempt, where attempt is the
// 1-based number of the attempt that just failed.
func (p backoffPolicy) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(p.factor, float64(attempt-1))
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if p.jitter && delay > 0 {
		delay += delay * 0.1 * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// waitFunc pauses between retry attempts. The manager's default honors
// context cancellation; tests substitute a function that returns immediately
// so retry behavior is deterministic without wall-clock sleeps.
type waitFunc func(ctx context.Context, d time.Duration) error

func defaultWait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
