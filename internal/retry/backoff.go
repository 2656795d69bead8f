// Package retry holds the exponential backoff schedule shared by background
// workers.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential retry schedule.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(max(0, attempt-1)))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Wait sleeps for the delay of attempt. It returns ctx.Err() when the context
// ends first.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
