package retry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes exponential, capped, jittered delays. The zero value is
// unusable; construct with New.
type Backoff struct {
	Base         time.Duration
	Max          time.Duration
	JitterFactor float64
}

func New(base, max time.Duration, jitterFactor float64) Backoff {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if max < base {
		max = base
	}
	if jitterFactor < 0 || jitterFactor >= 1 {
		jitterFactor = 0
	}
	return Backoff{Base: base, Max: max, JitterFactor: jitterFactor}
}

// Delay returns the wait before the given attempt, starting at attempt 1.
// Growth is base*2^(attempt-1) up to Max, with +-JitterFactor of noise so
// multiple instances do not retry in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}

	if b.JitterFactor > 0 {
		j := 1 - b.JitterFactor + rand.Float64()*2*b.JitterFactor
		d = time.Duration(float64(d) * j)
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Wait sleeps for the attempt's delay, returning early with ctx.Err() on
// cancellation.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	return Sleep(ctx, b.Delay(attempt))
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
