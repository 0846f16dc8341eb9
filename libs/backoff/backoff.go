// Package backoff computes capped exponential retry delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy is base * 2^(attempt-1), capped at Cap. Attempts are 1-based.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay].
	Jitter bool
}

// Delay returns the wait before retrying after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt-1)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1))
	}
	return d
}

// Exponential returns base * 2^shift, saturating instead of overflowing.
func Exponential(base time.Duration, shift int) time.Duration {
	if base <= 0 {
		return 0
	}
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}

	multiplier := int64(1) << shift
	if int64(base) > (1<<63-1)/multiplier {
		return time.Duration(1<<63 - 1)
	}
	return base * time.Duration(multiplier)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
