package util

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to a fixed number per minute with a burst
// capacity.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute with a burst of one.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstRateLimiter(perMinute, 1)
}

// NewBurstRateLimiter creates a RateLimiter that allows perMinute operations
// per minute and up to burst operations back to back.
func NewBurstRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)}
}

// Allow takes a token without blocking and reports whether one was available.
func (rl *RateLimiter) Allow() bool {
	return rl.lim.Allow()
}

// Wait blocks until a token is available or the context is done. A wait that
// would outlast the context deadline fails at once with
// context.DeadlineExceeded.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	err := rl.lim.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
