package ratelimit

import (
	"context"
	"time"
)

// Throttle pauses every Every processed items regardless of errors, keeping
// an identity below the provider's soft ceiling.
type Throttle struct {
	every int
	pause time.Duration
	sleep func(context.Context, time.Duration) error
	count int
}

// NewThrottle returns a Throttle; every <= 0 disables it.
func NewThrottle(every int, pause time.Duration, sleep func(context.Context, time.Duration) error) *Throttle {
	return &Throttle{every: every, pause: pause, sleep: sleep}
}

// Tick records one processed item and sleeps when the interval is reached.
// It reports whether it paused.
func (t *Throttle) Tick(ctx context.Context) (bool, error) {
	if t == nil || t.every <= 0 || t.pause <= 0 {
		return false, nil
	}
	t.count++
	if t.count%t.every != 0 {
		return false, nil
	}
	if t.sleep == nil {
		return true, sleepCtx(ctx, t.pause)
	}
	return true, t.sleep(ctx, t.pause)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
