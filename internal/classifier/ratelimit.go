package classifier

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

const DefaultBurst = 5

// ErrRateLimited means the next free call slot lies past the call deadline.
var ErrRateLimited = errors.New("no model call slot before deadline")

// Limiter spaces model calls to a per-minute budget. Up to burst calls go
// out back to back, after which one call is released per interval.
type Limiter struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewLimiter allows perMinute calls per minute. burst <= 0 uses DefaultBurst,
// capped at perMinute.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = min(DefaultBurst, perMinute)
	}
	return &Limiter{
		lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		now: time.Now,
	}
}

// reserve books the next slot and returns how long to wait for it. A slot
// that would start after deadline is handed back.
func (l *Limiter) reserve(deadline time.Time, hasDeadline bool) (time.Duration, error) {
	now := l.now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0, ErrRateLimited
	}
	delay := r.DelayFrom(now)
	if hasDeadline && now.Add(delay).After(deadline) {
		r.CancelAt(now)
		return 0, ErrRateLimited
	}
	return delay, nil
}

// Wait blocks until the caller's slot starts. It fails at once with
// ErrRateLimited when ctx would expire first.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	delay, err := l.reserve(deadline, ok)
	if err != nil || delay == 0 {
		return err
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
