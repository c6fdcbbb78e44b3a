package ratelimit

import (
	"context"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time so governor sleeps can be observed in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ceiling returns a limiter enforcing an endpoint's hard request rate.
// X_API_RPS overrides rps when set to a positive number.
func Ceiling(rps float64) *rate.Limiter {
	if v := os.Getenv("X_API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}
