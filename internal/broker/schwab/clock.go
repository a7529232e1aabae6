package schwab

import (
	"context"
	"time"
)

// Clock abstracts time so rate-limit throttling and retry backoff can run
// under a simulated clock in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
