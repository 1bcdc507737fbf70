package transfer

import (
	"context"
	"time"
)

// retryDelay computes the wait before retry number attempt (counted from
// zero): minDelay doubled per attempt, clamped to [minDelay, maxDelay].
func retryDelay(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	if minDelay <= 0 {
		minDelay = time.Nanosecond
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	// Past 62 doublings the shift would overflow int64; the clamp wins long
	// before that anyway.
	if attempt < 0 || attempt > 62 {
		return maxDelay
	}
	d := minDelay << uint(attempt)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// sleepRetry waits for delay or until ctx is done, whichever comes first.
func sleepRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
