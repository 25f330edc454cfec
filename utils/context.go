package utils

import (
	"context"
	"time"
)

// ContextSleep waits for d and reports whether the full duration elapsed.
// It returns false as soon as ctx is done.
func ContextSleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
