package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	WaitTimeout = 5 * time.Second
)

// WithTimeout polls f until it returns an empty string. f describes the unmet condition otherwise.
func WithTimeout(t *testing.T, f func() string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("did not reach expected state after %v: %s", WaitTimeout, lastErr)
		case <-time.After(time.Millisecond):
			lastErr = f()
			if lastErr == "" {
				return
			}
		}
	}
}

// AdvanceUntil moves a mock clock forward by step on every poll until f is satisfied.
func AdvanceUntil(t *testing.T, mockClock *clock.Mock, step time.Duration, f func() string) {
	t.Helper()

	WithTimeout(t, func() string {
		mockClock.Add(step)
		return f()
	})
}
