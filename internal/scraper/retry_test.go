package scraper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second}

	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 4 * time.Second, // capped
	} {
		got := policy.Backoff(attempt)
		require.GreaterOrEqual(t, got, want, "attempt %d", attempt)
		require.LessOrEqual(t, got, want+want/2+time.Millisecond, "attempt %d jitter bound", attempt)
	}
}

func TestBackoffHandlesBadInput(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	require.Positive(t, policy.Backoff(0))
	require.Positive(t, policy.Backoff(-3))
}
