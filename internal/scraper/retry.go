package scraper

import (
	"math/rand"
	"time"
)

// Policy bounds retry behaviour for transient fetch failures. It is
// independent of how the attempts are scheduled.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy matches the scraper config defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    30 * time.Second,
}

// Backoff returns the delay before the given retry. Attempt numbering starts
// at 1, so Backoff(1) is the wait after the first failure. Exponential with
// a cap, plus up to 50% jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	delay := base << (attempt - 1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay <= 0 {
		delay = p.MaxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}
