package dispatcher

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type recipientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RecipientLimiter is a per-recipient token bucket with automatic
// stale-entry cleanup. A recipient gets at most `limit` notifications per
// rolling window; overflow is reported to the caller, never queued.
type RecipientLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*recipientEntry
	r        rate.Limit
	burst    int
}

// NewRecipientLimiter creates a limiter allowing `limit` deliveries per
// recipient per `window`.
func NewRecipientLimiter(limit int, window time.Duration) *RecipientLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	rl := &RecipientLimiter{
		limiters: make(map[int64]*recipientEntry),
		r:        rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more delivery to the recipient fits the window.
func (rl *RecipientLimiter) Allow(userID int64) bool {
	return rl.get(userID).Allow()
}

func (rl *RecipientLimiter) get(userID int64) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok := rl.limiters[userID]; ok {
		v.lastSeen = time.Now()
		return v.limiter
	}
	l := rate.NewLimiter(rl.r, rl.burst)
	rl.limiters[userID] = &recipientEntry{limiter: l, lastSeen: time.Now()}
	return l
}

// cleanup removes stale entries every 10 minutes.
func (rl *RecipientLimiter) cleanup() {
	for {
		time.Sleep(10 * time.Minute)
		rl.mu.Lock()
		for userID, v := range rl.limiters {
			if time.Since(v.lastSeen) > time.Hour {
				delete(rl.limiters, userID)
			}
		}
		rl.mu.Unlock()
	}
}
