package signaling

import (
	"sync"
	"time"

	"github.com/avask/conclave/internal/domain"
)

// JoinRateLimiter bounds how often one participant identity may attempt
// to join a room, sliding window per stable id so reconnects share the
// same budget.
type JoinRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
}

func NewJoinRateLimiter(limit int, interval time.Duration) *JoinRateLimiter {
	return &JoinRateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *JoinRateLimiter) Allow(id domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh

	return true
}
