package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/huddle/internal/domain"
)

// sweepEvery is how many windows pass between purges of idle identities.
const sweepEvery = 60

// RateLimiter admits at most limit intents per identity within a sliding
// interval. All connections of an identity share one budget.
type RateLimiter struct {
	mu        sync.Mutex
	clock     clock.Clock
	history   map[domain.Identity][]time.Time
	limit     int
	interval  time.Duration
	lastSweep time.Time
}

func NewRateLimiter(limit int, interval time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		clock:     clk,
		history:   make(map[domain.Identity][]time.Time),
		limit:     limit,
		interval:  interval,
		lastSweep: clk.Now(),
	}
}

// Allow records an attempt for id and reports whether it is within budget.
// A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(id domain.Identity) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)
	rl.sweep(now, windowStart)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *RateLimiter) sweep(now, windowStart time.Time) {
	if now.Sub(rl.lastSweep) < sweepEvery*rl.interval {
		return
	}
	rl.lastSweep = now
	for id, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, id)
		}
	}
}

// Tracked reports how many identities currently hold history.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}
