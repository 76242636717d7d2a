// Package safety gates remediation attempts behind a sliding-window rate
// limit, a post-fix cooldown and failure-streak circuit breaking.
package safety

import (
	"sync"
	"time"
)

// RateLimiter caps operation count within a trailing time window.
type RateLimiter struct {
	mu      sync.Mutex
	maxOps  int
	window  time.Duration
	ops     []time.Time
	nowFunc func() time.Time
}

// NewRateLimiter creates a sliding-window limiter allowing maxOps
// operations per window.
func NewRateLimiter(maxOps int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxOps:  maxOps,
		window:  window,
		nowFunc: time.Now,
	}
}

// CanPerform reports whether another operation fits in the current window.
func (rl *RateLimiter) CanPerform() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.prune(rl.nowFunc())
	return len(rl.ops) < rl.maxOps
}

// Record re-checks the window and, if capacity remains, records the
// operation. The check and the append happen under one lock so concurrent
// callers cannot double-book the last slot.
func (rl *RateLimiter) Record() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.nowFunc()
	rl.prune(now)
	if len(rl.ops) >= rl.maxOps {
		return false
	}
	rl.ops = append(rl.ops, now)
	return true
}

// Remaining returns the number of operations left in the current window.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.prune(rl.nowFunc())
	return rl.maxOps - len(rl.ops)
}

// ResetTime returns when the oldest in-window operation expires. The
// second return value is false when no operation is recorded.
func (rl *RateLimiter) ResetTime() (time.Time, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.prune(rl.nowFunc())
	if len(rl.ops) == 0 {
		return time.Time{}, false
	}
	return rl.ops[0].Add(rl.window), true
}

// prune drops timestamps that fell out of the window. Caller holds the lock.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.ops) && !rl.ops[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.ops = rl.ops[i:]
	}
}
