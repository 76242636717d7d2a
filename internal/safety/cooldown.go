package safety

import (
	"sync"
	"time"
)

// CooldownManager enforces a quiet period after a successful fix.
type CooldownManager struct {
	mu       sync.Mutex
	duration time.Duration
	started  time.Time
	nowFunc  func() time.Time
}

// NewCooldownManager creates a cooldown of the given duration.
func NewCooldownManager(duration time.Duration) *CooldownManager {
	return &CooldownManager{
		duration: duration,
		nowFunc:  time.Now,
	}
}

// StartCooldown begins (or restarts) the cooldown period.
func (cm *CooldownManager) StartCooldown() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.started = cm.nowFunc()
}

// InCooldown reports whether the quiet period is still in effect.
func (cm *CooldownManager) InCooldown() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.started.IsZero() {
		return false
	}
	return cm.nowFunc().Sub(cm.started) < cm.duration
}

// Remaining returns how much of the cooldown is left, or zero.
func (cm *CooldownManager) Remaining() time.Duration {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.started.IsZero() {
		return 0
	}
	remaining := cm.duration - cm.nowFunc().Sub(cm.started)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// End returns when the current cooldown expires. The second return value
// is false when no cooldown has started.
func (cm *CooldownManager) End() (time.Time, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.started.IsZero() {
		return time.Time{}, false
	}
	return cm.started.Add(cm.duration), true
}
