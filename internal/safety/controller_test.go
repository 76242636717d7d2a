package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestController(cfg *ControllerConfig, clock *fakeClock) *Controller {
	c := NewController(cfg)
	c.limiter.nowFunc = clock.Now
	c.cooldown.nowFunc = clock.Now
	return c
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows_up_to_max_then_refuses", func(t *testing.T) {
		clock := newFakeClock()
		rl := NewRateLimiter(2, time.Hour)
		rl.nowFunc = clock.Now

		assert.True(t, rl.Record())
		assert.True(t, rl.Record())
		assert.False(t, rl.CanPerform())
		assert.False(t, rl.Record())
		assert.Equal(t, 0, rl.Remaining())
	})

	t.Run("slots_free_as_window_slides", func(t *testing.T) {
		clock := newFakeClock()
		rl := NewRateLimiter(2, time.Hour)
		rl.nowFunc = clock.Now

		require.True(t, rl.Record())
		clock.Advance(30 * time.Minute)
		require.True(t, rl.Record())
		assert.False(t, rl.CanPerform())

		// First op expires after one hour; one slot frees up.
		clock.Advance(31 * time.Minute)
		assert.True(t, rl.CanPerform())
		assert.Equal(t, 1, rl.Remaining())
	})

	t.Run("reset_time_tracks_oldest_operation", func(t *testing.T) {
		clock := newFakeClock()
		rl := NewRateLimiter(3, time.Hour)
		rl.nowFunc = clock.Now

		_, ok := rl.ResetTime()
		assert.False(t, ok)

		start := clock.Now()
		require.True(t, rl.Record())
		clock.Advance(10 * time.Minute)
		require.True(t, rl.Record())

		reset, ok := rl.ResetTime()
		require.True(t, ok)
		assert.Equal(t, start.Add(time.Hour), reset)
	})
}

func TestCooldownManager(t *testing.T) {
	clock := newFakeClock()
	cm := NewCooldownManager(10 * time.Minute)
	cm.nowFunc = clock.Now

	assert.False(t, cm.InCooldown())
	assert.Equal(t, time.Duration(0), cm.Remaining())
	_, ok := cm.End()
	assert.False(t, ok)

	cm.StartCooldown()
	assert.True(t, cm.InCooldown())
	assert.Equal(t, 10*time.Minute, cm.Remaining())

	clock.Advance(6 * time.Minute)
	assert.True(t, cm.InCooldown())
	assert.Equal(t, 4*time.Minute, cm.Remaining())

	clock.Advance(5 * time.Minute)
	assert.False(t, cm.InCooldown())
	assert.Equal(t, time.Duration(0), cm.Remaining())
}

func TestControllerCanPerformFix(t *testing.T) {
	cfg := &ControllerConfig{
		MaxFixesPerHour:        2,
		Cooldown:               10 * time.Minute,
		MaxConsecutiveFailures: 3,
		EmergencyStopThreshold: 5,
	}

	t.Run("fresh_controller_allows_fix", func(t *testing.T) {
		c := newTestController(cfg, newFakeClock())
		allowed, reason := c.CanPerformFix()
		assert.True(t, allowed)
		assert.Empty(t, reason)
	})

	t.Run("success_starts_cooldown_and_books_rate_slot", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestController(cfg, clock)

		c.RecordFixAttempt(true)

		allowed, reason := c.CanPerformFix()
		assert.False(t, allowed)
		assert.Contains(t, reason, "cooldown")

		// Past the cooldown one rate slot remains.
		clock.Advance(11 * time.Minute)
		allowed, _ = c.CanPerformFix()
		assert.True(t, allowed)
		assert.Equal(t, 1, c.GetStatus().RemainingFixes)
	})

	t.Run("rate_limit_refuses_after_budget_spent", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestController(cfg, clock)

		c.RecordFixAttempt(true)
		clock.Advance(11 * time.Minute)
		c.RecordFixAttempt(true)
		clock.Advance(11 * time.Minute)

		allowed, reason := c.CanPerformFix()
		assert.False(t, allowed)
		assert.Contains(t, reason, "rate limit")

		// The window slides: the first fix expires an hour after it ran.
		clock.Advance(40 * time.Minute)
		allowed, _ = c.CanPerformFix()
		assert.True(t, allowed)
	})

	t.Run("consecutive_failures_trip_the_breaker", func(t *testing.T) {
		c := newTestController(cfg, newFakeClock())

		c.RecordFixAttempt(false)
		c.RecordFixAttempt(false)
		allowed, _ := c.CanPerformFix()
		assert.True(t, allowed)

		c.RecordFixAttempt(false)
		allowed, reason := c.CanPerformFix()
		assert.False(t, allowed)
		assert.Contains(t, reason, "consecutive failures")
	})

	t.Run("success_resets_failure_streak_but_not_total", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestController(cfg, clock)

		c.RecordFixAttempt(false)
		c.RecordFixAttempt(false)
		c.RecordFixAttempt(true)

		status := c.GetStatus()
		assert.Equal(t, 0, status.ConsecutiveFailures)
		assert.Equal(t, 2, status.TotalFailures)
	})

	t.Run("total_failures_engage_emergency_stop", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestController(cfg, clock)

		// Interleave successes so the consecutive breaker never trips;
		// the total still accumulates to the emergency threshold.
		for i := 0; i < 5; i++ {
			c.RecordFixAttempt(false)
			c.RecordFixAttempt(false)
			c.RecordFixAttempt(true)
			clock.Advance(2 * time.Hour)
		}
		require.GreaterOrEqual(t, c.GetStatus().TotalFailures, cfg.EmergencyStopThreshold)

		allowed, reason := c.CanPerformFix()
		assert.False(t, allowed)
		assert.Contains(t, reason, "emergency stop")

		// Once engaged it latches even after time passes.
		clock.Advance(24 * time.Hour)
		allowed, reason = c.CanPerformFix()
		assert.False(t, allowed)
		assert.Contains(t, reason, "manual reset")
		assert.True(t, c.GetStatus().EmergencyStop)
	})

	t.Run("reset_emergency_stop_restores_operation", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestController(cfg, clock)

		for i := 0; i < 5; i++ {
			c.RecordFixAttempt(false)
			c.RecordFixAttempt(false)
			c.RecordFixAttempt(true)
			clock.Advance(2 * time.Hour)
		}
		allowed, _ := c.CanPerformFix()
		require.False(t, allowed)

		c.ResetEmergencyStop()
		status := c.GetStatus()
		assert.False(t, status.EmergencyStop)
		assert.Equal(t, 0, status.TotalFailures)
		assert.Equal(t, 0, status.ConsecutiveFailures)

		allowed, _ = c.CanPerformFix()
		assert.True(t, allowed)
	})
}

func TestControllerConcurrentRecording(t *testing.T) {
	// The last rate-limiter slot must never be double-booked.
	clock := newFakeClock()
	c := newTestController(&ControllerConfig{
		MaxFixesPerHour:        5,
		Cooldown:               time.Nanosecond,
		MaxConsecutiveFailures: 100,
		EmergencyStopThreshold: 100,
	}, clock)

	done := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func() {
			done <- c.limiter.Record()
		}()
	}

	recorded := 0
	for i := 0; i < 20; i++ {
		if <-done {
			recorded++
		}
	}
	assert.Equal(t, 5, recorded)
	assert.Equal(t, 0, c.GetStatus().RemainingFixes)
}
