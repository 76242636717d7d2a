package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftwatch/driftwatch/internal/logger"
)

// ControllerConfig bounds how aggressively fixes may be applied.
type ControllerConfig struct {
	MaxFixesPerHour        int           `yaml:"max_fixes_per_hour"`
	Cooldown               time.Duration `yaml:"cooldown"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	EmergencyStopThreshold int           `yaml:"emergency_stop_threshold"`
}

// DefaultControllerConfig returns conservative safety defaults.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		MaxFixesPerHour:        3,
		Cooldown:               10 * time.Minute,
		MaxConsecutiveFailures: 3,
		EmergencyStopThreshold: 10,
	}
}

// Controller composes the rate limiter and cooldown with failure-streak
// and total-failure circuit breaking. It gates every remediation attempt.
type Controller struct {
	mu sync.Mutex

	limiter  *RateLimiter
	cooldown *CooldownManager
	cfg      *ControllerConfig
	log      logger.Logger

	consecutiveFailures int
	totalFailures       int
	emergencyStop       bool
}

// NewController creates a safety controller from the given config.
func NewController(cfg *ControllerConfig) *Controller {
	if cfg == nil {
		cfg = DefaultControllerConfig()
	}
	return &Controller{
		limiter:  NewRateLimiter(cfg.MaxFixesPerHour, time.Hour),
		cooldown: NewCooldownManager(cfg.Cooldown),
		cfg:      cfg,
		log:      logger.New("safety"),
	}
}

// CanPerformFix reports whether a fix attempt is currently allowed, and
// when refused, the reason. Checks run in fixed priority order; the first
// failing check wins.
func (c *Controller) CanPerformFix() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emergencyStop {
		return false, "emergency stop engaged; manual reset required"
	}

	if c.totalFailures >= c.cfg.EmergencyStopThreshold {
		c.emergencyStop = true
		c.log.Error("emergency stop engaged",
			logger.Int("total_failures", c.totalFailures),
			logger.Int("threshold", c.cfg.EmergencyStopThreshold))
		return false, fmt.Sprintf("emergency stop: %d total failures reached threshold %d",
			c.totalFailures, c.cfg.EmergencyStopThreshold)
	}

	if c.consecutiveFailures >= c.cfg.MaxConsecutiveFailures {
		return false, fmt.Sprintf("too many consecutive failures (%d/%d)",
			c.consecutiveFailures, c.cfg.MaxConsecutiveFailures)
	}

	if c.cooldown.InCooldown() {
		return false, fmt.Sprintf("in cooldown for %s", c.cooldown.Remaining().Round(time.Second))
	}

	if !c.limiter.CanPerform() {
		reason := "hourly fix rate limit exhausted"
		if reset, ok := c.limiter.ResetTime(); ok {
			reason = fmt.Sprintf("%s, resets at %s", reason, reset.Format(time.RFC3339))
		}
		return false, reason
	}

	return true, ""
}

// RecordFixAttempt records a fix outcome. Success books a rate-limiter
// slot, starts the cooldown and clears the failure streak. Failure bumps
// both failure counters.
func (c *Controller) RecordFixAttempt(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.limiter.Record()
		c.cooldown.StartCooldown()
		c.consecutiveFailures = 0
		return
	}

	c.consecutiveFailures++
	c.totalFailures++
}

// ResetEmergencyStop clears the emergency stop and zeroes both failure
// counters. Intended for explicit operator action only.
func (c *Controller) ResetEmergencyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emergencyStop = false
	c.consecutiveFailures = 0
	c.totalFailures = 0
	c.log.Warn("emergency stop manually reset")
}

// Status is a point-in-time snapshot of the controller state.
type Status struct {
	EmergencyStop       bool          `json:"emergency_stop"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       int           `json:"total_failures"`
	RemainingFixes      int           `json:"remaining_fixes"`
	InCooldown          bool          `json:"in_cooldown"`
	CooldownRemaining   time.Duration `json:"cooldown_remaining"`
}

// GetStatus returns a snapshot for metrics and operator visibility.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		EmergencyStop:       c.emergencyStop,
		ConsecutiveFailures: c.consecutiveFailures,
		TotalFailures:       c.totalFailures,
		RemainingFixes:      c.limiter.Remaining(),
		InCooldown:          c.cooldown.InCooldown(),
		CooldownRemaining:   c.cooldown.Remaining(),
	}
}
