package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/patch"
)

// Config holds the daemon's operating parameters. Construction never
// fails; the daemon refuses to start while Validate returns violations.
type Config struct {
	WatchPaths                []string     `yaml:"watch_paths" validate:"required,min=1"`
	CheckIntervalSeconds      int          `yaml:"check_interval_seconds" validate:"gte=10"`
	AutoFixPolicy             patch.Policy `yaml:"auto_fix_policy"`
	MaxFixesPerHour           int          `yaml:"max_fixes_per_hour" validate:"gte=1"`
	CooldownMinutes           int          `yaml:"cooldown_minutes" validate:"gte=1"`
	MaxConsecutiveFailures    int          `yaml:"max_consecutive_failures" validate:"gte=1"`
	EmergencyStopThreshold    int          `yaml:"emergency_stop_threshold" validate:"gte=1"`
	DriftCheckIntervalMinutes int          `yaml:"drift_check_interval_minutes" validate:"gte=1"`
	WatchPatterns             []string     `yaml:"watch_patterns"`
	IgnorePatterns            []string     `yaml:"ignore_patterns"`
	StepTimeoutSeconds        int          `yaml:"step_timeout_seconds" validate:"gte=1"`
	RunbookDir                string       `yaml:"runbook_dir"`
	HistoryPath               string       `yaml:"history_path"`
	ApplyCommand              []string     `yaml:"apply_command"`
	MaxWorkers                int          `yaml:"max_workers"`
	MetricsAddr               string       `yaml:"metrics_addr"`

	Logging logger.Config `yaml:"logging"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		WatchPaths:                []string{"."},
		CheckIntervalSeconds:      30,
		AutoFixPolicy:             patch.PolicyConservative,
		MaxFixesPerHour:           3,
		CooldownMinutes:           10,
		MaxConsecutiveFailures:    3,
		EmergencyStopThreshold:    10,
		DriftCheckIntervalMinutes: 15,
		WatchPatterns:             []string{"*.cw"},
		IgnorePatterns:            []string{".*", "*~"},
		StepTimeoutSeconds:        300,
		RunbookDir:                "runbooks",
		MaxWorkers:                4,
		MetricsAddr:               "",
		Logging:                   logger.Config{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate returns human-readable violations, empty when the config is
// usable.
func (c *Config) Validate() []string {
	var violations []string

	v := validator.New()
	if err := v.Struct(c); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrors {
				violations = append(violations, describeFieldError(fe))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	if !c.AutoFixPolicy.Valid() {
		violations = append(violations, fmt.Sprintf("auto_fix_policy %q is not one of disabled, conservative, moderate, aggressive", c.AutoFixPolicy))
	}

	for _, path := range c.WatchPaths {
		info, err := os.Stat(path)
		if err != nil {
			violations = append(violations, fmt.Sprintf("watch path %q does not exist", path))
			continue
		}
		if !info.IsDir() {
			violations = append(violations, fmt.Sprintf("watch path %q is not a directory", path))
		}
	}

	return violations
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "min":
		return fmt.Sprintf("%s must not be empty", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be at least %s (got %v)", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// CheckInterval returns the tick interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// Cooldown returns the post-fix quiet period.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// DriftCheckInterval returns how often drift checks run.
func (c *Config) DriftCheckInterval() time.Duration {
	return time.Duration(c.DriftCheckIntervalMinutes) * time.Minute
}

// StepTimeout returns the per-step apply timeout.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}
