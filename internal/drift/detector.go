package drift

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftwatch/driftwatch/internal/differ"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/workers"
)

// StateProvider supplies the desired and observed state snapshots for a
// configuration directory. Implementations live outside the core.
type StateProvider interface {
	DesiredState(ctx context.Context, dir string) (map[string]interface{}, error)
	CurrentState(ctx context.Context, dir string) (map[string]interface{}, error)
}

// Config contains detector tuning.
type Config struct {
	MaxWorkers int           `yaml:"max_workers"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers: 4,
		Timeout:    5 * time.Minute,
	}
}

// Detector turns state diffs into classified drift detections.
type Detector struct {
	provider StateProvider
	cfg      *Config
	log      logger.Logger
}

// NewDetector creates a drift detector backed by the given state provider.
func NewDetector(provider StateProvider, cfg *Config) *Detector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Detector{
		provider: provider,
		cfg:      cfg,
		log:      logger.New("drift"),
	}
}

// DirectoryResult is the outcome of checking one configuration directory.
type DirectoryResult struct {
	Dir            string       `json:"dir"`
	TotalResources int          `json:"total_resources"`
	Detections     []*Detection `json:"detections"`
}

// CheckDirectory diffs one configuration directory's desired state against
// observed state and classifies each divergence.
func (d *Detector) CheckDirectory(ctx context.Context, dir string) (*DirectoryResult, error) {
	current, err := d.provider.CurrentState(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("loading current state for %s: %w", dir, err)
	}
	desired, err := d.provider.DesiredState(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("loading desired state for %s: %w", dir, err)
	}

	diffs, err := differ.ComputeStateDiff(current, desired)
	if err != nil {
		return nil, fmt.Errorf("computing state diff for %s: %w", dir, err)
	}

	result := &DirectoryResult{Dir: dir, TotalResources: len(diffs)}
	now := time.Now()
	for _, diff := range diffs {
		if !diff.IsSignificant() {
			continue
		}
		result.Detections = append(result.Detections, d.classify(diff, dir, now))
	}
	return result, nil
}

// CheckDirectories fans drift checks out across directories and reduces
// them into one aggregate report. A directory-level failure is recorded in
// the report and never aborts the aggregate.
func (d *Detector) CheckDirectories(ctx context.Context, dirs []string) *Report {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	report := &Report{
		Timestamp:  time.Now(),
		Detections: make([]*Detection, 0),
		Errors:     make(map[string]string),
	}

	var mu sync.Mutex
	tasks := make([]workers.Task, 0, len(dirs))
	for _, dir := range dirs {
		dir := dir
		tasks = append(tasks, func(ctx context.Context) error {
			result, err := d.CheckDirectory(ctx, dir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.log.Warn("drift check failed for directory",
					logger.String("dir", dir), logger.Error(err))
				report.Errors[dir] = err.Error()
				return nil
			}
			report.TotalResources += result.TotalResources
			report.Detections = append(report.Detections, result.Detections...)
			return nil
		})
	}
	workers.Run(ctx, d.cfg.MaxWorkers, tasks)

	sort.SliceStable(report.Detections, func(i, j int) bool {
		return report.Detections[i].ResourceID < report.Detections[j].ResourceID
	})
	report.DriftedResources = len(report.Detections)
	for _, det := range report.Detections {
		if det.RequiresImmediateAction() {
			report.ImmediateAction = append(report.ImmediateAction, det)
		}
	}
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	return report
}

// classify converts a significant state diff into a drift detection with
// severity derived from field sensitivity.
func (d *Detector) classify(diff *differ.StateDiff, dir string, now time.Time) *Detection {
	det := &Detection{
		ResourceID:   diff.ResourceType + "/" + diff.ResourceName,
		ResourceType: diff.ResourceType,
		Dir:          dir,
		DetectedAt:   now,
		LastChecked:  now,
	}

	switch diff.Kind {
	case differ.DiffCreate:
		det.DriftType = TypeConfiguration
		det.Severity = SeverityHigh
		det.ConfigDrift = &ConfigDrift{Added: diff.Desired}
		det.SuggestedActions = []string{
			fmt.Sprintf("create %s %s from declared configuration", diff.ResourceType, diff.ResourceName),
			fmt.Sprintf("re-run apply pipeline for %s", dir),
		}

	case differ.DiffDelete:
		// Unmanaged resource: observed but no longer declared.
		det.DriftType = TypeExternal
		det.Severity = SeverityMedium
		det.SuggestedActions = []string{
			fmt.Sprintf("review unmanaged %s %s", diff.ResourceType, diff.ResourceName),
			fmt.Sprintf("delete %s %s if no longer needed", diff.ResourceType, diff.ResourceName),
		}

	case differ.DiffUpdate:
		d.classifyUpdate(diff, det, dir)
	}

	det.Score = scoreFor(det.Severity, det.ConfigDrift.FieldCount())
	return det
}

func (d *Detector) classifyUpdate(diff *differ.StateDiff, det *Detection, dir string) {
	config := &ConfigDrift{
		Changed: make(map[string]interface{}),
		Added:   make(map[string]interface{}),
	}
	runtime := &RuntimeDrift{
		Observed: make(map[string]interface{}),
		Expected: make(map[string]interface{}),
	}

	for field, value := range diff.FieldDiffs {
		if IsRuntimeField(field) {
			runtime.Fields = append(runtime.Fields, field)
			runtime.Expected[field] = value
			runtime.Observed[field] = diff.Current[field]
			continue
		}
		switch {
		case value == nil:
			config.Removed = append(config.Removed, field)
		default:
			if _, existed := diff.Current[field]; existed {
				config.Changed[field] = value
			} else {
				config.Added[field] = value
			}
		}
	}
	sort.Strings(config.Removed)
	sort.Strings(runtime.Fields)

	var sensitive, unknown []string
	for _, field := range config.Fields() {
		switch ClassifyField(field) {
		case SensitivitySensitive:
			sensitive = append(sensitive, field)
		case SensitivityUnknown:
			unknown = append(unknown, field)
		}
	}

	hasConfig := config.FieldCount() > 0
	hasRuntime := len(runtime.Fields) > 0

	switch {
	case hasConfig:
		det.DriftType = TypeConfiguration
		det.ConfigDrift = config
		if hasRuntime {
			det.RuntimeDrift = runtime
		}
		switch {
		case len(sensitive) >= 3:
			det.Severity = SeverityCritical
		case len(sensitive) >= 1:
			det.Severity = SeverityHigh
		case len(unknown) >= 1:
			det.Severity = SeverityMedium
		default:
			det.Severity = SeverityLow
		}
	case hasRuntime:
		det.DriftType = TypeRuntime
		det.RuntimeDrift = runtime
		det.Severity = SeverityHigh
	default:
		det.DriftType = TypeNone
		det.Severity = SeverityInfo
	}

	actions := []string{
		fmt.Sprintf("update %d configuration field(s) on %s", config.FieldCount(), det.ResourceID),
		fmt.Sprintf("re-run apply pipeline for %s", dir),
	}
	if len(sensitive) > 0 {
		sort.Strings(sensitive)
		actions = append(actions, "review sensitive field changes: "+strings.Join(sensitive, ", "))
	}
	if !hasConfig && hasRuntime {
		actions = []string{
			fmt.Sprintf("restore runtime state of %s", det.ResourceID),
			fmt.Sprintf("re-run apply pipeline for %s", dir),
		}
	}
	det.SuggestedActions = actions
}

func scoreFor(severity Severity, fieldCount int) float64 {
	var base float64
	switch severity {
	case SeverityCritical:
		base = 90
	case SeverityHigh:
		base = 70
	case SeverityMedium:
		base = 45
	case SeverityLow:
		base = 20
	default:
		base = 5
	}
	bump := float64(fieldCount) * 2
	if bump > 10 {
		bump = 10
	}
	if base+bump > 100 {
		return 100
	}
	return base + bump
}
