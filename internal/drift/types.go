// Package drift classifies divergence between desired and observed
// resource state into actionable drift records.
package drift

import "time"

// Type categorizes the origin of a resource's divergence.
type Type string

const (
	TypeConfiguration Type = "configuration"
	TypeRuntime       Type = "runtime"
	TypeExternal      Type = "external"
	TypeNone          Type = "none"
)

// Severity indicates how urgently drift needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ConfigDrift describes declared-configuration divergence for one resource.
type ConfigDrift struct {
	// Changed maps modified field paths to their desired values.
	Changed map[string]interface{} `json:"changed,omitempty"`
	// Added maps fields present in desired but absent from current state.
	Added map[string]interface{} `json:"added,omitempty"`
	// Removed lists fields present in current state but absent from desired.
	Removed []string `json:"removed,omitempty"`
}

// FieldCount returns the number of distinct fields involved.
func (c *ConfigDrift) FieldCount() int {
	if c == nil {
		return 0
	}
	return len(c.Changed) + len(c.Added) + len(c.Removed)
}

// Fields returns the union of changed, added and removed field names.
func (c *ConfigDrift) Fields() []string {
	if c == nil {
		return nil
	}
	fields := make([]string, 0, c.FieldCount())
	for f := range c.Changed {
		fields = append(fields, f)
	}
	for f := range c.Added {
		fields = append(fields, f)
	}
	fields = append(fields, c.Removed...)
	return fields
}

// RuntimeDrift describes observed-runtime divergence for one resource.
type RuntimeDrift struct {
	Fields   []string               `json:"fields,omitempty"`
	Observed map[string]interface{} `json:"observed,omitempty"`
	Expected map[string]interface{} `json:"expected,omitempty"`
}

// Detection is the classification of one resource's divergence, produced
// fresh on each drift check.
type Detection struct {
	ResourceID       string        `json:"resource_id"`
	ResourceType     string        `json:"resource_type"`
	Dir              string        `json:"dir,omitempty"`
	DriftType        Type          `json:"drift_type"`
	Severity         Severity      `json:"severity"`
	DetectedAt       time.Time     `json:"detected_at"`
	LastChecked      time.Time     `json:"last_checked"`
	ConfigDrift      *ConfigDrift  `json:"config_drift,omitempty"`
	RuntimeDrift     *RuntimeDrift `json:"runtime_drift,omitempty"`
	SuggestedActions []string      `json:"suggested_actions,omitempty"`
	Score            float64       `json:"drift_score"`
}

// IsStale reports whether the detection was last checked more than maxAge ago.
func (d *Detection) IsStale(maxAge time.Duration) bool {
	return time.Since(d.LastChecked) > maxAge
}

// RequiresImmediateAction reports whether the severity demands attention
// within the current reconciliation cycle.
func (d *Detection) RequiresImmediateAction() bool {
	return d.Severity == SeverityCritical || d.Severity == SeverityHigh
}

// Report aggregates drift checks across configuration directories.
type Report struct {
	Timestamp        time.Time         `json:"timestamp"`
	TotalResources   int               `json:"total_resources"`
	DriftedResources int               `json:"drifted_resources"`
	Detections       []*Detection      `json:"detections"`
	ImmediateAction  []*Detection      `json:"immediate_action"`
	Errors           map[string]string `json:"errors,omitempty"`
}

// HasDrift reports whether any resource drifted.
func (r *Report) HasDrift() bool {
	return r.DriftedResources > 0
}
