// Package patch decides how drifted resources get fixed: by re-running
// the apply pipeline, by a configuration change, or by a generated
// runbook for manual remediation.
package patch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/driftwatch/driftwatch/internal/drift"
	"github.com/driftwatch/driftwatch/internal/logger"
)

// Type is the category of fix the engine selected.
type Type string

const (
	TypeArtifact Type = "artifact_patch"
	TypeConfig   Type = "config_patch"
	TypeRunbook  Type = "runbook"
	TypeNoAction Type = "no_action"
)

// RiskLevel grades the blast radius of applying a fix.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// destructiveKeywords trigger the unconditional runbook guard when found
// in any suggested action, regardless of policy.
var destructiveKeywords = []string{
	"delete",
	"destroy",
	"remove",
	"purge",
	"reset",
	"rotate_secrets",
	"change_security_context",
	"escalate_privileges",
}

// criticalRemovedFields force a runbook when they disappear from the
// declared configuration.
var criticalRemovedFields = map[string]bool{
	"image":      true,
	"command":    true,
	"entrypoint": true,
	"volumes":    true,
}

// Decision is the engine's verdict for one drifted resource. Computed
// once per drift event and immutable afterwards.
type Decision struct {
	PatchType        Type                   `json:"patch_type"`
	ShouldAutoApply  bool                   `json:"should_auto_apply"`
	Risk             RiskLevel              `json:"risk_level"`
	Reason           string                 `json:"reason"`
	Description      string                 `json:"description"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
	SuggestedChanges map[string]interface{} `json:"suggested_changes,omitempty"`
	RiskFactors      []string               `json:"risk_factors,omitempty"`
	Context          map[string]interface{} `json:"additional_context,omitempty"`
}

// Engine classifies drift into patch types under a fix policy.
type Engine struct {
	log logger.Logger
}

// NewEngine creates a patch decision engine.
func NewEngine() *Engine {
	return &Engine{log: logger.New("patch")}
}

// Decide resolves a fix decision for one drifted resource. It never fails:
// malformed drift input and unexpected panics degrade to a runbook
// decision so the reconciliation loop keeps running.
func (e *Engine) Decide(resourceID, resourceType string, det *drift.Detection, policy Policy) (decision *Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("patch analysis failed, degrading to runbook",
				logger.String("resource", resourceID), logger.Any("panic", r))
			decision = e.runbookFallback(resourceID, fmt.Sprintf("analysis failure: %v", r))
		}
	}()

	if det == nil {
		return e.runbookFallback(resourceID, "no drift details available")
	}

	// Destructive-operation guard. Unconditional: bypasses all policy
	// settings.
	if factor, destructive := e.detectDestructive(det); destructive {
		return &Decision{
			PatchType:        TypeRunbook,
			ShouldAutoApply:  false,
			Risk:             RiskCritical,
			Reason:           "destructive operation detected: " + factor,
			Description:      fmt.Sprintf("remediating %s requires a destructive operation and must be reviewed by an operator", resourceID),
			SuggestedActions: det.SuggestedActions,
			RiskFactors:      []string{factor},
			Context:          decisionContext(resourceID, resourceType, det, policy),
		}
	}

	analysis := analyzeChanges(det.ConfigDrift)

	switch {
	case analysis.configScoped():
		return e.decideConfigPatch(resourceID, resourceType, det, policy, analysis)
	case analysis.total > 0:
		return e.decideArtifactPatch(resourceID, resourceType, det, policy, false)
	case det.RuntimeDrift != nil && len(det.RuntimeDrift.Fields) > 0:
		return e.decideArtifactPatch(resourceID, resourceType, det, policy, true)
	default:
		return e.decideNoAction(resourceID, resourceType, det, policy)
	}
}

// changeAnalysis partitions drifted config fields by sensitivity.
type changeAnalysis struct {
	sensitive []string
	safe      []string
	unknown   []string
	total     int
}

// configScoped reports whether any field falls outside the safe set.
func (a changeAnalysis) configScoped() bool {
	return len(a.sensitive)+len(a.unknown) > 0
}

func analyzeChanges(config *drift.ConfigDrift) changeAnalysis {
	var a changeAnalysis
	fields := config.Fields()
	a.total = len(fields)
	for _, field := range fields {
		switch drift.ClassifyField(field) {
		case drift.SensitivitySensitive:
			a.sensitive = append(a.sensitive, field)
		case drift.SensitivitySafe:
			a.safe = append(a.safe, field)
		default:
			a.unknown = append(a.unknown, field)
		}
	}
	sort.Strings(a.sensitive)
	sort.Strings(a.safe)
	sort.Strings(a.unknown)
	return a
}

// detectDestructive applies the unconditional runbook guard: destructive
// keywords in suggested actions or critical fields removed from config.
func (e *Engine) detectDestructive(det *drift.Detection) (string, bool) {
	for _, action := range det.SuggestedActions {
		lowered := strings.ToLower(action)
		for _, keyword := range destructiveKeywords {
			if strings.Contains(lowered, keyword) {
				return fmt.Sprintf("suggested action %q matches destructive keyword %q", action, keyword), true
			}
		}
	}
	if det.ConfigDrift != nil {
		for _, removed := range det.ConfigDrift.Removed {
			if criticalRemovedFields[strings.ToLower(removed)] {
				return fmt.Sprintf("critical field %q removed from configuration", removed), true
			}
		}
	}
	return "", false
}

func (e *Engine) decideConfigPatch(resourceID, resourceType string, det *drift.Detection, policy Policy, analysis changeAnalysis) *Decision {
	risk := RiskLow
	switch {
	case len(analysis.sensitive) > 2:
		risk = RiskHigh
	case len(analysis.sensitive) >= 1:
		risk = RiskMedium
	}

	autoApply := false
	switch policy {
	case PolicyAggressive:
		autoApply = risk <= RiskMedium
	case PolicyModerate:
		autoApply = risk == RiskLow && len(analysis.sensitive) == 0
	}

	var riskFactors []string
	for _, field := range analysis.sensitive {
		riskFactors = append(riskFactors, "sensitive field: "+field)
	}
	for _, field := range analysis.unknown {
		riskFactors = append(riskFactors, "unclassified field: "+field)
	}

	return &Decision{
		PatchType:        TypeConfig,
		ShouldAutoApply:  autoApply,
		Risk:             risk,
		Reason:           fmt.Sprintf("%d field(s) outside the safe set require a configuration change", len(analysis.sensitive)+len(analysis.unknown)),
		Description:      fmt.Sprintf("declared configuration of %s must change to converge with desired state", resourceID),
		SuggestedActions: det.SuggestedActions,
		SuggestedChanges: suggestedChanges(det.ConfigDrift),
		RiskFactors:      riskFactors,
		Context:          decisionContext(resourceID, resourceType, det, policy),
	}
}

func (e *Engine) decideArtifactPatch(resourceID, resourceType string, det *drift.Detection, policy Policy, runtimeOnly bool) *Decision {
	risk := RiskLow
	if det.Severity == drift.SeverityCritical {
		risk = RiskMedium
	}

	reason := "only safe fields changed; re-running the apply pipeline converges state"
	var riskFactors []string
	if runtimeOnly {
		reason = "runtime-only drift; re-running the apply pipeline restores declared state"
		riskFactors = []string{"runtime_only"}
	}

	return &Decision{
		PatchType:        TypeArtifact,
		ShouldAutoApply:  policy != PolicyDisabled,
		Risk:             risk,
		Reason:           reason,
		Description:      fmt.Sprintf("re-apply pipeline for %s without modifying configuration", resourceID),
		SuggestedActions: det.SuggestedActions,
		SuggestedChanges: suggestedChanges(det.ConfigDrift),
		RiskFactors:      riskFactors,
		Context:          decisionContext(resourceID, resourceType, det, policy),
	}
}

func (e *Engine) decideNoAction(resourceID, resourceType string, det *drift.Detection, policy Policy) *Decision {
	actions := det.SuggestedActions
	if len(actions) == 0 {
		actions = []string{"manual review recommended"}
	}
	return &Decision{
		PatchType:        TypeNoAction,
		ShouldAutoApply:  false,
		Risk:             RiskLow,
		Reason:           "no actionable configuration or runtime drift",
		Description:      fmt.Sprintf("no automated fix available for %s", resourceID),
		SuggestedActions: actions,
		Context:          decisionContext(resourceID, resourceType, det, policy),
	}
}

// runbookFallback is the safe default when analysis cannot complete.
func (e *Engine) runbookFallback(resourceID, reason string) *Decision {
	return &Decision{
		PatchType:        TypeRunbook,
		ShouldAutoApply:  false,
		Risk:             RiskHigh,
		Reason:           reason,
		Description:      fmt.Sprintf("drift on %s could not be analyzed; manual remediation required", resourceID),
		SuggestedActions: []string{"manual review recommended"},
		RiskFactors:      []string{"analysis_failure"},
	}
}

// suggestedChanges flattens a config drift into the field→value map a
// config patch would apply; removed fields map to nil.
func suggestedChanges(config *drift.ConfigDrift) map[string]interface{} {
	if config == nil || config.FieldCount() == 0 {
		return nil
	}
	changes := make(map[string]interface{}, config.FieldCount())
	for field, value := range config.Changed {
		changes[field] = value
	}
	for field, value := range config.Added {
		changes[field] = value
	}
	for _, field := range config.Removed {
		changes[field] = nil
	}
	return changes
}

func decisionContext(resourceID, resourceType string, det *drift.Detection, policy Policy) map[string]interface{} {
	return map[string]interface{}{
		"resource_id":   resourceID,
		"resource_type": resourceType,
		"drift_type":    det.DriftType,
		"severity":      det.Severity,
		"drift_score":   det.Score,
		"policy":        policy,
		"config_dir":    det.Dir,
	}
}
