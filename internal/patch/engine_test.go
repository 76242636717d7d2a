package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/drift"
)

func detection(config *drift.ConfigDrift, actions ...string) *drift.Detection {
	return &drift.Detection{
		ResourceID:       "deployments/api",
		ResourceType:     "deployments",
		DriftType:        drift.TypeConfiguration,
		Severity:         drift.SeverityHigh,
		ConfigDrift:      config,
		SuggestedActions: actions,
	}
}

func TestEngineDecide(t *testing.T) {
	engine := NewEngine()

	t.Run("destructive_action_forces_runbook_under_every_policy", func(t *testing.T) {
		det := detection(
			&drift.ConfigDrift{Changed: map[string]interface{}{"retries": 5}},
			"delete volume /data from deployments/api",
		)

		for _, policy := range []Policy{PolicyDisabled, PolicyConservative, PolicyModerate, PolicyAggressive} {
			decision := engine.Decide("deployments/api", "deployments", det, policy)
			assert.Equal(t, TypeRunbook, decision.PatchType, "policy %s", policy)
			assert.False(t, decision.ShouldAutoApply, "policy %s", policy)
			assert.Equal(t, RiskCritical, decision.Risk, "policy %s", policy)
		}
	})

	t.Run("critical_field_removal_forces_runbook", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{Removed: []string{"image"}})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyAggressive)
		assert.Equal(t, TypeRunbook, decision.PatchType)
		assert.Equal(t, RiskCritical, decision.Risk)
		require.Len(t, decision.RiskFactors, 1)
		assert.Contains(t, decision.RiskFactors[0], "image")
	})

	t.Run("safe_fields_only_yield_auto_artifact_patch_under_conservative", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{Changed: map[string]interface{}{"retries": 5}})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyConservative)
		assert.Equal(t, TypeArtifact, decision.PatchType)
		assert.True(t, decision.ShouldAutoApply)
		assert.Equal(t, RiskLow, decision.Risk)
	})

	t.Run("artifact_patch_never_auto_applies_when_disabled", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{Changed: map[string]interface{}{"retries": 5}})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyDisabled)
		assert.Equal(t, TypeArtifact, decision.PatchType)
		assert.False(t, decision.ShouldAutoApply)
	})

	t.Run("sensitive_field_yields_config_patch_no_auto_under_conservative", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{Changed: map[string]interface{}{"ports": 8080}})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyConservative)
		assert.Equal(t, TypeConfig, decision.PatchType)
		assert.False(t, decision.ShouldAutoApply)
		assert.Equal(t, RiskMedium, decision.Risk)
	})

	t.Run("sensitive_field_auto_applies_under_aggressive", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{Changed: map[string]interface{}{"ports": 8080}})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyAggressive)
		assert.Equal(t, TypeConfig, decision.PatchType)
		assert.True(t, decision.ShouldAutoApply)
	})

	t.Run("three_sensitive_fields_are_high_risk_even_aggressive", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{Changed: map[string]interface{}{
			"ports":   8080,
			"volumes": "/data",
			"secrets": "rotated",
		}})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyAggressive)
		assert.Equal(t, TypeConfig, decision.PatchType)
		assert.Equal(t, RiskHigh, decision.Risk)
		assert.False(t, decision.ShouldAutoApply)
	})

	t.Run("unknown_fields_route_to_config_patch", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{Changed: map[string]interface{}{"replicas": 3}})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyModerate)
		assert.Equal(t, TypeConfig, decision.PatchType)
		assert.Equal(t, RiskLow, decision.Risk)
		assert.True(t, decision.ShouldAutoApply)
	})

	t.Run("runtime_only_drift_yields_artifact_patch", func(t *testing.T) {
		det := &drift.Detection{
			ResourceID:   "deployments/api",
			ResourceType: "deployments",
			DriftType:    drift.TypeRuntime,
			Severity:     drift.SeverityHigh,
			RuntimeDrift: &drift.RuntimeDrift{Fields: []string{"status"}},
		}

		decision := engine.Decide("deployments/api", "deployments", det, PolicyConservative)
		assert.Equal(t, TypeArtifact, decision.PatchType)
		assert.True(t, decision.ShouldAutoApply)
		assert.Contains(t, decision.RiskFactors, "runtime_only")
	})

	t.Run("no_actionable_drift_yields_no_action", func(t *testing.T) {
		det := detection(nil)

		decision := engine.Decide("deployments/api", "deployments", det, PolicyAggressive)
		assert.Equal(t, TypeNoAction, decision.PatchType)
		assert.False(t, decision.ShouldAutoApply)
		assert.NotEmpty(t, decision.SuggestedActions)
	})

	t.Run("nil_detection_degrades_to_runbook", func(t *testing.T) {
		decision := engine.Decide("deployments/api", "deployments", nil, PolicyAggressive)
		assert.Equal(t, TypeRunbook, decision.PatchType)
		assert.False(t, decision.ShouldAutoApply)
		assert.Equal(t, RiskHigh, decision.Risk)
	})

	t.Run("suggested_changes_flatten_drift_with_nil_removals", func(t *testing.T) {
		det := detection(&drift.ConfigDrift{
			Changed: map[string]interface{}{"replicas": 3},
			Added:   map[string]interface{}{"annotations": "x"},
			Removed: []string{"debug"},
		})

		decision := engine.Decide("deployments/api", "deployments", det, PolicyModerate)
		require.NotNil(t, decision.SuggestedChanges)
		assert.Equal(t, 3, decision.SuggestedChanges["replicas"])
		assert.Equal(t, "x", decision.SuggestedChanges["annotations"])
		require.Contains(t, decision.SuggestedChanges, "debug")
		assert.Nil(t, decision.SuggestedChanges["debug"])
	})
}

func TestPolicy(t *testing.T) {
	assert.True(t, PolicyConservative.Valid())
	assert.True(t, PolicyDisabled.Valid())
	assert.False(t, Policy("reckless").Valid())

	summary := SummarizePolicy(PolicyModerate)
	assert.True(t, summary.AutoArtifactPatches)
	assert.True(t, summary.AutoConfigPatchesLow)
	assert.False(t, summary.AutoConfigPatchesMedium)
}
