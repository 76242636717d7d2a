package patch

// Policy controls which fix categories may auto-apply.
type Policy string

const (
	PolicyDisabled     Policy = "disabled"
	PolicyConservative Policy = "conservative"
	PolicyModerate     Policy = "moderate"
	PolicyAggressive   Policy = "aggressive"
)

// Valid reports whether p is a recognized policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyDisabled, PolicyConservative, PolicyModerate, PolicyAggressive:
		return true
	}
	return false
}

// PolicySummary describes what a policy permits. Pure derived data for
// operator visibility.
type PolicySummary struct {
	Policy                  Policy `json:"policy"`
	AutoArtifactPatches     bool   `json:"auto_artifact_patches"`
	AutoConfigPatchesLow    bool   `json:"auto_config_patches_low_risk"`
	AutoConfigPatchesMedium bool   `json:"auto_config_patches_medium_risk"`
	Description             string `json:"description"`
}

// SummarizePolicy returns what the given policy allows to auto-apply.
func SummarizePolicy(p Policy) PolicySummary {
	switch p {
	case PolicyAggressive:
		return PolicySummary{
			Policy:                  p,
			AutoArtifactPatches:     true,
			AutoConfigPatchesLow:    true,
			AutoConfigPatchesMedium: true,
			Description:             "auto-applies artifact patches and low/medium-risk config patches",
		}
	case PolicyModerate:
		return PolicySummary{
			Policy:               p,
			AutoArtifactPatches:  true,
			AutoConfigPatchesLow: true,
			Description:          "auto-applies artifact patches and low-risk config patches without sensitive fields",
		}
	case PolicyConservative:
		return PolicySummary{
			Policy:              p,
			AutoArtifactPatches: true,
			Description:         "auto-applies artifact patches only",
		}
	default:
		return PolicySummary{
			Policy:      PolicyDisabled,
			Description: "never auto-applies; all drift is logged for manual review",
		}
	}
}
