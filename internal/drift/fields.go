package drift

import "strings"

// Sensitivity classifies a configuration field for remediation decisions.
type Sensitivity int

const (
	// SensitivityUnknown covers fields outside both taxonomies. Treated
	// like sensitive fields when deciding whether a fix is config-scoped.
	SensitivityUnknown Sensitivity = iota
	SensitivitySafe
	SensitivitySensitive
)

// sensitiveFields affect security posture or resource identity; changes
// here always route through the config-patch path.
var sensitiveFields = map[string]bool{
	"ports":            true,
	"mounts":           true,
	"volumes":          true,
	"secrets":          true,
	"privileges":       true,
	"security_context": true,
	"capabilities":     true,
	"host_network":     true,
	"host_pid":         true,
	"host_ipc":         true,
	"image":            true,
}

// safeFields are operational knobs that can be re-applied without a
// configuration change.
var safeFields = map[string]bool{
	"retries":        true,
	"retry_delay":    true,
	"timeout":        true,
	"healthcheck":    true,
	"logging":        true,
	"monitoring":     true,
	"metrics":        true,
	"labels":         true,
	"annotations":    true,
	"restart_policy": true,
}

// runtimeFields reflect observed process state rather than declared
// configuration.
var runtimeFields = map[string]bool{
	"status":   true,
	"state":    true,
	"health":   true,
	"running":  true,
	"restarts": true,
	"uptime":   true,
}

// ClassifyField returns the sensitivity of a (possibly dotted) field path,
// judged by its top-level segment.
func ClassifyField(path string) Sensitivity {
	root := fieldRoot(path)
	switch {
	case sensitiveFields[root]:
		return SensitivitySensitive
	case safeFields[root]:
		return SensitivitySafe
	default:
		return SensitivityUnknown
	}
}

// IsRuntimeField reports whether a field path describes runtime state.
func IsRuntimeField(path string) bool {
	return runtimeFields[fieldRoot(path)]
}

func fieldRoot(path string) string {
	root := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		root = path[:i]
	}
	return strings.ToLower(root)
}
