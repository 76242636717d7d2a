package patch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/logger"
)

// RunbookWriter persists remediation runbooks as Markdown documents in a
// well-known directory.
type RunbookWriter struct {
	dir string
	log logger.Logger
}

// NewRunbookWriter creates a writer targeting dir.
func NewRunbookWriter(dir string) *RunbookWriter {
	return &RunbookWriter{
		dir: dir,
		log: logger.New("runbook"),
	}
}

// manualSteps is the fixed operator checklist included in every runbook.
var manualSteps = []string{
	"Review the drift details and risk factors below",
	"Confirm the resource's desired configuration is still correct",
	"Apply the suggested actions in order, verifying each step",
	"Re-run a drift check to confirm convergence",
	"Record the remediation in the change log",
}

// Write renders a runbook for the decision and writes it to the runbooks
// directory, named by sanitized resource id and a timestamp. Returns the
// written path.
func (w *RunbookWriter) Write(resourceID string, decision *Decision) (string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("creating runbook directory: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s-%s.md", sanitizeID(resourceID), now.Format("20060102-150405"))
	path := filepath.Join(w.dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "# Remediation Runbook: %s\n\n", resourceID)
	fmt.Fprintf(&b, "- **Resource**: %s\n", resourceID)
	fmt.Fprintf(&b, "- **Generated**: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Risk level**: %s\n\n", decision.Risk)

	fmt.Fprintf(&b, "## Reason\n\n%s\n\n", decision.Reason)
	fmt.Fprintf(&b, "## Issue\n\n%s\n\n", decision.Description)

	b.WriteString("## Suggested actions\n\n")
	for _, action := range decision.SuggestedActions {
		fmt.Fprintf(&b, "- %s\n", action)
	}
	b.WriteString("\n")

	if len(decision.RiskFactors) > 0 {
		b.WriteString("## Risk factors\n\n")
		for _, factor := range decision.RiskFactors {
			fmt.Fprintf(&b, "- %s\n", factor)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Manual steps\n\n")
	for _, step := range manualSteps {
		fmt.Fprintf(&b, "- [ ] %s\n", step)
	}
	b.WriteString("\n")

	if len(decision.Context) > 0 {
		context, err := json.MarshalIndent(decision.Context, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "## Context\n\n```json\n%s\n```\n", context)
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing runbook: %w", err)
	}

	w.log.Info("runbook written",
		logger.String("resource", resourceID),
		logger.String("path", path))
	return path, nil
}

// sanitizeID makes a resource id filesystem-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}
