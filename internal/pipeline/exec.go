// Package pipeline holds reference implementations of the daemon's
// external collaborators: an exec-based apply pipeline and a YAML
// snapshot state provider. Real provisioning backends plug in through
// the same interfaces.
package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/driftwatch/driftwatch/internal/logger"
)

// ExecApplier runs a configured command to apply a configuration
// directory. The directory path is appended as the final argument. Safe
// to call repeatedly: idempotency is the command's contract.
type ExecApplier struct {
	command []string
	log     logger.Logger
}

// NewExecApplier creates an applier running the given command.
func NewExecApplier(command []string) (*ExecApplier, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("apply command must not be empty")
	}
	return &ExecApplier{
		command: command,
		log:     logger.New("pipeline"),
	}, nil
}

// ApplyConfiguration runs the apply command against dir with the given
// per-step timeout.
func (a *ExecApplier) ApplyConfiguration(ctx context.Context, dir string, stepTimeout time.Duration) error {
	if stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stepTimeout)
		defer cancel()
	}

	args := append(append([]string{}, a.command[1:]...), dir)
	cmd := exec.CommandContext(ctx, a.command[0], args...)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		a.log.Error("apply pipeline failed",
			logger.String("dir", dir),
			logger.Duration("elapsed", time.Since(start)),
			logger.String("output", string(out)),
			logger.Error(err))
		return fmt.Errorf("apply pipeline for %s: %w", dir, err)
	}

	a.log.Info("apply pipeline completed",
		logger.String("dir", dir),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}
