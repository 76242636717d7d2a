// Package daemon runs the continuous reconciliation loop: it drains
// watcher events, schedules drift checks, decides fixes through the patch
// engine and dispatches them behind the safety controller.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/driftwatch/driftwatch/internal/drift"
	"github.com/driftwatch/driftwatch/internal/history"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/patch"
	"github.com/driftwatch/driftwatch/internal/safety"
	"github.com/driftwatch/driftwatch/internal/workers"
)

// State is the daemon lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrConfigMutationDisabled marks config patches that were computed but
// deliberately not written: auto-applying configuration changes is a
// capability that must be enabled explicitly, never assumed.
var ErrConfigMutationDisabled = errors.New("config patch auto-apply is disabled; suggested changes logged for review")

// Applier runs the external provisioning pipeline for a configuration
// directory. Implementations must be idempotent with respect to
// already-applied state.
type Applier interface {
	ApplyConfiguration(ctx context.Context, dir string, stepTimeout time.Duration) error
}

// Deps are the external collaborators handed to the daemon.
type Deps struct {
	Applier  Applier
	Provider drift.StateProvider
	History  *history.Store // optional
}

// Daemon is the reconciliation control loop.
type Daemon struct {
	cfg      *Config
	log      logger.Logger
	applier  Applier
	detector *drift.Detector
	engine   *patch.Engine
	safety   *safety.Controller
	runbooks *patch.RunbookWriter
	history  *history.Store
	metrics  *Metrics
	watcher  *Watcher

	mu             sync.Mutex
	state          State
	lastDriftCheck time.Time
	tickFailures   int

	// pending holds changed paths awaiting the next tick, keyed by path
	// with first-seen timestamps. Guarded by its own lock since watcher
	// callbacks and the tick thread both touch it.
	pendingMu sync.Mutex
	pending   map[string]time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	doneCh   chan struct{}
	sigCh    chan os.Signal
	stopOnce *sync.Once
}

// New creates a daemon from config and collaborators. The config is held
// by reference; the caller must not mutate it after construction.
func New(cfg *Config, deps Deps) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		log:     logger.New("daemon"),
		applier: deps.Applier,
		detector: drift.NewDetector(deps.Provider, &drift.Config{
			MaxWorkers: cfg.MaxWorkers,
			Timeout:    cfg.StepTimeout(),
		}),
		engine: patch.NewEngine(),
		safety: safety.NewController(&safety.ControllerConfig{
			MaxFixesPerHour:        cfg.MaxFixesPerHour,
			Cooldown:               cfg.Cooldown(),
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			EmergencyStopThreshold: cfg.EmergencyStopThreshold,
		}),
		runbooks: patch.NewRunbookWriter(cfg.RunbookDir),
		history:  deps.History,
		metrics:  NewMetrics(),
		pending:  make(map[string]time.Time),
		state:    StateStopped,
	}
	return d
}

// Metrics returns the daemon's metric set.
func (d *Daemon) Metrics() *Metrics { return d.metrics }

// Safety returns the safety controller, exposed for operator commands
// such as the emergency-stop reset.
func (d *Daemon) Safety() *safety.Controller { return d.safety }

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.metrics.daemonState.Set(float64(s))
}

// Start validates configuration, begins watching and spawns the tick
// loop. Starting from any state other than stopped is a hard error.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.state != StateStopped {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("cannot start daemon in state %s", state)
	}
	d.state = StateStarting
	d.mu.Unlock()

	if violations := d.cfg.Validate(); len(violations) > 0 {
		d.setState(StateError)
		return fmt.Errorf("invalid daemon config: %s", strings.Join(violations, "; "))
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.stopOnce = &sync.Once{}

	watcher, err := NewWatcher(d.cfg, d.Enqueue)
	if err != nil {
		d.setState(StateError)
		return err
	}
	if err := watcher.Start(); err != nil {
		d.setState(StateError)
		return err
	}
	d.watcher = watcher

	d.sigCh = make(chan os.Signal, 1)
	signal.Notify(d.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-d.sigCh:
			d.log.Info("termination signal received", logger.String("signal", sig.String()))
			d.Stop(30 * time.Second)
		case <-d.stopCh:
		}
	}()

	go d.run()
	d.setState(StateRunning)
	d.log.Info("daemon started",
		logger.Any("watch_paths", d.cfg.WatchPaths),
		logger.String("policy", string(d.cfg.AutoFixPolicy)),
		logger.Duration("check_interval", d.cfg.CheckInterval()))
	return nil
}

// Stop signals the loop to end and waits up to timeout for it to drain.
// Idempotent; a second call on a stopped daemon is a no-op. In-flight
// work is allowed to finish, not forcibly killed; when the timeout
// expires a warning is logged and the daemon is marked stopped anyway.
func (d *Daemon) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	d.mu.Unlock()

	// Start may have failed before the loop existed; guard the channels.
	if d.stopOnce != nil {
		d.stopOnce.Do(func() {
			close(d.stopCh)
			d.cancel()
		})
	}

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.sigCh != nil {
		signal.Stop(d.sigCh)
	}

	if d.doneCh != nil {
		select {
		case <-d.doneCh:
		case <-time.After(timeout):
			d.log.Warn("loop did not exit before stop timeout",
				logger.Duration("timeout", timeout))
		}
	}

	d.setState(StateStopped)
	d.log.Info("daemon stopped")
	return nil
}

// Wait blocks until the run loop exits. Only valid after Start.
func (d *Daemon) Wait() {
	<-d.doneCh
}

// Pause keeps the loop ticking but suspends all work, preserving
// file-watch activity.
func (d *Daemon) Pause() {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return
	}
	d.state = StatePaused
	d.mu.Unlock()
	d.metrics.daemonState.Set(float64(StatePaused))
	d.log.Info("daemon paused")
}

// Resume returns a paused daemon to running.
func (d *Daemon) Resume() {
	d.mu.Lock()
	if d.state != StatePaused {
		d.mu.Unlock()
		return
	}
	d.state = StateRunning
	d.mu.Unlock()
	d.metrics.daemonState.Set(float64(StateRunning))
	d.log.Info("daemon resumed")
}

// Enqueue records a changed path for the next tick. Safe for concurrent
// use; this is the only entry point for watcher callbacks.
func (d *Daemon) Enqueue(path string) {
	d.pendingMu.Lock()
	if _, exists := d.pending[path]; !exists {
		d.pending[path] = time.Now()
	}
	size := len(d.pending)
	d.pendingMu.Unlock()
	d.metrics.pendingPaths.Set(float64(size))
}

// run is the long-lived control loop.
func (d *Daemon) run() {
	defer close(d.doneCh)

	for {
		if !d.sleep(d.cfg.CheckInterval()) {
			return
		}

		if d.State() == StatePaused {
			continue
		}

		start := time.Now()
		err := d.tick(d.ctx)
		d.metrics.ticks.Inc()
		d.metrics.tickDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			d.tickFailures++
			d.metrics.tickFailures.Inc()
			d.log.Error("tick failed",
				logger.Int("consecutive_failures", d.tickFailures), logger.Error(err))

			if d.tickFailures >= d.cfg.MaxConsecutiveFailures {
				d.log.Error("too many consecutive tick failures, entering error state")
				d.setState(StateError)
				return
			}

			backoff := 2 * d.cfg.CheckInterval()
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			if !d.sleep(backoff) {
				return
			}
			continue
		}
		d.tickFailures = 0
	}
}

// sleep waits interruptibly; false means a stop was requested.
func (d *Daemon) sleep(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-d.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// tick runs one reconciliation cycle: drain pending changes, apply their
// directories, then run a drift check if the interval elapsed.
func (d *Daemon) tick(ctx context.Context) error {
	dirs := d.drainPending()
	if len(dirs) > 0 {
		d.applyDirectories(ctx, dirs)
	}

	d.mu.Lock()
	due := time.Since(d.lastDriftCheck) >= d.cfg.DriftCheckInterval()
	d.mu.Unlock()

	if due {
		if err := d.runDriftCheck(ctx); err != nil {
			return err
		}
		d.mu.Lock()
		d.lastDriftCheck = time.Now()
		d.mu.Unlock()
	}
	return nil
}

// drainPending swaps out the pending set and returns the distinct
// configuration directories it covered.
func (d *Daemon) drainPending() []string {
	d.pendingMu.Lock()
	pending := d.pending
	d.pending = make(map[string]time.Time)
	d.pendingMu.Unlock()
	d.metrics.pendingPaths.Set(0)

	if len(pending) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	dirs := make([]string, 0, len(pending))
	for path := range pending {
		dir := filepath.Dir(path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// applyDirectories re-runs the apply pipeline for changed directories:
// one directory inline, several concurrently. Apply failures are logged
// per directory and never abort the tick.
func (d *Daemon) applyDirectories(ctx context.Context, dirs []string) {
	d.log.Info("applying changed directories", logger.Int("count", len(dirs)))

	apply := func(ctx context.Context, dir string) error {
		if err := d.applier.ApplyConfiguration(ctx, dir, d.cfg.StepTimeout()); err != nil {
			d.log.Error("apply pipeline failed", logger.String("dir", dir), logger.Error(err))
			return err
		}
		return nil
	}

	if len(dirs) == 1 {
		apply(ctx, dirs[0])
		return
	}

	tasks := make([]workers.Task, 0, len(dirs))
	for _, dir := range dirs {
		dir := dir
		tasks = append(tasks, func(ctx context.Context) error {
			return apply(ctx, dir)
		})
	}
	workers.Run(ctx, d.cfg.MaxWorkers, tasks)
}

// runDriftCheck aggregates drift across configuration directories and
// dispatches fixes for immediate-action items under the active policy.
func (d *Daemon) runDriftCheck(ctx context.Context) error {
	dirs := ListConfigDirectories(d.cfg.WatchPaths, d.cfg.WatchPatterns)
	if len(dirs) == 0 {
		d.log.Debug("no configuration directories found")
		return nil
	}

	report := d.detector.CheckDirectories(ctx, dirs)
	d.metrics.driftChecks.Inc()
	for _, det := range report.Detections {
		d.metrics.driftDetections.WithLabelValues(string(det.Severity)).Inc()
	}
	d.recordCheck(report)

	d.log.Info("drift check completed",
		logger.Int("total_resources", report.TotalResources),
		logger.Int("drifted", report.DriftedResources),
		logger.Int("immediate", len(report.ImmediateAction)),
		logger.Int("directory_errors", len(report.Errors)))

	if len(report.ImmediateAction) == 0 || d.cfg.AutoFixPolicy == patch.PolicyDisabled {
		return nil
	}

	selected := report.ImmediateAction
	if len(selected) > d.cfg.MaxFixesPerHour {
		d.log.Warn("deferring immediate-action items beyond hourly fix budget",
			logger.Int("selected", d.cfg.MaxFixesPerHour),
			logger.Int("deferred", len(selected)-d.cfg.MaxFixesPerHour))
		selected = selected[:d.cfg.MaxFixesPerHour]
	}

	d.dispatchFixes(ctx, selected)
	return nil
}

// fixItem pairs a detection with its resolved decision.
type fixItem struct {
	detection *drift.Detection
	decision  *patch.Decision
}

// dispatchFixes resolves each detection through the patch engine and
// dispatches approved fixes: one inline, several concurrently. Every
// dispatch is gated by the safety controller.
func (d *Daemon) dispatchFixes(ctx context.Context, detections []*drift.Detection) {
	approved := make([]fixItem, 0, len(detections))

	for _, det := range detections {
		decision := d.engine.Decide(det.ResourceID, det.ResourceType, det, d.cfg.AutoFixPolicy)

		if decision.PatchType == patch.TypeRunbook {
			if _, err := d.runbooks.Write(det.ResourceID, decision); err != nil {
				d.log.Error("runbook generation failed",
					logger.String("resource", det.ResourceID), logger.Error(err))
			} else {
				d.metrics.runbooksWritten.Inc()
			}
			continue
		}

		if !decision.ShouldAutoApply {
			d.log.Info("fix requires manual review",
				logger.String("resource", det.ResourceID),
				logger.String("patch_type", string(decision.PatchType)),
				logger.String("risk", decision.Risk.String()),
				logger.String("reason", decision.Reason))
			continue
		}

		allowed, reason := d.safety.CanPerformFix()
		if !allowed {
			d.metrics.fixesSkipped.Inc()
			d.log.Warn("fix blocked by safety controller",
				logger.String("resource", det.ResourceID),
				logger.String("reason", reason))
			continue
		}

		approved = append(approved, fixItem{detection: det, decision: decision})
	}

	if len(approved) == 0 {
		return
	}
	if len(approved) == 1 {
		d.executeFix(ctx, approved[0])
		return
	}

	tasks := make([]workers.Task, 0, len(approved))
	for _, item := range approved {
		item := item
		tasks = append(tasks, func(ctx context.Context) error {
			d.executeFix(ctx, item)
			return nil
		})
	}
	workers.Run(ctx, d.cfg.MaxWorkers, tasks)
}

// executeFix applies one fix and feeds the outcome back into the safety
// controller, metrics and history. Failures never propagate: a failed
// fix must not abort sibling fixes in the same batch.
func (d *Daemon) executeFix(ctx context.Context, item fixItem) {
	err := d.applyFix(ctx, item.detection, item.decision)
	success := err == nil

	d.safety.RecordFixAttempt(success)
	if success {
		d.metrics.fixAttempts.WithLabelValues("success").Inc()
		d.log.Info("fix applied",
			logger.String("resource", item.detection.ResourceID),
			logger.String("patch_type", string(item.decision.PatchType)))
	} else {
		d.metrics.fixAttempts.WithLabelValues("failure").Inc()
		d.log.Error("fix failed",
			logger.String("resource", item.detection.ResourceID),
			logger.String("patch_type", string(item.decision.PatchType)),
			logger.Error(err))
	}
	d.recordFix(item, success, err)
}

// applyFix routes a fix by patch type.
func (d *Daemon) applyFix(ctx context.Context, det *drift.Detection, decision *patch.Decision) error {
	switch decision.PatchType {
	case patch.TypeArtifact:
		return d.applier.ApplyConfiguration(ctx, det.Dir, d.cfg.StepTimeout())

	case patch.TypeConfig:
		// Deliberately conservative: compute and log, never write
		// configuration automatically.
		d.log.Warn("config patch computed but not applied",
			logger.String("resource", det.ResourceID),
			logger.Any("suggested_changes", decision.SuggestedChanges))
		return ErrConfigMutationDisabled

	case patch.TypeRunbook:
		_, err := d.runbooks.Write(det.ResourceID, decision)
		if err == nil {
			d.metrics.runbooksWritten.Inc()
		}
		return err

	default:
		return nil
	}
}

func (d *Daemon) recordCheck(report *drift.Report) {
	if d.history == nil {
		return
	}
	err := d.history.RecordCheck(history.CheckRecord{
		CheckedAt:        report.Timestamp,
		TotalResources:   report.TotalResources,
		DriftedResources: report.DriftedResources,
		ImmediateAction:  len(report.ImmediateAction),
		DirectoryErrors:  len(report.Errors),
	})
	if err != nil {
		d.log.Warn("could not record drift check", logger.Error(err))
	}
}

func (d *Daemon) recordFix(item fixItem, success bool, fixErr error) {
	if d.history == nil {
		return
	}
	reason := item.decision.Reason
	if fixErr != nil {
		reason = fixErr.Error()
	}
	err := d.history.RecordFix(history.FixRecord{
		ResourceID: item.detection.ResourceID,
		PatchType:  string(item.decision.PatchType),
		RiskLevel:  item.decision.Risk.String(),
		Success:    success,
		Reason:     reason,
	})
	if err != nil {
		d.log.Warn("could not record fix attempt", logger.Error(err))
	}
}
