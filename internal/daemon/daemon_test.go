package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/patch"
)

// fakeApplier records apply calls and optionally fails.
type fakeApplier struct {
	mu   sync.Mutex
	dirs []string
	err  error
}

func (a *fakeApplier) ApplyConfiguration(ctx context.Context, dir string, stepTimeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirs = append(a.dirs, dir)
	return a.err
}

func (a *fakeApplier) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dirs)
}

// fakeProvider serves canned snapshots per configuration directory.
type fakeProvider struct {
	desired map[string]map[string]interface{}
	current map[string]map[string]interface{}
}

func (p *fakeProvider) DesiredState(ctx context.Context, dir string) (map[string]interface{}, error) {
	if state, ok := p.desired[dir]; ok {
		return state, nil
	}
	return nil, errors.New("no desired snapshot for " + dir)
}

func (p *fakeProvider) CurrentState(ctx context.Context, dir string) (map[string]interface{}, error) {
	if state, ok := p.current[dir]; ok {
		return state, nil
	}
	return nil, errors.New("no current snapshot for " + dir)
}

func deployment(fields map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"deployments": map[string]interface{}{
			"api": fields,
		},
	}
}

// makeConfigDir creates a watched configuration directory under root.
func makeConfigDir(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.cw"), []byte("x"), 0644))
	return dir
}

func testConfig(t *testing.T, root string) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WatchPaths = []string{root}
	cfg.RunbookDir = filepath.Join(t.TempDir(), "runbooks")
	cfg.ApplyCommand = []string{"true"}
	return cfg
}

func TestRunDriftCheckFixBudget(t *testing.T) {
	// Three resources with high-severity runtime drift, but only two fixes
	// allowed per hour: exactly two must dispatch, the third defers.
	root := t.TempDir()
	provider := &fakeProvider{
		desired: map[string]map[string]interface{}{},
		current: map[string]map[string]interface{}{},
	}
	for _, name := range []string{"svc-a", "svc-b", "svc-c"} {
		dir := makeConfigDir(t, root, name)
		provider.desired[dir] = deployment(map[string]interface{}{"image": "api:v1", "status": "running"})
		provider.current[dir] = deployment(map[string]interface{}{"image": "api:v1", "status": "crashed"})
	}

	cfg := testConfig(t, root)
	cfg.MaxFixesPerHour = 2
	cfg.AutoFixPolicy = patch.PolicyConservative

	applier := &fakeApplier{}
	d := New(cfg, Deps{Applier: applier, Provider: provider})

	require.NoError(t, d.runDriftCheck(context.Background()))

	assert.Equal(t, 2, applier.calls())
	status := d.Safety().GetStatus()
	assert.Equal(t, 0, status.RemainingFixes)
	assert.Equal(t, 0, status.TotalFailures)
	assert.True(t, status.InCooldown)
}

func TestRunDriftCheckDisabledPolicy(t *testing.T) {
	root := t.TempDir()
	dir := makeConfigDir(t, root, "svc")
	provider := &fakeProvider{
		desired: map[string]map[string]interface{}{
			dir: deployment(map[string]interface{}{"status": "running"}),
		},
		current: map[string]map[string]interface{}{
			dir: deployment(map[string]interface{}{"status": "crashed"}),
		},
	}

	cfg := testConfig(t, root)
	cfg.AutoFixPolicy = patch.PolicyDisabled

	applier := &fakeApplier{}
	d := New(cfg, Deps{Applier: applier, Provider: provider})

	require.NoError(t, d.runDriftCheck(context.Background()))
	assert.Equal(t, 0, applier.calls())
	assert.Equal(t, d.cfg.MaxFixesPerHour, d.Safety().GetStatus().RemainingFixes)
}

func TestRunDriftCheckDestructiveWritesRunbook(t *testing.T) {
	// A critical declared field disappearing must never auto-fix; it
	// produces a runbook instead.
	root := t.TempDir()
	dir := makeConfigDir(t, root, "svc")
	provider := &fakeProvider{
		desired: map[string]map[string]interface{}{
			dir: deployment(map[string]interface{}{"retries": 3}),
		},
		current: map[string]map[string]interface{}{
			dir: deployment(map[string]interface{}{"retries": 3, "image": "api:v1"}),
		},
	}

	cfg := testConfig(t, root)
	cfg.AutoFixPolicy = patch.PolicyAggressive

	applier := &fakeApplier{}
	d := New(cfg, Deps{Applier: applier, Provider: provider})

	require.NoError(t, d.runDriftCheck(context.Background()))

	assert.Equal(t, 0, applier.calls())
	entries, err := os.ReadDir(cfg.RunbookDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "deployments-api")
}

func TestRunDriftCheckConfigPatchIsNotApplied(t *testing.T) {
	// Config patches are computed but deliberately never written; the
	// attempt is recorded as a failure.
	root := t.TempDir()
	dir := makeConfigDir(t, root, "svc")
	provider := &fakeProvider{
		desired: map[string]map[string]interface{}{
			dir: deployment(map[string]interface{}{"ports": 8080}),
		},
		current: map[string]map[string]interface{}{
			dir: deployment(map[string]interface{}{"ports": 80}),
		},
	}

	cfg := testConfig(t, root)
	cfg.AutoFixPolicy = patch.PolicyAggressive

	applier := &fakeApplier{}
	d := New(cfg, Deps{Applier: applier, Provider: provider})

	require.NoError(t, d.runDriftCheck(context.Background()))

	assert.Equal(t, 0, applier.calls())
	status := d.Safety().GetStatus()
	assert.Equal(t, 1, status.TotalFailures)
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

func TestEnqueueAndDrainPending(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	d := New(cfg, Deps{Applier: &fakeApplier{}, Provider: &fakeProvider{}})

	d.Enqueue("/watch/svc-a/app.cw")
	d.Enqueue("/watch/svc-a/app.cw") // duplicate
	d.Enqueue("/watch/svc-a/other.cw")
	d.Enqueue("/watch/svc-b/app.cw")

	d.pendingMu.Lock()
	assert.Len(t, d.pending, 3)
	d.pendingMu.Unlock()

	dirs := d.drainPending()
	assert.ElementsMatch(t, []string{"/watch/svc-a", "/watch/svc-b"}, dirs)

	// Drained; a second drain is empty.
	assert.Empty(t, d.drainPending())
}

func TestTickAppliesChangedDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)

	applier := &fakeApplier{}
	d := New(cfg, Deps{Applier: applier, Provider: &fakeProvider{}})

	// Keep the drift check out of this tick.
	d.mu.Lock()
	d.lastDriftCheck = time.Now()
	d.mu.Unlock()

	d.Enqueue(filepath.Join(root, "svc-a", "app.cw"))
	d.Enqueue(filepath.Join(root, "svc-b", "app.cw"))

	require.NoError(t, d.tick(context.Background()))
	assert.Equal(t, 2, applier.calls())
}

func TestTickApplyFailureDoesNotFailTick(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)

	applier := &fakeApplier{err: errors.New("pipeline broken")}
	d := New(cfg, Deps{Applier: applier, Provider: &fakeProvider{}})
	d.mu.Lock()
	d.lastDriftCheck = time.Now()
	d.mu.Unlock()

	d.Enqueue(filepath.Join(root, "svc", "app.cw"))
	assert.NoError(t, d.tick(context.Background()))
	assert.Equal(t, 1, applier.calls())
}

func TestDaemonLifecycle(t *testing.T) {
	t.Run("start_rejects_invalid_config", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.WatchPaths = []string{filepath.Join(t.TempDir(), "gone")}

		d := New(cfg, Deps{Applier: &fakeApplier{}, Provider: &fakeProvider{}})
		err := d.Start()
		assert.Error(t, err)
		assert.Equal(t, StateError, d.State())
	})

	t.Run("start_pause_resume_stop", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		d := New(cfg, Deps{Applier: &fakeApplier{}, Provider: &fakeProvider{}})

		require.NoError(t, d.Start())
		assert.Equal(t, StateRunning, d.State())

		// Starting twice is an error.
		assert.Error(t, d.Start())

		d.Pause()
		assert.Equal(t, StatePaused, d.State())
		d.Resume()
		assert.Equal(t, StateRunning, d.State())

		require.NoError(t, d.Stop(5*time.Second))
		assert.Equal(t, StateStopped, d.State())

		// Stopping a stopped daemon is a no-op.
		assert.NoError(t, d.Stop(time.Second))
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", State(99).String())
}
