package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SnapshotProvider reads desired and observed state snapshots from YAML
// files inside a configuration directory. It is the reference
// drift.StateProvider used by the daemon binary; production deployments
// supply a provider backed by their provisioning backend.
type SnapshotProvider struct {
	// DesiredFile and ObservedFile are file names looked up inside each
	// configuration directory.
	DesiredFile  string
	ObservedFile string
}

// NewSnapshotProvider creates a provider with the default snapshot names.
func NewSnapshotProvider() *SnapshotProvider {
	return &SnapshotProvider{
		DesiredFile:  "desired.yaml",
		ObservedFile: "observed.yaml",
	}
}

// DesiredState loads the declared state snapshot for dir.
func (p *SnapshotProvider) DesiredState(ctx context.Context, dir string) (map[string]interface{}, error) {
	return p.load(filepath.Join(dir, p.DesiredFile))
}

// CurrentState loads the observed state snapshot for dir. A missing
// observed snapshot means nothing is provisioned yet and yields an empty
// state.
func (p *SnapshotProvider) CurrentState(ctx context.Context, dir string) (map[string]interface{}, error) {
	state, err := p.load(filepath.Join(dir, p.ObservedFile))
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	return state, err
}

func (p *SnapshotProvider) load(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("reading state snapshot %s: %w", path, err)
	}

	var state map[string]interface{}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state snapshot %s: %w", path, err)
	}
	if state == nil {
		state = map[string]interface{}{}
	}
	return state, nil
}
