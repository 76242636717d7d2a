// Package differ computes, merges and applies structured differences
// between a current infrastructure state snapshot and a desired one.
package differ

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/driftwatch/driftwatch/internal/logger"
)

var (
	// ErrInvalidState indicates malformed state input. Not recoverable;
	// the caller must fix its input.
	ErrInvalidState = errors.New("differ: invalid state")

	// ErrDiffApply indicates a failure while applying a diff set.
	ErrDiffApply = errors.New("differ: diff application failed")
)

// DiffKind categorizes a single state divergence.
type DiffKind string

const (
	DiffCreate   DiffKind = "create"
	DiffUpdate   DiffKind = "update"
	DiffDelete   DiffKind = "delete"
	DiffNoChange DiffKind = "no_change"
)

// kindPriority orders diff kinds during merge conflict resolution.
// Lower wins: a delete beats a create beats an update.
func kindPriority(k DiffKind) int {
	switch k {
	case DiffDelete:
		return 0
	case DiffCreate:
		return 1
	case DiffUpdate:
		return 2
	default:
		return 3
	}
}

// resourcePriorities maps known resource collections to apply priority.
// Lower values apply first: namespaces before workloads before services.
var resourcePriorities = map[string]int{
	"namespaces":  10,
	"configmaps":  20,
	"secrets":     20,
	"deployments": 30,
	"services":    40,
}

const defaultPriority = 100

// knownResourceTypes is the fixed set of resource collections the differ
// extracts from state snapshots.
var knownResourceTypes = []string{
	"namespaces",
	"configmaps",
	"secrets",
	"deployments",
	"services",
}

// StateDiff is one divergence between current and desired state for a
// named resource. FieldDiffs maps field names to new values; a nil value
// marks the field for removal.
type StateDiff struct {
	ResourceType string                 `json:"resource_type"`
	ResourceName string                 `json:"resource_name"`
	Kind         DiffKind               `json:"kind"`
	Current      map[string]interface{} `json:"current_value,omitempty"`
	Desired      map[string]interface{} `json:"desired_value,omitempty"`
	FieldDiffs   map[string]interface{} `json:"field_diffs,omitempty"`
	Priority     int                    `json:"priority"`
}

// NewStateDiff constructs a validated StateDiff.
func NewStateDiff(resourceType, resourceName string, kind DiffKind, current, desired map[string]interface{}) (*StateDiff, error) {
	d := &StateDiff{
		ResourceType: resourceType,
		ResourceName: resourceName,
		Kind:         kind,
		Current:      current,
		Desired:      desired,
		Priority:     priorityFor(resourceType),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate enforces the StateDiff construction invariants.
func (d *StateDiff) Validate() error {
	if d.ResourceType == "" {
		return fmt.Errorf("%w: empty resource type", ErrInvalidState)
	}
	if d.ResourceName == "" {
		return fmt.Errorf("%w: empty resource name", ErrInvalidState)
	}
	switch d.Kind {
	case DiffCreate:
		if d.Current != nil {
			return fmt.Errorf("%w: create diff for %s/%s carries current value", ErrInvalidState, d.ResourceType, d.ResourceName)
		}
	case DiffDelete:
		if d.Desired != nil {
			return fmt.Errorf("%w: delete diff for %s/%s carries desired value", ErrInvalidState, d.ResourceType, d.ResourceName)
		}
	case DiffUpdate:
		if d.Current == nil || d.Desired == nil {
			return fmt.Errorf("%w: update diff for %s/%s must carry both values", ErrInvalidState, d.ResourceType, d.ResourceName)
		}
	case DiffNoChange:
	default:
		return fmt.Errorf("%w: unknown diff kind %q", ErrInvalidState, d.Kind)
	}
	return nil
}

// IsSignificant reports whether the diff requires any action.
func (d *StateDiff) IsSignificant() bool {
	return d.Kind != DiffNoChange
}

func (d *StateDiff) key() string {
	return d.ResourceType + "/" + d.ResourceName
}

func priorityFor(resourceType string) int {
	if p, ok := resourcePriorities[resourceType]; ok {
		return p
	}
	return defaultPriority
}

// ComputeStateDiff computes the ordered list of per-resource diffs between
// two state snapshots. Both inputs must be string-keyed maps.
func ComputeStateDiff(current, desired interface{}) ([]*StateDiff, error) {
	currentMap, ok := asStateMap(current)
	if !ok {
		return nil, fmt.Errorf("%w: current state is not a map", ErrInvalidState)
	}
	desiredMap, ok := asStateMap(desired)
	if !ok {
		return nil, fmt.Errorf("%w: desired state is not a map", ErrInvalidState)
	}

	diffs := make([]*StateDiff, 0)
	for _, resourceType := range knownResourceTypes {
		currentRes := extractCollection(currentMap, resourceType)
		desiredRes := extractCollection(desiredMap, resourceType)
		if len(currentRes) == 0 && len(desiredRes) == 0 {
			continue
		}

		for _, name := range unionKeys(currentRes, desiredRes) {
			d, err := computeResourceDiff(resourceType, name, currentRes[name], desiredRes[name])
			if err != nil {
				return nil, err
			}
			if d != nil {
				diffs = append(diffs, d)
			}
		}
	}

	sortDiffs(diffs)
	return diffs, nil
}

// computeResourceDiff diffs a single resource present in either snapshot.
func computeResourceDiff(resourceType, name string, current, desired map[string]interface{}) (*StateDiff, error) {
	switch {
	case current == nil && desired == nil:
		return nil, nil
	case current == nil:
		return NewStateDiff(resourceType, name, DiffCreate, nil, desired)
	case desired == nil:
		return NewStateDiff(resourceType, name, DiffDelete, current, nil)
	}

	fieldDiffs := make(map[string]interface{})
	for k, dv := range desired {
		cv, exists := current[k]
		if !exists || !reflect.DeepEqual(cv, dv) {
			fieldDiffs[k] = dv
		}
	}
	for k := range current {
		if _, exists := desired[k]; !exists {
			fieldDiffs[k] = nil
		}
	}

	if len(fieldDiffs) == 0 {
		return NewStateDiff(resourceType, name, DiffNoChange, current, desired)
	}

	d, err := NewStateDiff(resourceType, name, DiffUpdate, current, desired)
	if err != nil {
		return nil, err
	}
	d.FieldDiffs = fieldDiffs
	return d, nil
}

// MergeStateDiffs consolidates diff lists from multiple sources, resolving
// conflicts per resource by kind priority (delete > create > update >
// no-change). Conflicting updates merge their field diffs with later lists
// winning. Never fails: this path protects a best-effort aggregation, so a
// failure is logged and an empty list returned.
func MergeStateDiffs(diffLists [][]*StateDiff) (merged []*StateDiff) {
	log := logger.New("differ")
	defer func() {
		if r := recover(); r != nil {
			log.Error("merge failed, returning empty diff set", logger.Any("panic", r))
			merged = []*StateDiff{}
		}
	}()

	grouped := make(map[string][]*StateDiff)
	order := make([]string, 0)
	for _, list := range diffLists {
		for _, d := range list {
			if d == nil {
				continue
			}
			if _, seen := grouped[d.key()]; !seen {
				order = append(order, d.key())
			}
			grouped[d.key()] = append(grouped[d.key()], d)
		}
	}

	merged = make([]*StateDiff, 0, len(order))
	for _, key := range order {
		group := grouped[key]
		if len(group) == 1 {
			merged = append(merged, group[0])
			continue
		}
		merged = append(merged, resolveConflict(group))
	}

	sortDiffs(merged)
	return merged
}

// resolveConflict picks the winning diff in a group sharing one resource.
func resolveConflict(group []*StateDiff) *StateDiff {
	winner := group[0]
	for _, d := range group[1:] {
		if kindPriority(d.Kind) < kindPriority(winner.Kind) {
			winner = d
		}
	}
	if winner.Kind != DiffUpdate {
		return winner
	}

	// Merge every update's field diffs; later diffs win on key conflicts.
	out := &StateDiff{
		ResourceType: winner.ResourceType,
		ResourceName: winner.ResourceName,
		Kind:         DiffUpdate,
		Current:      winner.Current,
		Desired:      winner.Desired,
		Priority:     winner.Priority,
		FieldDiffs:   make(map[string]interface{}),
	}
	for _, d := range group {
		if d.Kind != DiffUpdate {
			continue
		}
		for k, v := range d.FieldDiffs {
			out.FieldDiffs[k] = v
		}
		out.Current = d.Current
		out.Desired = d.Desired
	}
	return out
}

// ApplyStateDiff applies diffs to a deep copy of currentState and returns
// the projected state. The input state is never mutated. A nil field-diff
// value removes the field (state snapshots are normalized so nil-valued
// fields and absent fields are equivalent).
func ApplyStateDiff(currentState map[string]interface{}, diffs []*StateDiff) (map[string]interface{}, error) {
	result := deepCopyMap(currentState)
	if result == nil {
		result = make(map[string]interface{})
	}

	for _, d := range diffs {
		if d == nil || d.Kind == DiffNoChange {
			continue
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDiffApply, err)
		}

		switch d.Kind {
		case DiffCreate:
			collection := ensureCollection(result, d.ResourceType)
			collection[d.ResourceName] = deepCopyMap(d.Desired)

		case DiffDelete:
			if collection, ok := result[d.ResourceType].(map[string]interface{}); ok {
				delete(collection, d.ResourceName)
			}

		case DiffUpdate:
			collection := ensureCollection(result, d.ResourceType)
			resource, ok := collection[d.ResourceName].(map[string]interface{})
			if !ok {
				resource = make(map[string]interface{})
				collection[d.ResourceName] = resource
			}
			for path, value := range d.FieldDiffs {
				setNestedField(resource, path, value)
			}
		}
	}

	return result, nil
}

// setNestedField sets a dotted-path field, creating intermediate maps as
// needed and overwriting non-map intermediates. A nil value deletes the
// final key.
func setNestedField(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cursor := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cursor[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cursor[part] = next
		}
		cursor = next
	}

	last := parts[len(parts)-1]
	if value == nil {
		delete(cursor, last)
		return
	}
	cursor[last] = value
}

// asStateMap coerces a snapshot input to a string-keyed map.
func asStateMap(v interface{}) (map[string]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// extractCollection returns the named resource collection keyed by resource
// name. Accepts either a name-keyed map or a list of objects carrying a
// "name" field. Nil-valued resource fields are stripped so explicit nulls
// and absent fields compare equal.
func extractCollection(state map[string]interface{}, resourceType string) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{})
	raw, ok := state[resourceType]
	if !ok || raw == nil {
		return out
	}

	switch typed := raw.(type) {
	case map[string]interface{}:
		for name, v := range typed {
			if res, ok := v.(map[string]interface{}); ok {
				out[name] = normalizeResource(res)
			}
		}
	case []interface{}:
		for _, v := range typed {
			res, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := res["name"].(string)
			if name == "" {
				continue
			}
			out[name] = normalizeResource(res)
		}
	}
	return out
}

// normalizeResource strips nil-valued keys, recursively.
func normalizeResource(res map[string]interface{}) map[string]interface{} {
	normalized := make(map[string]interface{}, len(res))
	for k, v := range res {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			normalized[k] = normalizeResource(nested)
			continue
		}
		normalized[k] = v
	}
	return normalized
}

func ensureCollection(state map[string]interface{}, resourceType string) map[string]interface{} {
	if collection, ok := state[resourceType].(map[string]interface{}); ok {
		return collection
	}
	collection := make(map[string]interface{})
	state[resourceType] = collection
	return collection
}

func unionKeys(a, b map[string]map[string]interface{}) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortDiffs(diffs []*StateDiff) {
	sort.SliceStable(diffs, func(i, j int) bool {
		if diffs[i].Priority != diffs[j].Priority {
			return diffs[i].Priority < diffs[j].Priority
		}
		if diffs[i].ResourceType != diffs[j].ResourceType {
			return diffs[i].ResourceType < diffs[j].ResourceType
		}
		return diffs[i].ResourceName < diffs[j].ResourceName
	})
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, e := range typed {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
