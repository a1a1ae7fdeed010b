package metadata

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/deltaup/deltaup"
)

// UpdatePosition locates a byte within a package's operation list.
// Positions order lexicographically: first by operation, then by byte.
type UpdatePosition struct {
	OperationIdx int    `json:"operationIdx"`
	ByteIdx      uint64 `json:"byteIdx,string"`
}

// Less reports whether p comes strictly before q.
func (p UpdatePosition) Less(q UpdatePosition) bool {
	if p.OperationIdx != q.OperationIdx {
		return p.OperationIdx < q.OperationIdx
	}
	return p.ByteIdx < q.ByteIdx
}

// Failure identifies a path (or a slice of a path) whose operation
// failed and needs repair.
type Failure struct {
	Path  deltaup.CleanPath `json:"path"`
	Slice deltaup.CleanPath `json:"slice,omitempty"`
}

func (f Failure) String() string {
	if f.Slice != "" {
		return fmt.Sprintf("%s#%s", f.Path, f.Slice)
	}
	return string(f.Path)
}

func failureLess(a, b Failure) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.Slice < b.Slice
}

// SortFailures sorts and deduplicates in place, returning the
// shortened slice.
func SortFailures(failures []Failure) []Failure {
	sort.Slice(failures, func(i, j int) bool { return failureLess(failures[i], failures[j]) })
	out := failures[:0]
	for _, f := range failures {
		if len(out) > 0 && out[len(out)-1] == f {
			continue
		}
		out = append(out, f)
	}
	return out
}

// StateKind discriminates the workspace state union.
type StateKind string

const (
	StateNew       StateKind = "new"
	StateStable    StateKind = "stable"
	StateCorrupted StateKind = "corrupted"
	StateUpdating  StateKind = "updating"
)

// UpdateState is the Updating payload: which edge is being applied and
// how far both pipeline stages have progressed.
type UpdateState struct {
	From      deltaup.CleanName // empty when updating from nothing
	To        deltaup.CleanName
	Available UpdatePosition
	Applied   UpdatePosition
	Failures  []Failure
	// PreviousFailures holds the failures the current (repair) pass is
	// trying to fix.
	PreviousFailures []Failure
	// CheckOnly marks a synthetic verify-only pass; it is never
	// persisted.
	CheckOnly bool
}

// NewUpdateState seeds an update of the given edge.
func NewUpdateState(from, to deltaup.CleanName, failures []Failure) *UpdateState {
	return &UpdateState{From: from, To: to, Failures: failures}
}

// UpdateWith replaces the position fields with other's and merges
// failure sets.
func (u *UpdateState) UpdateWith(other *UpdateState) {
	u.From = other.From
	u.To = other.To
	u.Available = other.Available
	u.Applied = other.Applied
	u.CheckOnly = other.CheckOnly
	if len(other.Failures) > 0 || len(other.PreviousFailures) > 0 {
		u.Failures = append(u.Failures, other.Failures...)
		u.Failures = append(u.Failures, other.PreviousFailures...)
		u.Failures = SortFailures(u.Failures)
	}
}

// ClearProgress resets both watermarks to the package start.
func (u *UpdateState) ClearProgress() {
	u.Available = UpdatePosition{}
	u.Applied = UpdatePosition{}
}

// DedupFailures folds PreviousFailures into Failures.
func (u *UpdateState) DedupFailures() {
	u.Failures = append(u.Failures, u.PreviousFailures...)
	u.PreviousFailures = nil
	u.Failures = SortFailures(u.Failures)
}

// State is the persisted workspace state (.update/state.json).
type State struct {
	Kind StateKind
	// Version is set for Stable and Corrupted.
	Version deltaup.CleanName
	// Failures is set for Corrupted.
	Failures []Failure
	// Update is set for Updating.
	Update *UpdateState
}

// New returns the state of a workspace with nothing installed.
func New() State { return State{Kind: StateNew} }

// Stable returns the state of a workspace exactly at version.
func Stable(version deltaup.CleanName) State {
	return State{Kind: StateStable, Version: version}
}

// Corrupted returns the state of a previously stable workspace with
// detected mismatches.
func Corrupted(version deltaup.CleanName, failures []Failure) State {
	return State{Kind: StateCorrupted, Version: version, Failures: failures}
}

// Updating returns a mid-update state.
func Updating(u *UpdateState) State {
	return State{Kind: StateUpdating, Update: u}
}

type stateWire struct {
	Type             StateKind      `json:"type"`
	Version          string         `json:"version,omitempty"`
	Failures         []Failure      `json:"failures,omitempty"`
	From             string         `json:"from,omitempty"`
	To               string         `json:"to,omitempty"`
	Available        UpdatePosition `json:"available,omitempty"`
	Applied          UpdatePosition `json:"applied,omitempty"`
	PreviousFailures []Failure      `json:"previousFailures,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	w := stateWire{Type: s.Kind}
	switch s.Kind {
	case StateStable:
		w.Version = string(s.Version)
	case StateCorrupted:
		w.Version = string(s.Version)
		w.Failures = s.Failures
	case StateUpdating:
		w.From = string(s.Update.From)
		w.To = string(s.Update.To)
		w.Available = s.Update.Available
		w.Applied = s.Update.Applied
		w.Failures = s.Update.Failures
		w.PreviousFailures = s.Update.PreviousFailures
	}
	return json.Marshal(struct {
		Version string    `json:"version"`
		State   stateWire `json:"state"`
	}{SchemaVersion, w})
}

func (s *State) UnmarshalJSON(b []byte) error {
	var envelope struct {
		Version string    `json:"version"`
		State   stateWire `json:"state"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return err
	}
	if err := checkSchemaVersion(envelope.Version); err != nil {
		return err
	}
	w := envelope.State
	switch w.Type {
	case StateNew:
		*s = New()
	case StateStable:
		version, err := deltaup.NewCleanName(w.Version)
		if err != nil {
			return err
		}
		*s = Stable(version)
	case StateCorrupted:
		version, err := deltaup.NewCleanName(w.Version)
		if err != nil {
			return err
		}
		*s = Corrupted(version, w.Failures)
	case StateUpdating:
		to, err := deltaup.NewCleanName(w.To)
		if err != nil {
			return err
		}
		var from deltaup.CleanName
		if w.From != "" {
			if from, err = deltaup.NewCleanName(w.From); err != nil {
				return err
			}
		}
		*s = Updating(&UpdateState{
			From:             from,
			To:               to,
			Available:        w.Available,
			Applied:          w.Applied,
			Failures:         w.Failures,
			PreviousFailures: w.PreviousFailures,
		})
	default:
		return fmt.Errorf("unknown workspace state %q", w.Type)
	}
	return nil
}
