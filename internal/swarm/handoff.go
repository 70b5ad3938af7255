package swarm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// HandoffState is the hand-off rendezvous state for a single bead, encoded
// into its marker filename.
type HandoffState int

const (
	ContractReady HandoffState = iota
	ReadyToImplement
	Implementing
	ImplementationComplete
	ReadyReview
	Reviewing
	Complete
)

func (s HandoffState) String() string {
	switch s {
	case ContractReady:
		return "ContractReady"
	case ReadyToImplement:
		return "ReadyToImplement"
	case Implementing:
		return "Implementing"
	case ImplementationComplete:
		return "ImplementationComplete"
	case ReadyReview:
		return "ReadyReview"
	case Reviewing:
		return "Reviewing"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}

func (s HandoffState) pattern() string {
	switch s {
	case ContractReady:
		return "contracts"
	case ReadyToImplement:
		return "ready-to-implement"
	case Implementing:
		return "implementation-in-progress"
	case ImplementationComplete:
		return "implementation-complete"
	case ReadyReview:
		return "ready-review"
	case Reviewing:
		return "reviewing"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// HandoffFile is the JSON marker that mediates phase transitions between
// independently running agent processes (spec.md §4.7/§6).
type HandoffFile struct {
	BeadID      beadcore.BeadID `json:"bead_id"`
	State       HandoffState    `json:"state"`
	ContractPath string         `json:"contract_path,omitempty"`
	Workspace   string          `json:"workspace,omitempty"`
	TestResults json.RawMessage `json:"test_results,omitempty"`
	CommitHash  string          `json:"commit_hash,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// NewHandoffFile creates a handoff marker record in the given state. now is
// passed in (and stored as Unix seconds) rather than read from the clock so
// callers stay deterministic and testable.
func NewHandoffFile(beadID beadcore.BeadID, state HandoffState, now time.Time) HandoffFile {
	ts := now.Unix()
	return HandoffFile{BeadID: beadID, State: state, CreatedAt: ts, UpdatedAt: ts}
}

// path returns the marker's path for the given handoff directory.
func (h HandoffFile) path(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("bead-%s-%s.json", h.State.pattern(), h.BeadID.String()))
}

// Write serializes and writes the marker file.
func (h HandoffFile) Write(dir string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return &beadcore.SerializationError{Op: "marshal handoff", Reason: err.Error()}
	}
	path := h.path(dir)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &beadcore.WorkspaceFailedError{Workspace: h.BeadID.String(), Op: "write handoff", Reason: err.Error()}
	}
	return nil
}

// ReadHandoffFile reads and parses a marker at path.
func ReadHandoffFile(path string) (HandoffFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HandoffFile{}, &beadcore.WorkspaceFailedError{Workspace: path, Op: "read handoff", Reason: err.Error()}
	}
	var h HandoffFile
	if err := json.Unmarshal(data, &h); err != nil {
		return HandoffFile{}, &beadcore.SerializationError{Op: "unmarshal handoff", Reason: err.Error()}
	}
	return h, nil
}

// Delete removes the marker file for h from dir.
func (h HandoffFile) Delete(dir string) error {
	path := h.path(dir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &beadcore.WorkspaceFailedError{Workspace: h.BeadID.String(), Op: "delete handoff", Reason: err.Error()}
	}
	return nil
}

// TransitionHandoff moves a handoff to newState: write the new marker, then
// delete the old one, in that order, so a reader never observes zero
// markers for an in-flight bead. A crash between the two steps leaves both
// markers on disk, the new one carrying the later UpdatedAt; nothing in
// this package detects or resolves such a pair.
func TransitionHandoff(h HandoffFile, newState HandoffState, dir string, now time.Time) (HandoffFile, error) {
	next := h
	next.State = newState
	next.UpdatedAt = now.Unix()

	if err := next.Write(dir); err != nil {
		return HandoffFile{}, err
	}
	if err := h.Delete(dir); err != nil {
		return HandoffFile{}, err
	}
	return next, nil
}

// FindHandoffs globs dir for marker files matching state and parses each.
// Unparseable files are skipped rather than failing the whole scan, since a
// concurrent writer may be mid-transition.
func FindHandoffs(dir string, state HandoffState) ([]HandoffFile, error) {
	glob := filepath.Join(dir, fmt.Sprintf("bead-%s-*.json", state.pattern()))
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, &beadcore.WorkspaceFailedError{Workspace: dir, Op: "glob handoffs", Reason: err.Error()}
	}
	var out []HandoffFile
	for _, m := range matches {
		h, err := ReadHandoffFile(m)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// CleanupBeadHandoffs removes every non-terminal marker for beadID.
// bead-complete-<id>.json is intentionally left in place as an audit
// trail.
func CleanupBeadHandoffs(beadID beadcore.BeadID, dir string) error {
	states := []HandoffState{ContractReady, ReadyToImplement, Implementing, ImplementationComplete, ReadyReview, Reviewing}
	for _, s := range states {
		h := HandoffFile{BeadID: beadID, State: s}
		path := h.path(dir)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := h.Delete(dir); err != nil {
			return err
		}
	}
	return nil
}
