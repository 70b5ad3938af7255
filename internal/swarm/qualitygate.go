package swarm

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// GateVerdict is a quality gate's outcome for one bead's workspace.
type GateVerdict int

const (
	Passed GateVerdict = iota
	Warning
	Failed
)

func (v GateVerdict) String() string {
	switch v {
	case Passed:
		return "passed"
	case Warning:
		return "warning"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// GateResult is the outcome of running one Gate against a workspace.
type GateResult struct {
	Gate       string
	Verdict    GateVerdict
	Violations []string
}

// Gate is a named static check run over a bead's workspace artifacts before
// the coordinator accepts a PhaseCompleted from the Implementation phase.
// Quality gates are optional and out-of-core when disabled (spec.md §4.7).
type Gate interface {
	Name() string
	Evaluate(workspaceDir string) (GateResult, error)
}

// NoTODOGate fails if any tracked source file under the workspace contains
// a "TODO" marker, ported from the original implementation's quality gate
// concept (see SPEC_FULL.md Supplemented Features) as a concrete, testable
// stand-in for a real static analyzer.
type NoTODOGate struct {
	Extensions []string
}

// NewNoTODOGate returns a NoTODOGate scanning the given file extensions
// (".go" if none given).
func NewNoTODOGate(extensions ...string) *NoTODOGate {
	if len(extensions) == 0 {
		extensions = []string{".go"}
	}
	return &NoTODOGate{Extensions: extensions}
}

func (g *NoTODOGate) Name() string { return "no_todo" }

func (g *NoTODOGate) Evaluate(workspaceDir string) (GateResult, error) {
	var violations []string
	err := filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !g.matchesExtension(path) {
			return nil
		}
		found, scanErr := containsMarker(path, "TODO")
		if scanErr != nil {
			return scanErr
		}
		if found {
			rel, relErr := filepath.Rel(workspaceDir, path)
			if relErr != nil {
				rel = path
			}
			violations = append(violations, fmt.Sprintf("%s contains a TODO marker", rel))
		}
		return nil
	})
	if err != nil {
		return GateResult{}, &beadcore.WorkspaceFailedError{Workspace: workspaceDir, Op: "no_todo gate scan", Reason: err.Error()}
	}

	if len(violations) == 0 {
		return GateResult{Gate: g.Name(), Verdict: Passed}, nil
	}
	return GateResult{Gate: g.Name(), Verdict: Failed, Violations: violations}, nil
}

func (g *NoTODOGate) matchesExtension(path string) bool {
	ext := filepath.Ext(path)
	for _, want := range g.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

func containsMarker(path, marker string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), marker) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// MinimumComplianceGate checks what fraction of the files it scans pass a
// caller-supplied predicate: Passed at or above Threshold, Warning at or
// above 0.75*Threshold, Failed below that. It models the original
// implementation's minimum-compliance-threshold quality gate.
type MinimumComplianceGate struct {
	GateName  string
	Threshold float64
	Check     func(path string, content []byte) bool
	Extension string
}

func (g *MinimumComplianceGate) Name() string { return g.GateName }

func (g *MinimumComplianceGate) Evaluate(workspaceDir string) (GateResult, error) {
	var total, compliant int
	var violations []string

	err := filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != g.Extension {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		total++
		if g.Check(path, content) {
			compliant++
		} else {
			rel, relErr := filepath.Rel(workspaceDir, path)
			if relErr != nil {
				rel = path
			}
			violations = append(violations, rel)
		}
		return nil
	})
	if err != nil {
		return GateResult{}, &beadcore.WorkspaceFailedError{Workspace: workspaceDir, Op: g.GateName + " gate scan", Reason: err.Error()}
	}

	if total == 0 {
		return GateResult{Gate: g.GateName, Verdict: Passed}, nil
	}

	ratio := float64(compliant) / float64(total)
	switch {
	case ratio >= g.Threshold:
		return GateResult{Gate: g.GateName, Verdict: Passed}, nil
	case ratio >= g.Threshold*0.75:
		return GateResult{Gate: g.GateName, Verdict: Warning, Violations: violations}, nil
	default:
		return GateResult{Gate: g.GateName, Verdict: Failed, Violations: violations}, nil
	}
}

// RunGates evaluates every gate against workspaceDir in order and stops at
// the first gate that errors or returns Failed (fail-fast). A Failed
// verdict surfaces as a QualityGateFailedError so the coordinator can
// convert it into a phase failure. Warning verdicts do not stop the run
// and are not reported; nil means no gate failed.
func RunGates(beadID beadcore.BeadID, workspaceDir string, gates []Gate) error {
	for _, g := range gates {
		result, err := g.Evaluate(workspaceDir)
		if err != nil {
			return err
		}
		if result.Verdict == Failed {
			return &beadcore.QualityGateFailedError{
				Gate:       result.Gate,
				BeadID:     beadID,
				Reason:     "quality gate reported failure",
				Violations: result.Violations,
			}
		}
	}
	return nil
}
