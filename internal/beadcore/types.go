package beadcore

import "time"

// BeadState is the bead lifecycle state machine (spec.md §4.7).
type BeadState int

const (
	StatePending BeadState = iota
	StateReady
	StateScheduled
	StateClaimed
	StateRunning
	StateBackingOff
	StateCompleted
	StateFailed
	StateCancelled
)

func (s BeadState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateScheduled:
		return "scheduled"
	case StateClaimed:
		return "claimed"
	case StateRunning:
		return "running"
	case StateBackingOff:
		return "backing_off"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s BeadState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Phase is a stage in the per-bead pipeline.
type Phase int

const (
	PhaseContract Phase = iota
	PhaseImplementation
	PhaseReview
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseContract:
		return "contract"
	case PhaseImplementation:
		return "implementation"
	case PhaseReview:
		return "review"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Role identifies the agent specialization assigned to a phase.
type Role int

const (
	RoleTestWriter Role = iota
	RoleImplementer
	RoleReviewer
	RolePlanner
)

func (r Role) String() string {
	switch r {
	case RoleTestWriter:
		return "test_writer"
	case RoleImplementer:
		return "implementer"
	case RoleReviewer:
		return "reviewer"
	case RolePlanner:
		return "planner"
	default:
		return "unknown"
	}
}

// RoleForPhase maps a pipeline phase to the agent role responsible for it.
func RoleForPhase(p Phase) Role {
	switch p {
	case PhaseContract:
		return RoleTestWriter
	case PhaseImplementation:
		return RoleImplementer
	case PhaseReview:
		return RoleReviewer
	default:
		return RolePlanner
	}
}

// Complexity is an operator-assigned sizing hint for a bead.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// StateTransition records one step of a bead's history.
type StateTransition struct {
	From      BeadState
	To        BeadState
	Reason    string
	Timestamp time.Time
}

// BeadSpec is the opaque, user-supplied description of the work to do.
type BeadSpec struct {
	Title        string
	Description  string
	Priority     int
	Dependencies []BeadID
	Complexity   Complexity
}

// BeadResult is the artifact produced by a successfully completed bead.
type BeadResult struct {
	CommitHash string
	Output     []byte
	DurationMS int64
}

// PhaseOutput is the opaque artifact produced by completing one phase.
type PhaseOutput struct {
	Summary string
	Data    []byte
}

// Bead is a unit of work progressing through the pipeline.
type Bead struct {
	ID            BeadID
	Title         string
	Spec          BeadSpec
	Priority      int
	Dependencies  map[BeadID]struct{}
	Complexity    Complexity
	State         BeadState
	Phase         Phase
	AssignedAgent *AgentID
	Workspace     string
	RetryCount    int
	MaxRetries    int
	History       []StateTransition
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep-enough copy of the bead suitable for handing to a
// caller without letting it mutate projection-owned state.
func (b *Bead) Clone() *Bead {
	if b == nil {
		return nil
	}
	c := *b
	c.Dependencies = make(map[BeadID]struct{}, len(b.Dependencies))
	for k := range b.Dependencies {
		c.Dependencies[k] = struct{}{}
	}
	c.History = append([]StateTransition(nil), b.History...)
	return &c
}

// AgentState is the agent lifecycle state (spec.md §3).
type AgentState int

const (
	AgentIdle AgentState = iota
	AgentWorking
	AgentUnhealthy
	AgentTerminated
)

func (s AgentState) String() string {
	switch s {
	case AgentIdle:
		return "idle"
	case AgentWorking:
		return "working"
	case AgentUnhealthy:
		return "unhealthy"
	case AgentTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsActive reports whether the agent should still be health-checked.
func (s AgentState) IsActive() bool {
	return s == AgentIdle || s == AgentWorking || s == AgentUnhealthy
}

// TimerStatus is the durable timer lifecycle (spec.md §3).
type TimerStatus int

const (
	TimerPending TimerStatus = iota
	TimerFired
	TimerCancelled
	TimerFailed
)

func (s TimerStatus) String() string {
	switch s {
	case TimerPending:
		return "pending"
	case TimerFired:
		return "fired"
	case TimerCancelled:
		return "cancelled"
	case TimerFailed:
		return "failed"
	default:
		return "unknown"
	}
}
