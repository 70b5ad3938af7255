package projection

import (
	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// AllBeadsState is the per-bead read model: a snapshot of every bead's
// current fields plus a running count of beads in each lifecycle state, so
// callers don't need to re-scan the full map just to answer "how many beads
// are Running right now".
type AllBeadsState struct {
	Beads       map[beadcore.BeadID]*beadcore.Bead
	StateCounts map[beadcore.BeadState]int
}

// Clone returns a deep-enough copy safe to hand to a caller without letting
// it mutate projection-owned state.
func (s AllBeadsState) Clone() AllBeadsState {
	out := AllBeadsState{
		Beads:       make(map[beadcore.BeadID]*beadcore.Bead, len(s.Beads)),
		StateCounts: make(map[beadcore.BeadState]int, len(s.StateCounts)),
	}
	for id, b := range s.Beads {
		out.Beads[id] = b.Clone()
	}
	for st, n := range s.StateCounts {
		out.StateCounts[st] = n
	}
	return out
}

// AllBeadsProjection folds the event log into AllBeadsState. It is the
// canonical projection the swarm coordinator reads its bead state from.
type AllBeadsProjection struct{}

func (AllBeadsProjection) InitialState() AllBeadsState {
	return AllBeadsState{
		Beads:       make(map[beadcore.BeadID]*beadcore.Bead),
		StateCounts: make(map[beadcore.BeadState]int),
	}
}

func (AllBeadsProjection) Apply(state AllBeadsState, ev beadcore.Event) AllBeadsState {
	switch ev.Kind {
	case beadcore.EventWorkerUnhealthy:
		// Carries no bead_id; nothing to fold into the per-bead view.
		return state
	}

	bead, existed := state.Beads[ev.BeadID]

	switch ev.Kind {
	case beadcore.EventCreated:
		deps := make(map[beadcore.BeadID]struct{}, len(ev.Spec.Dependencies))
		for _, d := range ev.Spec.Dependencies {
			deps[d] = struct{}{}
		}
		bead = &beadcore.Bead{
			ID:           ev.BeadID,
			Title:        ev.Spec.Title,
			Spec:         ev.Spec,
			Priority:     ev.Spec.Priority,
			Dependencies: deps,
			Complexity:   ev.Spec.Complexity,
			State:        beadcore.StatePending,
			Phase:        beadcore.PhaseContract,
			CreatedAt:    ev.Timestamp,
			UpdatedAt:    ev.Timestamp,
		}
		state.Beads[ev.BeadID] = bead
		state.StateCounts[beadcore.StatePending]++
		return state

	case beadcore.EventDependencyResolved:
		if !existed {
			return state
		}
		delete(bead.Dependencies, ev.DependencyID)
		bead.UpdatedAt = ev.Timestamp
		return state

	case beadcore.EventStateChanged:
		if !existed {
			return state
		}
		state.StateCounts[bead.State]--
		bead.History = append(bead.History, beadcore.StateTransition{
			From: ev.StateFrom, To: ev.StateTo, Reason: ev.Reason, Timestamp: ev.Timestamp,
		})
		bead.State = ev.StateTo
		bead.UpdatedAt = ev.Timestamp
		state.StateCounts[bead.State]++
		if ev.StateTo == beadcore.StateReady || ev.StateTo == beadcore.StatePending {
			bead.AssignedAgent = nil
		}
		return state

	case beadcore.EventPhaseCompleted:
		if !existed {
			return state
		}
		bead.Phase = nextPhase(ev.PhaseID)
		bead.UpdatedAt = ev.Timestamp
		return state

	case beadcore.EventClaimed:
		if !existed {
			return state
		}
		agent := ev.AgentID
		bead.AssignedAgent = &agent
		bead.UpdatedAt = ev.Timestamp
		return state

	case beadcore.EventUnclaimed:
		if !existed {
			return state
		}
		bead.AssignedAgent = nil
		bead.UpdatedAt = ev.Timestamp
		return state

	case beadcore.EventPriorityChanged:
		if !existed {
			return state
		}
		bead.Priority = ev.NewPriority
		bead.UpdatedAt = ev.Timestamp
		return state

	case beadcore.EventMetadataUpdated:
		if !existed {
			return state
		}
		bead.UpdatedAt = ev.Timestamp
		return state

	case beadcore.EventFailed:
		if !existed {
			return state
		}
		bead.RetryCount++
		bead.UpdatedAt = ev.Timestamp
		return state

	case beadcore.EventCompleted:
		if !existed {
			return state
		}
		bead.Workspace = ""
		bead.UpdatedAt = ev.Timestamp
		return state

	default:
		return state
	}
}

func nextPhase(completed beadcore.Phase) beadcore.Phase {
	switch completed {
	case beadcore.PhaseContract:
		return beadcore.PhaseImplementation
	case beadcore.PhaseImplementation:
		return beadcore.PhaseReview
	case beadcore.PhaseReview:
		return beadcore.PhaseComplete
	default:
		return beadcore.PhaseComplete
	}
}
