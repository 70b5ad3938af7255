// Package workflow is an optional Temporal-backed execution driver layered
// on top of internal/swarm's file-based hand-off protocol. The hand-off
// markers are ground truth; Temporal supplies crash-safe activity retries
// and heartbeating on top of the same poll-and-advance logic
// swarm.Coordinator.PollBead already implements in-process. The
// coordinator's own poll loop drives beads whether or not a Temporal
// worker is running (see SPEC_FULL.md's C7 expansion).
package workflow

import (
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// BeadPipelineRequest starts a BeadPipelineWorkflow for a single bead
// already created in the event store.
type BeadPipelineRequest struct {
	BeadID       beadcore.BeadID
	PollInterval time.Duration
}

// BeadPipelineResult is the workflow's terminal outcome.
type BeadPipelineResult struct {
	BeadID beadcore.BeadID
	State  beadcore.BeadState
}

// BeadStatus is PollBeadActivity's return value: the bead's state after one
// poll-and-maybe-advance attempt.
type BeadStatus struct {
	State    beadcore.BeadState
	Phase    beadcore.Phase
	Advanced bool
	Terminal bool
}
