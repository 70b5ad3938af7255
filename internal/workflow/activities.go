package workflow

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/swarm"
)

// Activities holds the coordinator an activity method dispatches into.
type Activities struct {
	Coordinator *swarm.Coordinator
}

// PollBeadActivity checks beadID's current-phase hand-off marker and
// advances the bead if it is present, returning the bead's resulting
// status. Temporal retries this activity on transient failure per the
// workflow's ActivityOptions; heartbeating lets a long-running poll
// survive a worker restart without Temporal declaring it stuck.
func (a *Activities) PollBeadActivity(ctx context.Context, beadID beadcore.BeadID) (BeadStatus, error) {
	activity.RecordHeartbeat(ctx)

	advanced, err := a.Coordinator.PollBead(ctx, beadID)
	if err != nil {
		return BeadStatus{}, err
	}

	bead, ok := a.Coordinator.BeadSnapshot(beadID)
	if !ok {
		return BeadStatus{}, beadcore.ErrBeadNotFound
	}

	return BeadStatus{
		State:    bead.State,
		Phase:    bead.Phase,
		Advanced: advanced,
		Terminal: bead.State.IsTerminal(),
	}, nil
}
