package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

const defaultPollInterval = 2 * time.Second

// BeadPipelineWorkflow drives a single bead from Running to a terminal
// state by repeatedly polling its hand-off marker through PollBeadActivity,
// sleeping between attempts when nothing has changed. It returns once the
// bead reaches Completed, Failed, or Cancelled.
func BeadPipelineWorkflow(ctx workflow.Context, req BeadPipelineRequest) (BeadPipelineResult, error) {
	logger := workflow.GetLogger(ctx)

	interval := req.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	opts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		HeartbeatTimeout:    10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	}
	actCtx := workflow.WithActivityOptions(ctx, opts)

	var a *Activities
	for {
		var status BeadStatus
		if err := workflow.ExecuteActivity(actCtx, a.PollBeadActivity, req.BeadID).Get(ctx, &status); err != nil {
			return BeadPipelineResult{BeadID: req.BeadID}, fmt.Errorf("poll bead %s: %w", req.BeadID, err)
		}

		if status.Terminal {
			logger.Info("bead pipeline finished", "bead_id", req.BeadID, "state", status.State)
			result := BeadPipelineResult{BeadID: req.BeadID, State: status.State}
			if status.State == beadcore.StateFailed {
				return result, fmt.Errorf("bead %s failed", req.BeadID)
			}
			return result, nil
		}

		if status.Advanced {
			continue // a marker just resolved; check again immediately
		}

		if err := workflow.Sleep(ctx, interval); err != nil {
			return BeadPipelineResult{BeadID: req.BeadID}, err
		}
	}
}
