package workflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/beadforge/internal/swarm"
)

// TaskQueue is the Temporal task queue every bead pipeline worker polls.
const TaskQueue = "beadforge-bead-pipeline"

// StartWorker connects to Temporal and runs the bead-pipeline worker until
// the process receives an interrupt. hostPort is typically
// "127.0.0.1:7233".
func StartWorker(hostPort string, coordinator *swarm.Coordinator, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})

	acts := &Activities{Coordinator: coordinator}
	w.RegisterWorkflow(BeadPipelineWorkflow)
	w.RegisterActivity(acts.PollBeadActivity)

	logger.Info("temporal worker started", "task_queue", TaskQueue)
	return w.Run(worker.InterruptCh())
}

// StartBeadPipeline kicks off a BeadPipelineWorkflow for beadID on an
// already-dialed client. The workflow ID carries a uuid suffix so a caller
// retrying a failed start never collides with the run it meant to replace.
func StartBeadPipeline(c client.Client, req BeadPipelineRequest) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:        "bead-pipeline-" + req.BeadID.String() + "-" + uuid.NewString(),
		TaskQueue: TaskQueue,
	}
	return c.ExecuteWorkflow(context.Background(), opts, BeadPipelineWorkflow, req)
}
