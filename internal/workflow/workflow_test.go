package workflow

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

func TestBeadPipelineWorkflowReturnsOnCompleted(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	beadID := beadcore.NewID()
	calls := 0
	env.OnActivity(a.PollBeadActivity, mock.Anything, beadID).Return(func() (BeadStatus, error) {
		calls++
		if calls < 3 {
			return BeadStatus{State: beadcore.StateRunning}, nil
		}
		return BeadStatus{State: beadcore.StateCompleted, Terminal: true}, nil
	})

	env.ExecuteWorkflow(BeadPipelineWorkflow, BeadPipelineRequest{BeadID: beadID})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result BeadPipelineResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, beadcore.StateCompleted, result.State)
	require.GreaterOrEqual(t, calls, 3)
}

func TestBeadPipelineWorkflowReturnsErrorOnFailed(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	beadID := beadcore.NewID()
	env.OnActivity(a.PollBeadActivity, mock.Anything, beadID).Return(
		BeadStatus{State: beadcore.StateFailed, Terminal: true}, nil)

	env.ExecuteWorkflow(BeadPipelineWorkflow, BeadPipelineRequest{BeadID: beadID})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestBeadPipelineWorkflowSkipsSleepWhenAdvanced(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	beadID := beadcore.NewID()
	calls := 0
	env.OnActivity(a.PollBeadActivity, mock.Anything, beadID).Return(func() (BeadStatus, error) {
		calls++
		if calls == 1 {
			return BeadStatus{State: beadcore.StateRunning, Advanced: true}, nil
		}
		return BeadStatus{State: beadcore.StateCompleted, Terminal: true}, nil
	})

	env.ExecuteWorkflow(BeadPipelineWorkflow, BeadPipelineRequest{BeadID: beadID})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Equal(t, 2, calls)
}
