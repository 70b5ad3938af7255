package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity-dev/beadforge/internal/agentpool"
	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/eventstore"
	"github.com/antigravity-dev/beadforge/internal/projection"
	"github.com/antigravity-dev/beadforge/internal/timer"
	"github.com/antigravity-dev/beadforge/internal/workqueue"
	"github.com/antigravity-dev/beadforge/internal/workspace"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *projection.ManagedProjection[projection.AllBeadsState]) {
	t.Helper()
	ctx := context.Background()

	store := eventstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	proj, err := projection.NewManaged[projection.AllBeadsState](ctx, store, projection.AllBeadsProjection{})
	require.NoError(t, err)
	t.Cleanup(proj.Close)

	backend, err := workspace.NewDirBackend(t.TempDir())
	require.NoError(t, err)

	timerStore, err := timer.OpenSQLite(t.TempDir() + "/timers.db")
	require.NoError(t, err)
	t.Cleanup(func() { timerStore.Close() })

	c := New(Config{
		Store:      store,
		Projection: proj,
		Agents:     agentpool.New(agentpool.Config{}),
		Queue:      workqueue.New(),
		Timers:     timerStore,
		Workspaces: backend,
		HandoffDir: t.TempDir(),
		Retry:      DefaultRetryPolicy(),
	})
	return c, proj
}

func waitForBeadState(t *testing.T, proj *projection.ManagedProjection[projection.AllBeadsState], beadID beadcore.BeadID, want beadcore.BeadState) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := proj.Snapshot()
		bead, ok := snap.Beads[beadID]
		return ok && bead.State == want
	}, 2*time.Second, 5*time.Millisecond, "bead never reached state %s", want)
}

func TestCreateBeadWithNoDependenciesBecomesReady(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)

	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "demo"})
	require.NoError(t, err)

	waitForBeadState(t, proj, beadID, beadcore.StateReady)
}

func TestCreateBeadWithDependenciesStaysPendingUntilResolved(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)

	depID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "dependency"})
	require.NoError(t, err)
	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "dependent", Dependencies: []beadcore.BeadID{depID}})
	require.NoError(t, err)

	snap := proj.Snapshot()
	require.Equal(t, beadcore.StatePending, snap.Beads[beadID].State)

	loopCtx := contextWithCancelOnCleanup(t)
	go c.runEventLoop(loopCtx)
	// Give runEventLoop a moment to register its subscription before the
	// triggering event is appended; MemoryStore does not replay past events
	// to a new subscriber.
	time.Sleep(10 * time.Millisecond)

	_, err = c.store.Append(ctx, beadcore.NewCompletedEvent(depID, beadcore.BeadResult{}))
	require.NoError(t, err)

	waitForBeadState(t, proj, beadID, beadcore.StateReady)
}

func contextWithCancelOnCleanup(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestDrainReadyDispatchesBeadAndAssignsAgent(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)
	c.agents.RegisterAgent("tw1", beadcore.RoleTestWriter)

	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "demo"})
	require.NoError(t, err)
	waitForBeadState(t, proj, beadID, beadcore.StateReady)

	c.drainReady(ctx)
	waitForBeadState(t, proj, beadID, beadcore.StateRunning)

	agent, ok := c.agents.Get("tw1")
	require.True(t, ok)
	require.Equal(t, beadcore.AgentWorking, agent.State)

	_, hasGuard := c.guards[beadID]
	require.True(t, hasGuard)
}

func TestFullPipelineAdvancesThroughAllPhasesToCompleted(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)
	c.agents.RegisterAgent("tw1", beadcore.RoleTestWriter)
	c.agents.RegisterAgent("im1", beadcore.RoleImplementer)
	c.agents.RegisterAgent("rv1", beadcore.RoleReviewer)

	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "demo"})
	require.NoError(t, err)
	waitForBeadState(t, proj, beadID, beadcore.StateReady)
	c.drainReady(ctx)
	waitForBeadState(t, proj, beadID, beadcore.StateRunning)

	// Test Writer signals its contract is ready.
	contractMarker := NewHandoffFile(beadID, ContractReady, time.Now())
	require.NoError(t, contractMarker.Write(c.handoffDir))
	c.pollHandoffs(ctx)

	require.Eventually(t, func() bool {
		snap := proj.Snapshot()
		return snap.Beads[beadID].Phase == beadcore.PhaseImplementation
	}, time.Second, 5*time.Millisecond)

	implAgent, ok := c.agents.Get("im1")
	require.True(t, ok)
	require.Equal(t, beadcore.AgentWorking, implAgent.State)

	claimPath := HandoffFile{BeadID: beadID, State: Implementing}.path(c.handoffDir)
	_, err = ReadHandoffFile(claimPath)
	require.NoError(t, err, "Implementing claim marker should have been written")

	// Implementer signals implementation is complete.
	implMarker := NewHandoffFile(beadID, ImplementationComplete, time.Now())
	require.NoError(t, implMarker.Write(c.handoffDir))
	c.pollHandoffs(ctx)

	require.Eventually(t, func() bool {
		snap := proj.Snapshot()
		return snap.Beads[beadID].Phase == beadcore.PhaseReview
	}, time.Second, 5*time.Millisecond)

	reviewAgent, ok := c.agents.Get("rv1")
	require.True(t, ok)
	require.Equal(t, beadcore.AgentWorking, reviewAgent.State)

	// Reviewer lands the bead.
	completeMarker := NewHandoffFile(beadID, Complete, time.Now())
	completeMarker.CommitHash = "abc123"
	require.NoError(t, completeMarker.Write(c.handoffDir))
	c.pollHandoffs(ctx)

	waitForBeadState(t, proj, beadID, beadcore.StateCompleted)

	item, ok := c.queue.Get(beadID)
	require.True(t, ok)
	require.Equal(t, workqueue.ItemLanded, item.State)

	_, hasGuard := c.guards[beadID]
	require.False(t, hasGuard, "workspace guard should be released on completion")
}

func TestFailOrBackoffSchedulesRetryWithinBudget(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)
	c.retry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
	c.agents.RegisterAgent("tw1", beadcore.RoleTestWriter)

	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "flaky"})
	require.NoError(t, err)
	waitForBeadState(t, proj, beadID, beadcore.StateReady)
	c.drainReady(ctx)
	waitForBeadState(t, proj, beadID, beadcore.StateRunning)

	c.handleWorkerUnhealthy(ctx, "tw1")
	waitForBeadState(t, proj, beadID, beadcore.StateBackingOff)

	due, err := c.timers.DueBefore(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, beadID, due[0].BeadID)

	require.NoError(t, c.FireTimer(ctx, due[0]))
	waitForBeadState(t, proj, beadID, beadcore.StateReady)
}

func TestFailOrBackoffFailsTerminallyWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)
	c.retry = RetryPolicy{MaxRetries: 0}
	c.agents.RegisterAgent("tw1", beadcore.RoleTestWriter)

	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "doomed"})
	require.NoError(t, err)
	waitForBeadState(t, proj, beadID, beadcore.StateReady)
	c.drainReady(ctx)
	waitForBeadState(t, proj, beadID, beadcore.StateRunning)

	c.handleWorkerUnhealthy(ctx, "tw1")
	waitForBeadState(t, proj, beadID, beadcore.StateFailed)

	item, ok := c.queue.Get(beadID)
	require.True(t, ok)
	require.Equal(t, workqueue.ItemFailed, item.State)
}

func TestCancelBeadTransitionsToCancelledAndReleasesWorkspace(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)
	c.agents.RegisterAgent("tw1", beadcore.RoleTestWriter)

	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "cancel me"})
	require.NoError(t, err)
	waitForBeadState(t, proj, beadID, beadcore.StateReady)
	c.drainReady(ctx)
	waitForBeadState(t, proj, beadID, beadcore.StateRunning)

	require.NoError(t, c.CancelBead(ctx, beadID))
	waitForBeadState(t, proj, beadID, beadcore.StateCancelled)

	_, hasGuard := c.guards[beadID]
	require.False(t, hasGuard)
}

func TestCancelBeadOnTerminalBeadIsNoop(t *testing.T) {
	ctx := context.Background()
	c, proj := newTestCoordinator(t)

	beadID, err := c.CreateBead(ctx, beadcore.BeadSpec{Title: "solo"})
	require.NoError(t, err)
	waitForBeadState(t, proj, beadID, beadcore.StateReady)

	_, err = c.store.Append(ctx, beadcore.NewStateChangedEvent(beadID, beadcore.StateReady, beadcore.StateCompleted, "test shortcut"))
	require.NoError(t, err)
	waitForBeadState(t, proj, beadID, beadcore.StateCompleted)

	require.NoError(t, c.CancelBead(ctx, beadID))
}
