// Package swarm drives the bead lifecycle and hand-off protocol (C7):
// dependency resolution, agent/workspace dispatch, phase advancement via
// file-based hand-off markers, failure recovery through the durable timer,
// and quality gates.
package swarm

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/antigravity-dev/beadforge/internal/agentpool"
	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/eventstore"
	"github.com/antigravity-dev/beadforge/internal/projection"
	"github.com/antigravity-dev/beadforge/internal/timer"
	"github.com/antigravity-dev/beadforge/internal/workqueue"
	"github.com/antigravity-dev/beadforge/internal/workspace"
)

// Config wires a Coordinator to its collaborating components.
type Config struct {
	Store      eventstore.EventStore
	Projection *projection.ManagedProjection[projection.AllBeadsState]
	Agents     *agentpool.Pool
	Queue      *workqueue.Queue
	Timers     timer.Store
	Workspaces workspace.Backend
	HandoffDir string
	Retry      RetryPolicy
	Gates      []Gate
	Logger     *slog.Logger
}

// Coordinator implements spec.md §4.7's seven coordinator responsibilities:
// event-sourced bead creation, dependency resolution, Ready-bead dispatch,
// hand-off-driven phase advancement, agent-failure recovery via the retry
// policy and C5 timer, cancellation, and event-first state mutation.
type Coordinator struct {
	store      eventstore.EventStore
	proj       *projection.ManagedProjection[projection.AllBeadsState]
	agents     *agentpool.Pool
	queue      *workqueue.Queue
	timers     timer.Store
	workspaces workspace.Backend
	handoffDir string
	retry      RetryPolicy
	gates      []Gate
	logger     *slog.Logger

	mu     sync.Mutex
	guards map[beadcore.BeadID]*workspace.Guard
}

// New constructs a Coordinator from cfg.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandoffDir == "" {
		cfg.HandoffDir = os.TempDir()
	}
	return &Coordinator{
		store:      cfg.Store,
		proj:       cfg.Projection,
		agents:     cfg.Agents,
		queue:      cfg.Queue,
		timers:     cfg.Timers,
		workspaces: cfg.Workspaces,
		handoffDir: cfg.HandoffDir,
		retry:      cfg.Retry,
		gates:      cfg.Gates,
		logger:     cfg.Logger,
		guards:     make(map[beadcore.BeadID]*workspace.Guard),
	}
}

// claimMarkerForPhase returns the hand-off state representing "an agent has
// claimed this phase", for phases that have one. The Contract phase has no
// analogous marker in spec.md's seven-state set (a Test Writer's first
// externally visible signal is ContractReady, emitted on completion, not on
// claim), so the coordinator writes no marker when dispatching it.
func claimMarkerForPhase(phase beadcore.Phase) (HandoffState, bool) {
	switch phase {
	case beadcore.PhaseImplementation:
		return Implementing, true
	case beadcore.PhaseReview:
		return Reviewing, true
	default:
		return 0, false
	}
}

// completionMarkerForPhase returns the "phase done" marker state and,
// unless this was the terminal Review phase, the "ready for next phase"
// marker state.
func completionMarkerForPhase(phase beadcore.Phase) (done HandoffState, ready HandoffState, hasNext bool) {
	switch phase {
	case beadcore.PhaseContract:
		return ContractReady, ReadyToImplement, true
	case beadcore.PhaseImplementation:
		return ImplementationComplete, ReadyReview, true
	default:
		return Complete, Complete, false
	}
}

// CreateBead appends a Created event and enqueues the bead for dispatch
// (coordinator responsibility 1).
func (c *Coordinator) CreateBead(ctx context.Context, spec beadcore.BeadSpec) (beadcore.BeadID, error) {
	ev := beadcore.NewCreatedEvent(beadcore.NewID(), spec)
	if _, err := c.store.Append(ctx, ev); err != nil {
		return beadcore.Zero, err
	}
	if err := c.queue.Add(ev.BeadID, c.retry.MaxRetries); err != nil {
		c.logger.Warn("work queue add failed", "bead_id", ev.BeadID, "error", err)
	}
	if len(spec.Dependencies) == 0 {
		if _, err := c.store.Append(ctx, beadcore.NewStateChangedEvent(ev.BeadID, beadcore.StatePending, beadcore.StateReady, "no dependencies")); err != nil {
			return ev.BeadID, err
		}
	}
	return ev.BeadID, nil
}

// Run starts the coordinator's background loops (event observation, ready
// drain, hand-off polling) and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, drainInterval, pollInterval time.Duration) {
	if drainInterval <= 0 {
		drainInterval = time.Second
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.runEventLoop(ctx) }()
	go func() { defer wg.Done(); c.tickLoop(ctx, drainInterval, c.drainReady) }()
	go func() { defer wg.Done(); c.tickLoop(ctx, pollInterval, c.pollHandoffs) }()
	wg.Wait()
}

func (c *Coordinator) tickLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (c *Coordinator) runEventLoop(ctx context.Context) {
	ch, cancel := c.store.Subscribe(ctx)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case beadcore.EventCompleted:
				c.resolveDependents(ctx, ev.BeadID)
			case beadcore.EventWorkerUnhealthy:
				c.handleWorkerUnhealthy(ctx, beadcore.AgentID(ev.WorkerID))
			}
		}
	}
}

// resolveDependents implements coordinator responsibility 2: any Pending
// bead blocked on completedID gets a DependencyResolved event, and
// transitions to Ready once its last dependency clears.
func (c *Coordinator) resolveDependents(ctx context.Context, completedID beadcore.BeadID) {
	snap := c.proj.Snapshot()
	for _, bead := range snap.Beads {
		if _, blocked := bead.Dependencies[completedID]; !blocked {
			continue
		}
		if _, err := c.store.Append(ctx, beadcore.NewDependencyResolvedEvent(bead.ID, completedID)); err != nil {
			c.logger.Error("append dependency resolved", "bead_id", bead.ID, "error", err)
			continue
		}
		if len(bead.Dependencies) == 1 {
			if _, err := c.store.Append(ctx, beadcore.NewStateChangedEvent(bead.ID, beadcore.StatePending, beadcore.StateReady, "dependencies resolved")); err != nil {
				c.logger.Error("append ready transition", "bead_id", bead.ID, "error", err)
			}
		}
	}
}

// drainReady implements coordinator responsibility 3: for every Ready
// bead, try to assign an agent for the current phase and acquire a
// workspace, then advance Ready -> Scheduled -> Claimed -> Running.
func (c *Coordinator) drainReady(ctx context.Context) {
	snap := c.proj.Snapshot()
	for _, bead := range snap.Beads {
		if bead.State != beadcore.StateReady {
			continue
		}
		if err := c.startBead(ctx, bead); err != nil {
			c.logger.Error("start bead", "bead_id", bead.ID, "error", err)
		}
	}
}

func (c *Coordinator) startBead(ctx context.Context, bead *beadcore.Bead) error {
	role := beadcore.RoleForPhase(bead.Phase)
	agentID, err := c.agents.AssignBead(role, bead.ID)
	if err != nil {
		return nil // no agent available yet; retried on the next drain tick
	}

	_, guard, err := workspace.Acquire(ctx, c.workspaces, bead.ID)
	if err != nil {
		if relErr := c.agents.Release(agentID); relErr != nil {
			c.logger.Error("release agent after workspace failure", "agent_id", agentID, "error", relErr)
		}
		return err
	}
	c.mu.Lock()
	c.guards[bead.ID] = guard
	c.mu.Unlock()

	if claim, ok := claimMarkerForPhase(bead.Phase); ok {
		h := NewHandoffFile(bead.ID, claim, time.Now())
		if err := h.Write(c.handoffDir); err != nil {
			c.logger.Error("write claim marker", "bead_id", bead.ID, "error", err)
		}
	}

	for _, ev := range []beadcore.Event{
		beadcore.NewStateChangedEvent(bead.ID, beadcore.StateReady, beadcore.StateScheduled, "agent assigned"),
		beadcore.NewStateChangedEvent(bead.ID, beadcore.StateScheduled, beadcore.StateClaimed, "workspace acquired"),
		beadcore.NewClaimedEvent(bead.ID, agentID),
		beadcore.NewStateChangedEvent(bead.ID, beadcore.StateClaimed, beadcore.StateRunning, "dispatch started"),
	} {
		if _, err := c.store.Append(ctx, ev); err != nil {
			return err
		}
	}

	c.updateQueueState(bead.ID, queueStateForPhase(bead.Phase, true))
	return nil
}

// pollHandoffs implements coordinator responsibility 4: observe the
// marker each running bead's current phase would produce on completion,
// and convert it into a PhaseCompleted event and the next dispatch.
func (c *Coordinator) pollHandoffs(ctx context.Context) {
	snap := c.proj.Snapshot()
	for _, bead := range snap.Beads {
		if bead.State != beadcore.StateRunning {
			continue
		}
		done, _, _ := completionMarkerForPhase(bead.Phase)
		marker := HandoffFile{BeadID: bead.ID, State: done}
		h, err := ReadHandoffFile(marker.path(c.handoffDir))
		if err != nil {
			continue // marker not written yet
		}
		if err := c.advancePhase(ctx, bead, h); err != nil {
			c.logger.Error("advance phase", "bead_id", bead.ID, "phase", bead.Phase, "error", err)
		}
	}
}

func (c *Coordinator) advancePhase(ctx context.Context, bead *beadcore.Bead, doneMarker HandoffFile) error {
	phase := bead.Phase

	if phase == beadcore.PhaseImplementation && len(c.gates) > 0 {
		if dir, ok := c.workspaceDir(bead.ID); ok {
			if gateErr := RunGates(bead.ID, dir, c.gates); gateErr != nil {
				return c.handlePhaseFailure(ctx, bead, gateErr)
			}
		}
	}

	output := beadcore.PhaseOutput{Summary: doneMarker.State.String(), Data: doneMarker.TestResults}
	if _, err := c.store.Append(ctx, beadcore.NewPhaseCompletedEvent(bead.ID, phase, output)); err != nil {
		return err
	}

	_, ready, hasNext := completionMarkerForPhase(phase)
	if !hasNext {
		return c.completeBead(ctx, bead, doneMarker)
	}

	transitioned, err := TransitionHandoff(doneMarker, ready, c.handoffDir, time.Now())
	if err != nil {
		return err
	}

	if bead.AssignedAgent != nil {
		if err := c.agents.Release(*bead.AssignedAgent); err != nil {
			c.logger.Error("release agent after phase completion", "agent_id", *bead.AssignedAgent, "error", err)
		}
	}
	c.updateQueueState(bead.ID, queueStateForPhase(phase, false))

	return c.startNextPhaseAgent(ctx, bead.ID, nextPhase(phase), transitioned)
}

func (c *Coordinator) startNextPhaseAgent(ctx context.Context, beadID beadcore.BeadID, phase beadcore.Phase, readyMarker HandoffFile) error {
	role := beadcore.RoleForPhase(phase)
	agentID, err := c.agents.AssignBead(role, beadID)
	if err != nil {
		return nil // no agent yet; readyMarker stays on disk for the next poll tick
	}

	if claim, ok := claimMarkerForPhase(phase); ok {
		if _, err := TransitionHandoff(readyMarker, claim, c.handoffDir, time.Now()); err != nil {
			return err
		}
	}

	if _, err := c.store.Append(ctx, beadcore.NewClaimedEvent(beadID, agentID)); err != nil {
		return err
	}
	c.updateQueueState(beadID, queueStateForPhase(phase, true))
	return nil
}

func (c *Coordinator) completeBead(ctx context.Context, bead *beadcore.Bead, marker HandoffFile) error {
	result := beadcore.BeadResult{CommitHash: marker.CommitHash}
	if _, err := c.store.Append(ctx, beadcore.NewCompletedEvent(bead.ID, result)); err != nil {
		return err
	}
	if _, err := c.store.Append(ctx, beadcore.NewStateChangedEvent(bead.ID, beadcore.StateRunning, beadcore.StateCompleted, "review landed")); err != nil {
		return err
	}
	if bead.AssignedAgent != nil {
		if err := c.agents.Release(*bead.AssignedAgent); err != nil {
			c.logger.Error("release agent on completion", "agent_id", *bead.AssignedAgent, "error", err)
		}
	}
	c.releaseWorkspace(ctx, bead.ID)
	if err := CleanupBeadHandoffs(bead.ID, c.handoffDir); err != nil {
		c.logger.Error("cleanup handoffs", "bead_id", bead.ID, "error", err)
	}
	c.updateQueueState(bead.ID, workqueue.ItemLanded)
	return nil
}

// handlePhaseFailure implements the failure side of coordinator
// responsibility 5, triggered by a quality gate rejection rather than an
// agent-health signal.
func (c *Coordinator) handlePhaseFailure(ctx context.Context, bead *beadcore.Bead, cause error) error {
	c.logger.Warn("phase failed", "bead_id", bead.ID, "phase", bead.Phase, "error", cause)
	return c.failOrBackoff(ctx, bead, cause.Error())
}

// handleWorkerUnhealthy implements coordinator responsibility 5 for the
// agent-health path: find the bead the unhealthy agent held, if any, and
// route it through the retry/backoff decision.
func (c *Coordinator) handleWorkerUnhealthy(ctx context.Context, agentID beadcore.AgentID) {
	snap := c.proj.Snapshot()
	for _, bead := range snap.Beads {
		if bead.AssignedAgent == nil || *bead.AssignedAgent != agentID {
			continue
		}
		if err := c.failOrBackoff(ctx, bead, "assigned agent became unhealthy"); err != nil {
			c.logger.Error("reclaim bead after agent failure", "bead_id", bead.ID, "error", err)
		}
		return
	}
}

// failOrBackoff appends a Failed event (incrementing retry count) and then
// either a terminal Failed state transition, if the retry budget is
// exhausted, or a BackingOff transition plus a durable retry timer.
func (c *Coordinator) failOrBackoff(ctx context.Context, bead *beadcore.Bead, reason string) error {
	if _, err := c.store.Append(ctx, beadcore.NewFailedEvent(bead.ID, reason)); err != nil {
		return err
	}
	nextRetryCount := bead.RetryCount + 1

	if !c.retry.ShouldRetry(nextRetryCount - 1) {
		if _, err := c.store.Append(ctx, beadcore.NewStateChangedEvent(bead.ID, bead.State, beadcore.StateFailed, "retry budget exhausted")); err != nil {
			return err
		}
		c.releaseWorkspace(ctx, bead.ID)
		if err := CleanupBeadHandoffs(bead.ID, c.handoffDir); err != nil {
			c.logger.Error("cleanup handoffs after terminal failure", "bead_id", bead.ID, "error", err)
		}
		c.updateQueueState(bead.ID, workqueue.ItemFailed)
		return nil
	}

	if _, err := c.store.Append(ctx, beadcore.NewStateChangedEvent(bead.ID, bead.State, beadcore.StateBackingOff, reason)); err != nil {
		return err
	}
	c.releaseWorkspace(ctx, bead.ID)
	c.updateQueueState(bead.ID, workqueue.ItemFailed)

	delay := c.retry.Delay(nextRetryCount)
	if _, err := c.timers.Schedule(ctx, bead.ID, time.Now().Add(delay), "retry backoff"); err != nil {
		return err
	}
	return nil
}

// FireTimer is the timer.FireFunc the coordinator registers with a
// timer.Scheduler: a fired "retry backoff" timer moves its bead from
// BackingOff back to Ready.
func (c *Coordinator) FireTimer(ctx context.Context, t timer.Timer) error {
	snap := c.proj.Snapshot()
	bead, ok := snap.Beads[t.BeadID]
	if !ok {
		return nil
	}
	if bead.State != beadcore.StateBackingOff {
		return nil // already recovered or cancelled
	}
	if _, err := c.store.Append(ctx, beadcore.NewStateChangedEvent(bead.ID, beadcore.StateBackingOff, beadcore.StateReady, "retry timer fired")); err != nil {
		return err
	}
	c.updateQueueState(bead.ID, workqueue.ItemPending)
	return nil
}

// CancelBead implements coordinator responsibility 6: a no-op on a
// terminal bead, otherwise a Cancelled transition plus workspace teardown.
func (c *Coordinator) CancelBead(ctx context.Context, beadID beadcore.BeadID) error {
	snap := c.proj.Snapshot()
	bead, ok := snap.Beads[beadID]
	if !ok {
		return beadcore.ErrBeadNotFound
	}
	if bead.State.IsTerminal() {
		return nil
	}

	if bead.AssignedAgent != nil {
		if _, err := c.store.Append(ctx, beadcore.NewUnclaimedEvent(beadID, "cancelled")); err != nil {
			return err
		}
		if err := c.agents.Release(*bead.AssignedAgent); err != nil {
			c.logger.Error("release agent on cancel", "agent_id", *bead.AssignedAgent, "error", err)
		}
	}
	if _, err := c.store.Append(ctx, beadcore.NewStateChangedEvent(beadID, bead.State, beadcore.StateCancelled, "cancelled")); err != nil {
		return err
	}
	c.releaseWorkspace(ctx, beadID)
	if err := CleanupBeadHandoffs(beadID, c.handoffDir); err != nil {
		c.logger.Error("cleanup handoffs on cancel", "bead_id", beadID, "error", err)
	}
	return nil
}

// PollBead checks a single Running bead's current-phase completion marker
// and advances it if present, returning whether it advanced. It is the
// single-bead building block internal/workflow's Temporal activity wraps to
// layer crash-safe polling on top of the same hand-off protocol pollHandoffs
// drives for every bead.
func (c *Coordinator) PollBead(ctx context.Context, beadID beadcore.BeadID) (bool, error) {
	snap := c.proj.Snapshot()
	bead, ok := snap.Beads[beadID]
	if !ok || bead.State != beadcore.StateRunning {
		return false, nil
	}
	done, _, _ := completionMarkerForPhase(bead.Phase)
	marker := HandoffFile{BeadID: bead.ID, State: done}
	h, err := ReadHandoffFile(marker.path(c.handoffDir))
	if err != nil {
		return false, nil // marker not written yet
	}
	if err := c.advancePhase(ctx, bead, h); err != nil {
		return false, err
	}
	return true, nil
}

// BeadSnapshot returns the current projected state of beadID.
func (c *Coordinator) BeadSnapshot(beadID beadcore.BeadID) (*beadcore.Bead, bool) {
	snap := c.proj.Snapshot()
	bead, ok := snap.Beads[beadID]
	return bead, ok
}

func (c *Coordinator) releaseWorkspace(ctx context.Context, beadID beadcore.BeadID) {
	c.mu.Lock()
	guard := c.guards[beadID]
	delete(c.guards, beadID)
	c.mu.Unlock()
	if guard == nil {
		return
	}
	if err := guard.Release(ctx); err != nil {
		c.logger.Error("release workspace", "bead_id", beadID, "error", err)
	}
}

func (c *Coordinator) workspaceDir(beadID beadcore.BeadID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	guard, ok := c.guards[beadID]
	if !ok || guard.Handle() == nil {
		return "", false
	}
	return guard.Handle().Dir, true
}

func (c *Coordinator) updateQueueState(beadID beadcore.BeadID, state workqueue.ItemState) {
	if err := c.queue.UpdateState(beadID, state); err != nil {
		c.logger.Debug("work queue state update skipped", "bead_id", beadID, "state", state, "error", err)
	}
}

func nextPhase(completed beadcore.Phase) beadcore.Phase {
	switch completed {
	case beadcore.PhaseContract:
		return beadcore.PhaseImplementation
	case beadcore.PhaseImplementation:
		return beadcore.PhaseReview
	default:
		return beadcore.PhaseComplete
	}
}

func queueStateForPhase(phase beadcore.Phase, claimed bool) workqueue.ItemState {
	switch phase {
	case beadcore.PhaseContract:
		if claimed {
			return workqueue.ItemClaimed
		}
		return workqueue.ItemContractReady
	case beadcore.PhaseImplementation:
		if claimed {
			return workqueue.ItemImplementing
		}
		return workqueue.ItemImplementationComplete
	case beadcore.PhaseReview:
		if claimed {
			return workqueue.ItemReviewing
		}
		return workqueue.ItemLanded
	default:
		return workqueue.ItemLanded
	}
}
