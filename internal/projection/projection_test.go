package projection

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/eventstore"
	"github.com/stretchr/testify/require"
)

func TestAllBeadsProjectionAppliesCreatedAndStateChanged(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	defer store.Close()

	beadID := beadcore.NewID()
	_, err := store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{Title: "fix", Priority: 3}))
	require.NoError(t, err)
	_, err = store.Append(ctx, beadcore.NewStateChangedEvent(beadID, beadcore.StatePending, beadcore.StateReady, "no deps"))
	require.NoError(t, err)

	state, err := Rebuild(ctx, store, AllBeadsProjection{})
	require.NoError(t, err)

	bead, ok := state.Beads[beadID]
	require.True(t, ok)
	require.Equal(t, beadcore.StateReady, bead.State)
	require.Equal(t, 1, state.StateCounts[beadcore.StateReady])
	require.Equal(t, 0, state.StateCounts[beadcore.StatePending])
}

func TestRebuildEqualsReplayFoldLaw(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	defer store.Close()

	// Subscribe before appending, so the managed side folds every event
	// live rather than rebuilding them from the store.
	managed, err := NewManaged(ctx, store, AllBeadsProjection{})
	require.NoError(t, err)
	defer managed.Close()

	beadID := beadcore.NewID()
	events := []beadcore.Event{
		beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{Title: "t", Priority: 1}),
		beadcore.NewStateChangedEvent(beadID, beadcore.StatePending, beadcore.StateReady, ""),
		beadcore.NewStateChangedEvent(beadID, beadcore.StateReady, beadcore.StateScheduled, ""),
		beadcore.NewClaimedEvent(beadID, "tw1"),
		beadcore.NewStateChangedEvent(beadID, beadcore.StateScheduled, beadcore.StateClaimed, ""),
	}
	for _, ev := range events {
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return managed.EventsApplied() == int64(len(events))
	}, time.Second, 5*time.Millisecond)

	rebuilt, err := Rebuild(ctx, store, AllBeadsProjection{})
	require.NoError(t, err)

	live := managed.Snapshot()
	require.Equal(t, rebuilt.Beads[beadID].State, live.Beads[beadID].State)
	require.Equal(t, rebuilt.StateCounts, live.StateCounts)
}

func TestManagedProjectionAppliesLiveEvents(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	defer store.Close()

	managed, err := NewManaged(ctx, store, AllBeadsProjection{})
	require.NoError(t, err)
	defer managed.Close()

	beadID := beadcore.NewID()
	_, err = store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{Title: "live"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := managed.Snapshot()
		_, ok := snap.Beads[beadID]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestAllBeadsProjectionTracksDependencyResolution(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	defer store.Close()

	dep := beadcore.NewID()
	beadID := beadcore.NewID()
	_, err := store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{
		Title:        "needs dep",
		Dependencies: []beadcore.BeadID{dep},
	}))
	require.NoError(t, err)

	state, err := Rebuild(ctx, store, AllBeadsProjection{})
	require.NoError(t, err)
	require.Len(t, state.Beads[beadID].Dependencies, 1)

	_, err = store.Append(ctx, beadcore.NewDependencyResolvedEvent(beadID, dep))
	require.NoError(t, err)

	state, err = Rebuild(ctx, store, AllBeadsProjection{})
	require.NoError(t, err)
	require.Empty(t, state.Beads[beadID].Dependencies)
}
