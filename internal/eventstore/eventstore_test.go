package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAppendRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	beadID := beadcore.NewID()
	created := beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{Title: "fix bug", Priority: 1})
	claimed := beadcore.NewClaimedEvent(beadID, "tw1")

	seq1, err := store.Append(ctx, created)
	require.NoError(t, err)
	seq2, err := store.Append(ctx, claimed)
	require.NoError(t, err)
	require.Less(t, seq1, seq2)

	events, err := store.Read(ctx, beadID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, beadcore.EventCreated, events[0].Kind)
	require.Equal(t, beadcore.EventClaimed, events[1].Kind)
}

func TestMemoryStoreReadAllOrdersAcrossBeads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	b1, b2 := beadcore.NewID(), beadcore.NewID()
	_, err := store.Append(ctx, beadcore.NewCreatedEvent(b1, beadcore.BeadSpec{Title: "a"}))
	require.NoError(t, err)
	_, err = store.Append(ctx, beadcore.NewCreatedEvent(b2, beadcore.BeadSpec{Title: "b"}))
	require.NoError(t, err)
	_, err = store.Append(ctx, beadcore.NewStateChangedEvent(b1, beadcore.StatePending, beadcore.StateReady, ""))
	require.NoError(t, err)

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, b1, all[0].BeadID)
	require.Equal(t, b2, all[1].BeadID)
	require.Equal(t, b1, all[2].BeadID)
}

func TestMemoryStoreSubscribeReceivesLiveEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	ch, cancel := store.Subscribe(ctx)
	defer cancel()

	beadID := beadcore.NewID()
	_, err := store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{Title: "x"}))
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, beadcore.EventCreated, ev.Kind)
		require.Equal(t, beadID, ev.BeadID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestMemoryStoreSubscribeDropsOnLag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	ch, cancel := store.Subscribe(ctx)
	defer cancel()

	beadID := beadcore.NewID()
	for i := 0; i < subscriberBuffer+10; i++ {
		_, err := store.Append(ctx, beadcore.NewStateChangedEvent(beadID, beadcore.StatePending, beadcore.StateReady, ""))
		require.NoError(t, err)
	}

	// The channel should have been closed once the subscriber fell behind.
	drained := 0
	for range ch {
		drained++
	}
	require.LessOrEqual(t, drained, subscriberBuffer)
}

func TestSQLiteStoreAppendReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	dbPath := t.TempDir() + "/events.db"
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()

	beadID := beadcore.NewID()
	result := beadcore.BeadResult{CommitHash: "deadbeef", Output: []byte("ok"), DurationMS: 1500}
	_, err = store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{Title: "t", Priority: 2}))
	require.NoError(t, err)
	_, err = store.Append(ctx, beadcore.NewCompletedEvent(beadID, result))
	require.NoError(t, err)

	events, err := store.Read(ctx, beadID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, beadcore.EventCompleted, events[1].Kind)
	require.Equal(t, result.CommitHash, events[1].Result.CommitHash)
	require.Equal(t, result.DurationMS, events[1].Result.DurationMS)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := t.TempDir() + "/events.db"
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)

	beadID := beadcore.NewID()
	_, err = store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{Title: "persisted"}))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "persisted", all[0].Spec.Title)
}
