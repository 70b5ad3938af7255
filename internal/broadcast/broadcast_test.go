package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/eventstore"
)

func TestBroadcasterFansOutBeadEvents(t *testing.T) {
	store := eventstore.NewMemoryStore()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(ctx, store)
	defer b.Close()

	ch, unsub := b.Listen()
	defer unsub()

	beadID := beadcore.NewID()
	_, err := store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{}))
	require.NoError(t, err)

	msg := requireMessage(t, ch)
	require.Equal(t, KindBeadEvent, msg.Kind)
	require.Equal(t, beadID, msg.BeadID)
}

func TestBroadcasterEmitsStatusChangedForStateTransitions(t *testing.T) {
	store := eventstore.NewMemoryStore()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(ctx, store)
	defer b.Close()

	ch, unsub := b.Listen()
	defer unsub()

	beadID := beadcore.NewID()
	_, err := store.Append(ctx, beadcore.NewStateChangedEvent(beadID, beadcore.StatePending, beadcore.StateRunning, "claimed"))
	require.NoError(t, err)

	first := requireMessage(t, ch)
	require.Equal(t, KindBeadEvent, first.Kind)

	second := requireMessage(t, ch)
	require.Equal(t, KindStatusChanged, second.Kind)
	require.Equal(t, beadcore.StatePending, second.StateFrom)
	require.Equal(t, beadcore.StateRunning, second.StateTo)
}

func TestBroadcasterDropsSlowListener(t *testing.T) {
	store := eventstore.NewMemoryStore()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(ctx, store)
	defer b.Close()

	ch, unsub := b.Listen()
	defer unsub()

	beadID := beadcore.NewID()
	for i := 0; i < listenerBuffer+10; i++ {
		_, err := store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{}))
		require.NoError(t, err)
	}

	// Never drained: the publisher drops the listener and closes its
	// channel instead of blocking forever.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.listeners) == 0
	}, time.Second, 10*time.Millisecond)
	for range ch {
		// Drain the buffered messages; the loop ends only once ch is closed.
	}
}

func TestBroadcasterMultipleListenersIndependent(t *testing.T) {
	store := eventstore.NewMemoryStore()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(ctx, store)
	defer b.Close()

	chA, unsubA := b.Listen()
	defer unsubA()
	chB, unsubB := b.Listen()
	defer unsubB()

	beadID := beadcore.NewID()
	_, err := store.Append(ctx, beadcore.NewCreatedEvent(beadID, beadcore.BeadSpec{}))
	require.NoError(t, err)

	requireMessage(t, chA)
	requireMessage(t, chB)
}

func requireMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
		return Message{}
	}
}
