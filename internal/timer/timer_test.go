package timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(t.TempDir() + "/timers.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestScheduleAndDueBefore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	beadID := beadcore.NewID()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	_, err := store.Schedule(ctx, beadID, past, "retry backoff")
	require.NoError(t, err)
	_, err = store.Schedule(ctx, beadID, future, "phase timeout")
	require.NoError(t, err)

	due, err := store.DueBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "retry backoff", due[0].Reason)
}

func TestDueBeforeOrdersByExecuteAtThenID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	beadID := beadcore.NewID()
	base := time.Now().Add(-time.Hour)

	var ids []beadcore.TimerID
	for i := 0; i < 5; i++ {
		id, err := store.Schedule(ctx, beadID, base.Add(time.Duration(i)*time.Second), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	due, err := store.DueBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 5)
	for i, timer := range due {
		require.Equal(t, ids[i], timer.ID)
	}
}

func TestMarkFiredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	beadID := beadcore.NewID()

	id, err := store.Schedule(ctx, beadID, time.Now().Add(-time.Minute), "")
	require.NoError(t, err)

	require.NoError(t, store.MarkFired(ctx, id, time.Now()))
	require.NoError(t, store.MarkFired(ctx, id, time.Now()))

	due, err := store.DueBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestCancelPreventsFiring(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	beadID := beadcore.NewID()

	id, err := store.Schedule(ctx, beadID, time.Now().Add(-time.Minute), "")
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, id))

	due, err := store.DueBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRecoverReturnsPendingAfterRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := t.TempDir() + "/timers.db"
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)

	beadID := beadcore.NewID()
	_, err = store.Schedule(ctx, beadID, time.Now().Add(time.Hour), "heartbeat")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := Recover(ctx, reopened)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "heartbeat", pending[0].Reason)
}

func TestSchedulerFiresDueTimersAndMarksFired(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := newTestStore(t)
	beadID := beadcore.NewID()
	_, err := store.Schedule(context.Background(), beadID, time.Now().Add(-time.Second), "overdue")
	require.NoError(t, err)

	var fired atomic.Int32
	sched := NewScheduler(store, func(ctx context.Context, tm Timer) error {
		fired.Add(1)
		return nil
	}, 10*time.Millisecond, nil)

	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 10*time.Millisecond)

	due, err := store.DueBefore(context.Background(), time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestMarkFailedIsIdempotentAndStopsRefiring(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	beadID := beadcore.NewID()

	id, err := store.Schedule(ctx, beadID, time.Now().Add(-time.Minute), "")
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, id, time.Now()))
	require.NoError(t, store.MarkFailed(ctx, id, time.Now()))

	due, err := store.DueBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestSchedulerMarksTimerFailedOnCallbackError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := newTestStore(t)
	beadID := beadcore.NewID()
	id, err := store.Schedule(context.Background(), beadID, time.Now().Add(-time.Second), "overdue")
	require.NoError(t, err)

	sched := NewScheduler(store, func(ctx context.Context, tm Timer) error {
		return errBoom
	}, 10*time.Millisecond, nil)

	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		due, err := store.DueBefore(context.Background(), time.Now())
		return err == nil && len(due) == 0
	}, time.Second, 10*time.Millisecond)

	pending, err := store.Pending(context.Background())
	require.NoError(t, err)
	for _, p := range pending {
		require.NotEqual(t, id, p.ID)
	}
}

func TestPruneRemovesOldTerminalTimers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	beadID := beadcore.NewID()

	id, err := store.Schedule(ctx, beadID, time.Now().Add(-time.Hour), "")
	require.NoError(t, err)
	require.NoError(t, store.MarkFired(ctx, id, time.Now()))

	n, err := store.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
