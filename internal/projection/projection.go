// Package projection implements pure-fold read models over the event log
// (C2). A projection's state at any point is entirely a function of the
// events replayed into it: rebuilding from scratch and replaying the live
// event stream must always agree (spec.md's fold-law invariant).
package projection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/eventstore"
)

// Projection folds a stream of events into a read model of type S. Apply
// must be deterministic: same (state, event) in, same state out, with no
// effect outside the state. Apply may update a reference-typed state in
// place (AllBeadsProjection does), so the state it is handed must not be
// shared with concurrent readers.
type Projection[S any] interface {
	InitialState() S
	Apply(state S, ev beadcore.Event) S
}

// Rebuild replays every event currently in store through proj and returns
// the resulting state. This is the ground truth a ManagedProjection's live
// state must always match.
func Rebuild[S any](ctx context.Context, store eventstore.EventStore, proj Projection[S]) (S, error) {
	events, err := store.ReadAll(ctx)
	if err != nil {
		var zero S
		return zero, err
	}
	state := proj.InitialState()
	for _, ev := range events {
		state = proj.Apply(state, ev)
	}
	return state, nil
}

// ManagedProjection keeps a live, read-mostly copy of a projection's state
// up to date by subscribing to the event store, while exposing Rebuild for
// verifying the fold law and recovering from a dropped subscription.
type ManagedProjection[S any] struct {
	store eventstore.EventStore
	proj  Projection[S]

	mu    sync.RWMutex
	state S

	replayed atomic.Int64

	cancel func()
	done   chan struct{}
}

// NewManaged rebuilds proj's state from store's full history, then starts a
// background goroutine applying every subsequently appended event. Call
// Close to stop the goroutine and release the subscription.
func NewManaged[S any](ctx context.Context, store eventstore.EventStore, proj Projection[S]) (*ManagedProjection[S], error) {
	mp := &ManagedProjection[S]{store: store, proj: proj, done: make(chan struct{})}

	state, err := Rebuild(ctx, store, proj)
	if err != nil {
		return nil, err
	}
	mp.state = state

	ch, cancel := store.Subscribe(ctx)
	mp.cancel = cancel

	go mp.run(ctx, ch)
	return mp, nil
}

func (mp *ManagedProjection[S]) run(ctx context.Context, ch <-chan beadcore.Event) {
	defer close(mp.done)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Subscription dropped (lagged past the buffer, or store
				// closed): rebuild from scratch to recover a consistent
				// state rather than silently going stale.
				if state, err := Rebuild(ctx, mp.store, mp.proj); err == nil {
					mp.mu.Lock()
					mp.state = state
					mp.mu.Unlock()
				}
				return
			}
			mp.mu.Lock()
			mp.state = mp.proj.Apply(mp.state, ev)
			mp.mu.Unlock()
			mp.replayed.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns the current state. A state type with a Clone() S method
// (such as AllBeadsState) is returned as a clone, so later applies never
// touch what the caller holds; any other state is returned as is, and
// callers must not mutate a reference-typed one.
func (mp *ManagedProjection[S]) Snapshot() S {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if c, ok := any(mp.state).(interface{ Clone() S }); ok {
		return c.Clone()
	}
	return mp.state
}

// EventsApplied returns the number of live (post-rebuild) events folded in
// so far. Exposed for diagnostics, not used for any correctness decision.
func (mp *ManagedProjection[S]) EventsApplied() int64 {
	return mp.replayed.Load()
}

// Close stops the background apply loop and releases the subscription.
func (mp *ManagedProjection[S]) Close() {
	if mp.cancel != nil {
		mp.cancel()
	}
	<-mp.done
}
