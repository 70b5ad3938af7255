// Package eventstore implements the append-only, replayable event log (C1)
// that every projection in this system is rebuilt from.
package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// EventStore is the append-only log every projection is folded from.
// Append orders events total across the whole store, not per-bead: two
// concurrent appends for different beads still receive distinct,
// monotonically increasing sequence numbers.
type EventStore interface {
	// Append persists ev and returns the sequence number it was assigned.
	Append(ctx context.Context, ev beadcore.Event) (uint64, error)
	// Read returns every event recorded for beadID, in append order.
	Read(ctx context.Context, beadID beadcore.BeadID) ([]beadcore.Event, error)
	// ReadAll returns every event in the store, in append order. Used by
	// projection rebuild/replay.
	ReadAll(ctx context.Context) ([]beadcore.Event, error)
	// Subscribe registers a live listener fed every event appended after
	// this call returns. The returned func unregisters the listener; callers
	// must call it to avoid leaking the subscriber channel.
	Subscribe(ctx context.Context) (<-chan beadcore.Event, func())
	Close() error
}

// subscriberBuffer is the channel depth for each Subscribe call. A
// subscriber that falls this far behind is dropped rather than allowed to
// stall Append; ManagedProjection (internal/projection) treats a dropped
// subscription as a signal to rebuild from ReadAll.
const subscriberBuffer = 256

type subscriber struct {
	ch     chan beadcore.Event
	closed bool
}

type fanout struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]*subscriber)}
}

func (f *fanout) subscribe() (<-chan beadcore.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	sub := &subscriber{ch: make(chan beadcore.Event, subscriberBuffer)}
	f.subs[id] = sub
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(f.subs, id)
		}
	}
	return sub.ch, cancel
}

// publish fans ev out to every live subscriber. A subscriber whose buffer
// is full is dropped and closed rather than blocking the append path;
// spec.md treats a lagging subscriber as a rebuild trigger, not a backpressure
// mechanism on writers.
func (f *fanout) publish(ev beadcore.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.closed = true
			close(sub.ch)
			delete(f.subs, id)
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(f.subs, id)
	}
}

// MemoryStore is an in-process EventStore backed by a slice held in
// memory. Suitable for tests and for single-process deployments that do not
// need the event log to survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	events []beadcore.Event
	byBead map[beadcore.BeadID][]int
	fan    *fanout
}

// NewMemoryStore constructs an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byBead: make(map[beadcore.BeadID][]int),
		fan:    newFanout(),
	}
}

func (s *MemoryStore) Append(_ context.Context, ev beadcore.Event) (uint64, error) {
	if _, err := ev.Encode(); err != nil {
		return 0, fmt.Errorf("eventstore: append: %w", err)
	}

	s.mu.Lock()
	idx := len(s.events)
	s.events = append(s.events, ev)
	if !ev.BeadID.IsZero() {
		s.byBead[ev.BeadID] = append(s.byBead[ev.BeadID], idx)
	}
	s.mu.Unlock()

	s.fan.publish(ev)
	return uint64(idx) + 1, nil
}

func (s *MemoryStore) Read(_ context.Context, beadID beadcore.BeadID) ([]beadcore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byBead[beadID]
	out := make([]beadcore.Event, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemoryStore) ReadAll(_ context.Context) ([]beadcore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]beadcore.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *MemoryStore) Subscribe(_ context.Context) (<-chan beadcore.Event, func()) {
	return s.fan.subscribe()
}

func (s *MemoryStore) Close() error {
	s.fan.closeAll()
	return nil
}
