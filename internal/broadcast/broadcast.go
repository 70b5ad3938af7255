// Package broadcast fans persisted bead events out to downstream UI
// listeners (a CLI status view, a websocket bridge, whatever). It sits
// behind internal/eventstore's own Subscribe firehose and re-publishes in
// a UI-shaped envelope, using the same bounded/drop-on-lag channel
// discipline: a slow listener is disconnected rather than allowed to
// stall the daemon.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/eventstore"
)

// listenerBuffer is the channel depth for each Listen call. A listener
// that falls this far behind is dropped; it must reconnect and catch up
// via its own snapshot query (internal/projection) rather than expect
// replay from the broadcaster.
const listenerBuffer = 64

// Kind discriminates the Message tagged union.
type Kind uint8

const (
	// KindBeadEvent carries a raw persisted beadcore.Event, unmodified.
	KindBeadEvent Kind = iota
	// KindStatusChanged carries a bead's state transition, summarized for
	// a UI that only cares about state, not the full event payload.
	KindStatusChanged
	// KindSystem carries daemon-level notices that do not originate from
	// a single bead. The only one emitted is "broadcast upstream closed",
	// sent when the store subscription ends.
	KindSystem
)

// Message is one entry on a broadcast channel.
type Message struct {
	Kind      Kind
	Timestamp time.Time

	Event        beadcore.Event // populated for KindBeadEvent
	BeadID       beadcore.BeadID
	StateFrom    beadcore.BeadState
	StateTo      beadcore.BeadState
	SystemNotice string // populated for KindSystem
}

type listener struct {
	ch     chan Message
	closed bool
}

// Broadcaster fans events from an EventStore's live subscription out to
// any number of downstream UI listeners.
type Broadcaster struct {
	store eventstore.EventStore

	mu        sync.Mutex
	listeners map[int]*listener
	next      int

	cancelUpstream func()
	done           chan struct{}
}

// New subscribes to store and begins republishing to downstream listeners.
// Call Close to unsubscribe and stop the republish goroutine.
func New(ctx context.Context, store eventstore.EventStore) *Broadcaster {
	b := &Broadcaster{
		store:     store,
		listeners: make(map[int]*listener),
		done:      make(chan struct{}),
	}

	upstream, cancel := store.Subscribe(ctx)
	b.cancelUpstream = cancel

	go b.run(upstream)
	return b
}

func (b *Broadcaster) run(upstream <-chan beadcore.Event) {
	defer close(b.done)
	for ev := range upstream {
		b.publish(Message{
			Kind:      KindBeadEvent,
			Timestamp: ev.Timestamp,
			Event:     ev,
			BeadID:    ev.BeadID,
		})
		if ev.Kind == beadcore.EventStateChanged {
			b.publish(Message{
				Kind:      KindStatusChanged,
				Timestamp: ev.Timestamp,
				BeadID:    ev.BeadID,
				StateFrom: ev.StateFrom,
				StateTo:   ev.StateTo,
			})
		}
	}
	// upstream closed: the store shut down, or our subscription was
	// dropped for lagging. Either way downstream listeners should know
	// they've lost the live feed.
	b.publish(Message{
		Kind:         KindSystem,
		Timestamp:    time.Now().UTC(),
		SystemNotice: "broadcast upstream closed",
	})
}

// Listen registers a new downstream listener fed every Message published
// after this call returns. The returned func unregisters the listener;
// callers must call it to avoid leaking the channel.
func (b *Broadcaster) Listen() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	l := &listener{ch: make(chan Message, listenerBuffer)}
	b.listeners[id] = l

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.listeners[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(b.listeners, id)
		}
	}
	return l.ch, cancel
}

func (b *Broadcaster) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, l := range b.listeners {
		select {
		case l.ch <- msg:
		default:
			l.closed = true
			close(l.ch)
			delete(b.listeners, id)
		}
	}
}

// Close unsubscribes from the upstream store and closes every downstream
// listener channel. It blocks until the republish goroutine has drained.
func (b *Broadcaster) Close() {
	b.cancelUpstream()
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, l := range b.listeners {
		if !l.closed {
			l.closed = true
			close(l.ch)
		}
		delete(b.listeners, id)
	}
}
