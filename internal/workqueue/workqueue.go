// Package workqueue implements the bounded FIFO of beads awaiting
// assignment (C8): single-claim semantics, retry-eligible re-queueing of
// failed items, and per-state counts.
package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// ItemState is the work-item's position in the queue's own state machine,
// distinct from (but driven by) the bead state machine in internal/swarm.
type ItemState int

const (
	ItemPending ItemState = iota
	ItemClaimed
	ItemContractReady
	ItemImplementing
	ItemImplementationComplete
	ItemReviewing
	ItemLanded
	ItemFailed
)

func (s ItemState) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemClaimed:
		return "claimed"
	case ItemContractReady:
		return "contract_ready"
	case ItemImplementing:
		return "implementing"
	case ItemImplementationComplete:
		return "implementation_complete"
	case ItemReviewing:
		return "reviewing"
	case ItemLanded:
		return "landed"
	case ItemFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the work-item states each state may advance
// to; anything else is rejected with ItemTransitionError.
var validTransitions = map[ItemState]map[ItemState]bool{
	ItemPending:                {ItemClaimed: true, ItemFailed: true},
	ItemClaimed:                {ItemContractReady: true, ItemFailed: true, ItemPending: true},
	ItemContractReady:          {ItemImplementing: true, ItemFailed: true},
	ItemImplementing:           {ItemImplementationComplete: true, ItemFailed: true},
	ItemImplementationComplete: {ItemReviewing: true, ItemFailed: true},
	ItemReviewing:              {ItemLanded: true, ItemFailed: true},
	ItemLanded:                 {},
	ItemFailed:                 {ItemPending: true},
}

// ItemTransitionError is returned when UpdateState is asked to move a work
// item between states the work-item state machine does not allow.
type ItemTransitionError struct {
	BeadID beadcore.BeadID
	From   ItemState
	To     ItemState
}

func (e *ItemTransitionError) Error() string {
	return "invalid work item transition for bead " + e.BeadID.String() + ": " + e.From.String() + " -> " + e.To.String()
}

// BeadWorkItem is one bead's bookkeeping record inside the queue.
type BeadWorkItem struct {
	BeadID       beadcore.BeadID
	State        ItemState
	AssignedTo   *beadcore.AgentID
	RetryCount   int
	MaxRetries   int
	EnqueuedAt   time.Time
	LastUpdateAt time.Time
}

// Queue is a bounded logical FIFO of beads awaiting assignment, keyed by
// bead ID. claim_next is serialized by a single exclusive permit
// (semaphore of size 1) so the single-claim invariant holds without an
// optimistic retry loop, per spec.md's C8 concurrency note.
type Queue struct {
	mu    sync.Mutex
	claim chan struct{}
	items map[beadcore.BeadID]*BeadWorkItem
	order []beadcore.BeadID
}

// New constructs an empty Queue.
func New() *Queue {
	q := &Queue{
		claim: make(chan struct{}, 1),
		items: make(map[beadcore.BeadID]*BeadWorkItem),
	}
	q.claim <- struct{}{}
	return q
}

// Add inserts a new Pending item for beadID. Duplicate beadIDs are
// rejected.
func (q *Queue) Add(beadID beadcore.BeadID, maxRetries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[beadID]; exists {
		return &beadcore.ValidationError{Field: "bead_id", Reason: "already present in work queue"}
	}
	now := time.Now()
	q.items[beadID] = &BeadWorkItem{
		BeadID:       beadID,
		State:        ItemPending,
		MaxRetries:   maxRetries,
		EnqueuedAt:   now,
		LastUpdateAt: now,
	}
	q.order = append(q.order, beadID)
	return nil
}

// ClaimNext atomically selects the oldest Pending item or, if none exists,
// the oldest Failed item with RetryCount < MaxRetries (the retry path),
// assigns it to agentID, and transitions it to Claimed.
func (q *Queue) ClaimNext(ctx context.Context, agentID beadcore.AgentID) (*BeadWorkItem, error) {
	select {
	case <-q.claim:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { q.claim <- struct{}{} }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if item := q.findClaimable(ItemPending); item != nil {
		return q.claimLocked(item, agentID), nil
	}
	if item := q.findRetryable(); item != nil {
		return q.claimLocked(item, agentID), nil
	}
	return nil, beadcore.ErrBeadNotFound
}

func (q *Queue) findClaimable(state ItemState) *BeadWorkItem {
	for _, id := range q.order {
		item := q.items[id]
		if item.State == state {
			return item
		}
	}
	return nil
}

func (q *Queue) findRetryable() *BeadWorkItem {
	for _, id := range q.order {
		item := q.items[id]
		if item.State == ItemFailed && item.RetryCount < item.MaxRetries {
			return item
		}
	}
	return nil
}

func (q *Queue) claimLocked(item *BeadWorkItem, agentID beadcore.AgentID) *BeadWorkItem {
	if item.State == ItemFailed {
		item.RetryCount++
	}
	item.State = ItemClaimed
	item.AssignedTo = &agentID
	item.LastUpdateAt = time.Now()
	cp := *item
	return &cp
}

// UpdateState transitions beadID's item to newState, gated by the work
// item's own state machine; an invalid transition is rejected.
func (q *Queue) UpdateState(beadID beadcore.BeadID, newState ItemState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[beadID]
	if !ok {
		return beadcore.ErrBeadNotFound
	}
	if !validTransitions[item.State][newState] {
		return &ItemTransitionError{BeadID: beadID, From: item.State, To: newState}
	}
	item.State = newState
	item.LastUpdateAt = time.Now()
	return nil
}

// Get returns a copy of the work item for beadID.
func (q *Queue) Get(beadID beadcore.BeadID) (*BeadWorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[beadID]
	if !ok {
		return nil, false
	}
	cp := *item
	return &cp, true
}

// Stats counts work items per state.
func (q *Queue) Stats() map[ItemState]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make(map[ItemState]int)
	for _, item := range q.items {
		stats[item.State]++
	}
	return stats
}
