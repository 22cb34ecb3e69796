package store

import (
	"context"
	"sync"
	"time"
)

// ChangeKind names what happened to an event row.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeEnriched ChangeKind = "enriched"
	ChangeState    ChangeKind = "state"
)

// Change is one entry of the event change feed that read models follow.
type Change struct {
	Sequence  uint64     `json:"seq"`
	Timestamp time.Time  `json:"ts"`
	Kind      ChangeKind `json:"kind"`
	EventID   string     `json:"event_id"`
	State     string     `json:"state"`
	// Owner is the user the event belongs to; it is never serialized.
	Owner string `json:"-"`
}

// Hub keeps recent changes in a bounded buffer and wakes waiting readers when
// new ones arrive.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Change
	nextSeq  uint64
}

// NewHub constructs a change buffer holding at most capacity entries.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 512
	}
	h := &Hub{capacity: capacity}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish appends a change and assigns its sequence number.
func (h *Hub) Publish(change Change) Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	change.Sequence = h.nextSeq
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, change)
	h.cond.Broadcast()
	return change
}

// Fetch returns changes with sequence greater than since, plus the latest
// sequence. When wait is true it blocks until at least one change is
// available or ctx ends.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Change, uint64, error) {
	return h.FetchOwned(ctx, "", since, limit, wait)
}

// FetchOwned is Fetch restricted to changes of events owned by owner. An
// empty owner sees every change.
func (h *Hub) FetchOwned(ctx context.Context, owner string, since uint64, limit int, wait bool) ([]Change, uint64, error) {
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	stopWatch := make(chan struct{})
	if wait && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-stopWatch:
			}
		}()
	}
	defer close(stopWatch)

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		changes, next := h.snapshotLocked(owner, since, limit)
		if len(changes) > 0 || !wait {
			return changes, next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
	}
}

// Sequence reports the latest assigned sequence number.
func (h *Hub) Sequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

func (h *Hub) snapshotLocked(owner string, since uint64, limit int) ([]Change, uint64) {
	var out []Change
	for _, change := range h.buffer {
		if change.Sequence <= since || (owner != "" && change.Owner != owner) {
			continue
		}
		out = append(out, change)
		if len(out) == limit {
			return out, change.Sequence
		}
	}
	return out, h.nextSeq
}
