package dedupe

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// Decision is the filter verdict for one message id.
type Decision int

const (
	// Fresh means the id was not in the window and is now tracked as pending.
	Fresh Decision = iota
	// DuplicatePending means the id is already in flight in a batch.
	DuplicatePending
	// DuplicateCommitted means the id was already durably committed.
	DuplicateCommitted
)

func (d Decision) String() string {
	switch d {
	case Fresh:
		return "fresh"
	case DuplicatePending:
		return "duplicate_pending"
	case DuplicateCommitted:
		return "duplicate_committed"
	default:
		return "unknown"
	}
}

// Window is a sharded, recency-bounded map of message ids to commit status.
// It is a soft filter: eviction under pressure is allowed because the
// warehouse insert key is the authoritative duplicate backstop.
type Window struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*list.Element
	order   *list.List // front = most recently seen
}

type record struct {
	id        string
	committed bool
}

// NewWindow builds a window holding at most capacity ids spread over
// shardCount shards.
func NewWindow(capacity, shardCount int) *Window {
	if shardCount <= 0 {
		shardCount = 16
	}
	if capacity < shardCount {
		capacity = shardCount
	}
	perShard := capacity / shardCount
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{
			cap:     perShard,
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return &Window{shards: shards}
}

func (w *Window) shardFor(id string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return w.shards[h.Sum64()%uint64(len(w.shards))]
}

// Begin looks up id and, when absent, registers it as pending. The second
// delivery of an id still in flight gets DuplicatePending and must not be
// queued again; a delivery of a committed id gets DuplicateCommitted and can
// be acknowledged outright.
func (w *Window) Begin(id string) Decision {
	s := w.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		s.order.MoveToFront(el)
		if el.Value.(*record).committed {
			return DuplicateCommitted
		}
		return DuplicatePending
	}
	el := s.order.PushFront(&record{id: id})
	s.entries[id] = el
	for s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*record).id)
	}
	return Fresh
}

// Commit marks id as durably written. A no-op if the id was evicted.
func (w *Window) Commit(id string) {
	s := w.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		el.Value.(*record).committed = true
		s.order.MoveToFront(el)
	}
}

// Forget drops id from the window. Called when a batch write gives up so
// the broker's redelivery of the same id passes the filter instead of being
// shadowed by a stale pending entry.
func (w *Window) Forget(id string) {
	s := w.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		s.order.Remove(el)
		delete(s.entries, id)
	}
}

// Len returns the number of tracked ids across all shards.
func (w *Window) Len() int {
	n := 0
	for _, s := range w.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}
