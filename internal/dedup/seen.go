// Package dedup keeps track of event identities that were already processed.
package dedup

import (
	"container/heap"
	"sync"
	"time"
)

// SeenSet is a TTL-bounded membership set. Entries older than the TTL are
// treated as absent and are evicted lazily on the next lookup. Eviction walks
// a min-heap ordered by first-seen time, so a sweep only touches expired
// entries.
type SeenSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	seen  map[string]time.Time
	order seenHeap
}

// NewSeenSet returns an empty set. now may be nil.
func NewSeenSet(ttl time.Duration, now func() time.Time) *SeenSet {
	if now == nil {
		now = time.Now
	}
	return &SeenSet{ttl: ttl, now: now, seen: make(map[string]time.Time)}
}

// HasSeen reports whether id was marked within the TTL.
func (s *SeenSet) HasSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	_, ok := s.seen[id]
	return ok
}

// MarkSeen records id. An id already present keeps its original first-seen
// time.
func (s *SeenSet) MarkSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	s.mark(id)
}

// CheckAndMark marks id and reports whether it was new. Two concurrent
// deliveries of the same id get exactly one true.
func (s *SeenSet) CheckAndMark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.mark(id)
	return true
}

// Forget drops id so a later delivery is processed again. Used when the
// first attempt failed before anything was recorded.
func (s *SeenSet) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, id)
}

// Len returns the number of live entries.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	return len(s.seen)
}

func (s *SeenSet) mark(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	at := s.now()
	s.seen[id] = at
	heap.Push(&s.order, seenItem{id: id, at: at})
}

// sweep evicts entries whose first-seen time is older than the TTL. Heap
// items for ids that were forgotten or re-marked are discarded when the
// stored time no longer matches.
func (s *SeenSet) sweep() {
	cutoff := s.now().Add(-s.ttl)
	for s.order.Len() > 0 && s.order[0].at.Before(cutoff) {
		it := heap.Pop(&s.order).(seenItem)
		if at, ok := s.seen[it.id]; ok && at.Equal(it.at) {
			delete(s.seen, it.id)
		}
	}
}

type seenItem struct {
	id string
	at time.Time
}

type seenHeap []seenItem

func (h seenHeap) Len() int           { return len(h) }
func (h seenHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h seenHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seenHeap) Push(x any)        { *h = append(*h, x.(seenItem)) }
func (h *seenHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
