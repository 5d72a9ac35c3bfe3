// File: internal/table/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Descriptor table. Descriptors are small non-negative integers; a new
// queue always takes the lowest one not currently in use.

package table

import (
	"container/heap"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/momentics/ioqueue/api"
)

// descHeap is a min-heap of released descriptors below the high-water mark.
type descHeap []api.QDesc

func (h descHeap) Len() int           { return len(h) }
func (h descHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h descHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *descHeap) Push(x any)        { *h = append(*h, x.(api.QDesc)) }
func (h *descHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Table maps descriptors to queues. Snapshot is lock-free for readers:
// every mutation republishes an immutable slice.
type Table[Q any] struct {
	mu       sync.RWMutex
	entries  map[api.QDesc]Q
	released descHeap
	next     api.QDesc
	max      int

	snap atomic.Pointer[[]Q]
}

// New creates a table holding at most max queues (unbounded when max <= 0).
func New[Q any](max int) *Table[Q] {
	t := &Table[Q]{entries: make(map[api.QDesc]Q), max: max}
	empty := []Q{}
	t.snap.Store(&empty)
	return t
}

// Insert allocates the lowest free descriptor and stores the queue built
// for it. build runs under the table lock and must not call back into
// the table. If build fails the descriptor is returned.
func (t *Table[Q]) Insert(build func(api.QDesc) (Q, error)) (api.QDesc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max > 0 && len(t.entries) >= t.max {
		return api.InvalidQDesc, api.NewError(api.ErrCodeResourceExhausted, "queue table full").
			WithContext("limit", t.max)
	}
	var qd api.QDesc
	if t.released.Len() > 0 {
		qd = heap.Pop(&t.released).(api.QDesc)
	} else {
		qd = t.next
		t.next++
	}
	q, err := build(qd)
	if err != nil {
		t.giveBackLocked(qd)
		return api.InvalidQDesc, err
	}
	t.entries[qd] = q
	t.publishLocked()
	return qd, nil
}

// Get returns the queue named by qd.
func (t *Table[Q]) Get(qd api.QDesc) (Q, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.entries[qd]
	return q, ok
}

// Remove releases qd for reuse and returns the queue it named.
func (t *Table[Q]) Remove(qd api.QDesc) (Q, bool) {
	return t.RemoveIf(qd, func(Q) bool { return true })
}

// RemoveIf releases qd only while it still names a queue for which
// match reports true. A caller holding a queue it looked up earlier uses
// it so that a descriptor reused in the meantime stays in place.
func (t *Table[Q]) RemoveIf(qd api.QDesc, match func(Q) bool) (Q, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.entries[qd]
	if !ok || !match(q) {
		var zero Q
		return zero, false
	}
	delete(t.entries, qd)
	t.giveBackLocked(qd)
	t.publishLocked()
	return q, true
}

func (t *Table[Q]) giveBackLocked(qd api.QDesc) {
	heap.Push(&t.released, qd)
}

func (t *Table[Q]) publishLocked() {
	qds := make([]api.QDesc, 0, len(t.entries))
	for qd := range t.entries {
		qds = append(qds, qd)
	}
	sort.Slice(qds, func(i, j int) bool { return qds[i] < qds[j] })
	out := make([]Q, len(qds))
	for i, qd := range qds {
		out[i] = t.entries[qd]
	}
	t.snap.Store(&out)
}

// Snapshot returns the open queues ordered by descriptor. The slice is
// shared and must not be modified.
func (t *Table[Q]) Snapshot() []Q {
	return *t.snap.Load()
}

// Descriptors returns the open descriptors in ascending order.
func (t *Table[Q]) Descriptors() []api.QDesc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]api.QDesc, 0, len(t.entries))
	for qd := range t.entries {
		out = append(out, qd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of open queues.
func (t *Table[Q]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
