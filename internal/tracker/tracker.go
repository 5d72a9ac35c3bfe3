// File: internal/tracker/tracker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Operation tracker: an arena of pending-operation entries addressed by
// generation-tagged completion tokens.

package tracker

import (
	"sync"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/momentics/ioqueue/api"
)

// DefaultCapacity bounds live entries when the caller passes zero.
const DefaultCapacity = 1 << 16

// A token is gen<<32 | slot. Generations start at 1 so no token is zero,
// and bump on reuse so a stale token never names a newer entry.
const slotBits = 32

type slot struct {
	gen     uint32
	entry   *Entry
	dropped bool
}

// Tracker maps tokens to entries. Entries leave the tracker when a waiter
// consumes them or when a dropped entry resolves.
type Tracker struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int
	max   int

	seq        atomix.Uint64
	registered atomix.Uint64
	consumed   atomix.Uint64
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Live       int
	Capacity   int
	Registered uint64
	Consumed   uint64
}

// New creates a tracker holding at most max live entries.
func New(max int) *Tracker {
	if max <= 0 {
		max = DefaultCapacity
	}
	return &Tracker{max: max}
}

// Register creates a pending entry and assigns its token.
func (t *Tracker) Register(qd api.QDesc, kind api.OpKind) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live >= t.max {
		return nil, api.NewError(api.ErrCodeResourceExhausted, "too many pending operations").
			WithContext("limit", t.max)
	}
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	e := &Entry{
		token:   api.Token(uint64(s.gen)<<slotBits | uint64(idx)),
		tr:      t,
		QD:      qd,
		Kind:    kind,
		Seq:     t.seq.Add(1),
		Created: time.Now(),
		done:    make(chan struct{}),
	}
	s.entry = e
	s.dropped = false
	t.live++
	t.registered.Add(1)
	return e, nil
}

// lookupLocked returns the live slot named by tok.
func (t *Tracker) lookupLocked(tok api.Token) (*slot, uint32, bool) {
	idx := uint32(uint64(tok))
	gen := uint32(uint64(tok) >> slotBits)
	if tok == api.NoToken || int(idx) >= len(t.slots) {
		return nil, 0, false
	}
	s := &t.slots[idx]
	if s.entry == nil || s.gen != gen || s.dropped {
		return nil, 0, false
	}
	return s, idx, true
}

func invalidToken(tok api.Token) error {
	return api.NewError(api.ErrCodeInvalidToken, "unknown or consumed token").WithContext("token", tok.String())
}

// Lookup returns the entry named by tok without consuming it.
func (t *Tracker) Lookup(tok api.Token) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, _, ok := t.lookupLocked(tok)
	if !ok {
		return nil, invalidToken(tok)
	}
	return s.entry, nil
}

// Consume removes a resolved entry and returns it. Only one caller can
// consume a given token; later calls get InvalidToken.
func (t *Tracker) Consume(tok api.Token) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, idx, ok := t.lookupLocked(tok)
	if !ok {
		return nil, invalidToken(tok)
	}
	e := s.entry
	if !e.Resolved() {
		return nil, api.NewError(api.ErrCodeInvalidState, "operation still pending").WithContext("token", tok.String())
	}
	t.releaseLocked(s, idx)
	t.consumed.Add(1)
	return e, nil
}

// Discard frees an entry that completed inside the submitting call and
// whose token was never handed out.
func (t *Tracker) Discard(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := uint32(uint64(e.token))
	if int(idx) < len(t.slots) && t.slots[idx].entry == e {
		t.releaseLocked(&t.slots[idx], idx)
	}
}

// Drop detaches tok from any future waiter. A resolved entry is freed at
// once, a pending one when its queue resolves it.
func (t *Tracker) Drop(tok api.Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, idx, ok := t.lookupLocked(tok)
	if !ok {
		return invalidToken(tok)
	}
	if s.entry.Resolved() {
		reclaim(s.entry)
		t.releaseLocked(s, idx)
		return nil
	}
	s.dropped = true
	return nil
}

// resolved is called by Entry.Resolve to free dropped entries.
func (t *Tracker) resolved(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := uint32(uint64(e.token))
	if int(idx) >= len(t.slots) {
		return
	}
	s := &t.slots[idx]
	if s.entry != e || !s.dropped {
		return
	}
	reclaim(e)
	t.releaseLocked(s, idx)
}

func (t *Tracker) releaseLocked(s *slot, idx uint32) {
	s.entry = nil
	s.dropped = false
	t.free = append(t.free, idx)
	t.live--
}

// reclaim returns a pop buffer nobody will collect.
func reclaim(e *Entry) {
	if e.result.SGA.Pooled() {
		e.result.SGA.Free()
	}
}

// Len returns the number of live entries, dropped-but-pending included.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Stats returns tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	live := t.live
	t.mu.Unlock()
	return Stats{
		Live:       live,
		Capacity:   t.max,
		Registered: t.registered.Load(),
		Consumed:   t.consumed.Load(),
	}
}
