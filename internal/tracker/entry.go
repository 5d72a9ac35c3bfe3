// File: internal/tracker/entry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tracker

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/momentics/ioqueue/api"
)

// Entry is the tracker record for one pending operation. The queue that
// registered it owns the mutable progress fields; the outcome is published
// once through Resolve and observed through Done.
type Entry struct {
	token api.Token
	tr    *Tracker

	QD   api.QDesc
	Kind api.OpKind
	Seq  uint64 // registration order, used for wait_any tie-breaks

	// SGA is the submitted descriptor set of a push. The entry keeps a
	// non-owning reference until it resolves.
	SGA *api.SGA
	// Sent counts bytes of SGA already handed to the backend.
	Sent int
	// Fingerprint of SGA at submission, zero when buffer guarding is off.
	Fingerprint uint64
	// Remote is the push destination or the connect target.
	Remote   netip.AddrPort
	Deadline time.Time
	Created  time.Time

	claimed  atomic.Bool
	resolved atomic.Bool
	done     chan struct{}
	result   api.Result
	err      error
}

// Token returns the completion token naming this entry.
func (e *Entry) Token() api.Token { return e.token }

// Done is closed once the entry resolves.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Resolved reports whether an outcome has been published.
func (e *Entry) Resolved() bool { return e.resolved.Load() }

// Resolve publishes the outcome. Only the first call has effect; it
// reports whether this call won.
func (e *Entry) Resolve(r api.Result, err error) bool {
	if !e.claimed.CompareAndSwap(false, true) {
		return false
	}
	e.result, e.err = r, err
	e.SGA = nil
	e.resolved.Store(true)
	close(e.done)
	if e.tr != nil {
		e.tr.resolved(e)
	}
	return true
}

// Outcome returns the published result. Valid only after Done is closed.
func (e *Entry) Outcome() (api.Result, error) { return e.result, e.err }
