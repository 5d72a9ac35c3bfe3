// Package api
// Author: momentics@gmail.com
//
// Completion tokens and operation results.

package api

import (
	"fmt"
	"net/netip"
)

// Token identifies one pending operation. Zero is never issued.
type Token uint64

// NoToken is the zero Token. Wait rejects it.
const NoToken Token = 0

func (t Token) String() string { return fmt.Sprintf("qt:%#x", uint64(t)) }

// Result is the outcome of a completed operation.
type Result struct {
	QD    QDesc
	Kind  OpKind
	Bytes int // bytes transferred (push/pop)

	// SGA is the popped data. Zero segments on a stream queue means the
	// peer closed in order.
	SGA *SGA

	// NewQD and Remote describe the queue produced by accept.
	NewQD  QDesc
	Remote netip.AddrPort
}

// EOF reports whether a pop result signals end-of-stream.
func (r Result) EOF() bool {
	return r.Kind == OpPop && r.SGA.NumSegments() == 0
}

// Op is the value returned by a submission: either an inline result
// (Ready) or a token to wait on.
type Op struct {
	Token  Token
	Result Result
	ready  bool
}

// Immediate wraps a synchronously completed result.
func Immediate(r Result) Op { return Op{Result: r, ready: true} }

// Pending wraps a token for a deferred result.
func Pending(t Token) Op { return Op{Token: t} }

// Ready reports whether the operation completed inside the submitting call.
func (o Op) Ready() bool { return o.ready }
