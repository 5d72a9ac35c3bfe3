// Package api
// Author: momentics
//
// Scatter-gather buffer descriptor sets exchanged with every queue operation.
//
// The caller owns segment memory it submits. A pending push keeps a
// non-owning reference until the operation resolves; the caller must not
// mutate or free the segments before then. Pop results are allocated by
// the backend and handed to the caller, who returns them with Free.

package api

import (
	"net/netip"
)

const (
	// MaxSegments bounds the number of segments in one SGA.
	MaxSegments = 16

	// MaxDatagramSize is the largest payload a datagram push may carry.
	MaxDatagramSize = 65507
)

// SGA is a scatter-gather array: ordered segments plus an optional
// endpoint address used by connectionless queues.
type SGA struct {
	Segments [][]byte
	Addr     netip.AddrPort

	pool BytePool
}

// NewSGA builds a caller-owned SGA over segs.
func NewSGA(segs ...[]byte) *SGA {
	return &SGA{Segments: segs}
}

// NewSGATo builds a caller-owned SGA addressed to addr.
func NewSGATo(addr netip.AddrPort, segs ...[]byte) *SGA {
	return &SGA{Segments: segs, Addr: addr}
}

// NewPooledSGA builds a backend-allocated SGA whose segments were
// acquired from pool. Free returns them.
func NewPooledSGA(pool BytePool, addr netip.AddrPort, segs ...[]byte) *SGA {
	return &SGA{Segments: segs, Addr: addr, pool: pool}
}

// NumSegments returns the segment count (num_bufs).
func (s *SGA) NumSegments() int {
	if s == nil {
		return 0
	}
	return len(s.Segments)
}

// Len returns the total byte length across segments.
func (s *SGA) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, seg := range s.Segments {
		n += len(seg)
	}
	return n
}

// Bytes returns a contiguous copy of all segments.
func (s *SGA) Bytes() []byte {
	out := make([]byte, 0, s.Len())
	if s == nil {
		return out
	}
	for _, seg := range s.Segments {
		out = append(out, seg...)
	}
	return out
}

// Validate checks the shape required for submission.
func (s *SGA) Validate() error {
	if s == nil || len(s.Segments) == 0 {
		return NewError(ErrCodeInvalidArgument, "sga has no segments")
	}
	if len(s.Segments) > MaxSegments {
		return NewError(ErrCodeInvalidArgument, "sga has too many segments").
			WithContext("segments", len(s.Segments)).
			WithContext("max", MaxSegments)
	}
	for i, seg := range s.Segments {
		if len(seg) == 0 {
			return NewError(ErrCodeInvalidArgument, "sga segment is empty").WithContext("segment", i)
		}
	}
	return nil
}

// Free returns backend-allocated segments to their pool. It is a no-op
// for caller-owned SGAs. The SGA must not be used afterwards.
func (s *SGA) Free() {
	if s == nil || s.pool == nil {
		return
	}
	for _, seg := range s.Segments {
		s.pool.Release(seg)
	}
	s.Segments = nil
	s.pool = nil
}

// Pooled reports whether the segments belong to a backend pool.
func (s *SGA) Pooled() bool { return s != nil && s.pool != nil }
