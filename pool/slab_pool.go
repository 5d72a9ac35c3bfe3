// File: pool/slab_pool.go
// Package pool implements lock-free slab allocation with size class support.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"math/bits"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"

	"github.com/momentics/ioqueue/api"
)

const (
	minClassShift = 9  // 512 B
	maxClassShift = 16 // 64 KiB

	defaultClassCapacity = 1024
)

// SlabPool hands out []byte from power-of-two size classes. Each class
// keeps idle buffers in a bounded lock-free free list; when the list is
// full a released buffer is left to the GC. Requests larger than the
// biggest class are allocated directly and never pooled.
type SlabPool struct {
	classes [maxClassShift - minClassShift + 1]lfq.Queue[[]byte]

	totalAlloc atomix.Uint64
	totalFree  atomix.Uint64
	acquired   atomix.Uint64
	released   atomix.Uint64
	idle       [maxClassShift - minClassShift + 1]atomix.Uint64
}

var _ api.BytePool = (*SlabPool)(nil)

// NewSlabPool creates a pool keeping up to perClass idle buffers in every
// size class. perClass <= 0 selects the default.
func NewSlabPool(perClass int) *SlabPool {
	if perClass <= 0 {
		perClass = defaultClassCapacity
	}
	if perClass < 2 {
		perClass = 2
	}
	sp := &SlabPool{}
	for i := range sp.classes {
		sp.classes[i] = lfq.Build[[]byte](lfq.New(perClass).Compact())
	}
	return sp
}

// classIndex returns the class serving n bytes, or -1 if n is too large.
func classIndex(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Acquire returns a buffer of length n.
func (sp *SlabPool) Acquire(n int) []byte {
	if n < 0 {
		n = 0
	}
	sp.acquired.Add(1)
	idx := classIndex(n)
	if idx < 0 {
		sp.totalAlloc.Add(1)
		return make([]byte, n)
	}
	if buf, err := sp.classes[idx].Dequeue(); err == nil {
		sp.idle[idx].Add(^uint64(0))
		return buf[:n]
	}
	sp.totalAlloc.Add(1)
	return make([]byte, n, 1<<(idx+minClassShift))
}

// Release returns buf to its size class. Buffers not produced by the
// pool are dropped.
func (sp *SlabPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	sp.released.Add(1)
	c := cap(buf)
	if c&(c-1) != 0 {
		return
	}
	idx := classIndex(c)
	if idx < 0 || 1<<(idx+minClassShift) != c {
		return
	}
	buf = buf[:c]
	if err := sp.classes[idx].Enqueue(&buf); err != nil {
		return
	}
	sp.idle[idx].Add(1)
	sp.totalFree.Add(1)
}

// Stats exposes resource/accounting metrics for observability.
func (sp *SlabPool) Stats() api.BufferPoolStats {
	acq := int64(sp.acquired.Load())
	rel := int64(sp.released.Load())
	classes := make(map[int]int64, len(sp.idle))
	for i := range sp.idle {
		classes[1<<(i+minClassShift)] = int64(sp.idle[i].Load())
	}
	return api.BufferPoolStats{
		TotalAlloc: int64(sp.totalAlloc.Load()),
		TotalFree:  int64(sp.totalFree.Load()),
		InUse:      acq - rel,
		Classes:    classes,
	}
}
