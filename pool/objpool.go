// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import "sync"

// SyncPool wraps sync.Pool for generic usage.
type SyncPool[T any] struct {
	pool *sync.Pool
}

// NewSyncPool creates a new SyncPool with a creator function.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}

// IOVec is a reusable single-entry scatter list for vectored syscalls.
type IOVec struct {
	Bufs [][]byte
}

var iovecs = NewSyncPool(func() *IOVec { return &IOVec{Bufs: make([][]byte, 1)} })

// GetIOVec returns a one-element iovec wrapping buf.
func GetIOVec(buf []byte) *IOVec {
	v := iovecs.Get()
	v.Bufs[0] = buf
	return v
}

// PutIOVec clears and recycles v.
func PutIOVec(v *IOVec) {
	v.Bufs[0] = nil
	iovecs.Put(v)
}
