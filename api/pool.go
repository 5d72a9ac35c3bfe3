// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines abstract pooling APIs: zero-copy allocators for buffer reuse.

package api

// BytePool provides reusable []byte buffers for backend-allocated pop results.
type BytePool interface {
	// Acquire returns a slice of length n.
	Acquire(n int) []byte

	// Release returns a buffer to the pool
	Release(buf []byte)
}

// BufferPoolStats aggregates buffer allocation/reuse stats.
type BufferPoolStats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
	Classes    map[int]int64 // idle buffers per size class
}
