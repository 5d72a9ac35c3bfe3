// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import "sync/atomic"

// BytePool is a counting api.BytePool for leak checks in tests.
type BytePool struct {
	acquired atomic.Int64
	released atomic.Int64
}

func (p *BytePool) Acquire(n int) []byte {
	p.acquired.Add(1)
	return make([]byte, n)
}

func (p *BytePool) Release(buf []byte) {
	if buf != nil {
		p.released.Add(1)
	}
}

// Outstanding returns buffers acquired and not yet released.
func (p *BytePool) Outstanding() int64 { return p.acquired.Load() - p.released.Load() }
