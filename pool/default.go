package pool

import (
	"sync"
)

var (
	defaultOnce sync.Once
	defaultPool *SlabPool
)

// Default returns a process-wide SlabPool so all queues reuse the same
// size classes instead of fragmenting allocations.
func Default() *SlabPool {
	defaultOnce.Do(func() {
		defaultPool = NewSlabPool(defaultClassCapacity)
	})
	return defaultPool
}
