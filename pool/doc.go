// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer memory for backend-allocated pop results.
// SlabPool keeps power-of-two size classes in bounded lock-free free lists
// so a steady receive path recycles the same memory instead of allocating.
// See slab_pool.go and objpool.go for implementation details.
package pool
