// File: internal/queue/guard.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package queue

import (
	"github.com/cespare/xxhash/v2"

	"github.com/momentics/ioqueue/api"
)

// fingerprint hashes the segments of a pending push so that a caller
// modifying them before completion is detected.
func fingerprint(sga *api.SGA) uint64 {
	d := xxhash.New()
	for _, seg := range sga.Segments {
		_, _ = d.Write(seg)
	}
	// Fold the segment layout in so moving bytes between segments shows.
	return d.Sum64() ^ uint64(sga.NumSegments())<<56 ^ uint64(sga.Len())
}
