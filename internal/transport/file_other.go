// internal/transport/file_other.go
//go:build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"os"

	"github.com/momentics/ioqueue/api"
)

type fileRing struct{}

func newFileRing(uint) (*fileRing, error) {
	return nil, api.NewError(api.ErrCodeNotSupported, "io_uring requires linux")
}

func (*fileRing) open(string, int, os.FileMode, api.BytePool, int) (api.Backend, error) {
	return nil, api.NewError(api.ErrCodeNotSupported, "io_uring requires linux")
}

func (*fileRing) Close() error { return nil }
