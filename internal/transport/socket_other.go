// internal/transport/socket_other.go
//go:build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"github.com/momentics/ioqueue/api"
)

func newSocket(domain api.Domain, kind api.Kind, _ api.BytePool, _ int) (api.Backend, error) {
	return nil, api.NewError(api.ErrCodeNotSupported, "kernel sockets require linux").
		WithContext("domain", domain.String()).
		WithContext("kind", kind.String())
}
