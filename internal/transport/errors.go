// File: internal/transport/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"syscall"

	"code.hybscloud.com/iox"

	"github.com/momentics/ioqueue/api"
)

// errnoError maps an OS error from op to the api taxonomy. Transient
// errnos become iox.ErrWouldBlock.
func errnoError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return api.Wrap(api.ErrCodeTransport, op+" failed", err)
	}
	switch errno {
	case syscall.EAGAIN, syscall.EINTR, syscall.ENOBUFS:
		return iox.ErrWouldBlock
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM:
		return api.Wrap(api.ErrCodeResourceExhausted, op+" failed", err)
	case syscall.EADDRINUSE, syscall.EADDRNOTAVAIL, syscall.EINVAL,
		syscall.EAFNOSUPPORT, syscall.EMSGSIZE, syscall.EBADF:
		return api.Wrap(api.ErrCodeInvalidArgument, op+" failed", err)
	case syscall.EISCONN, syscall.ENOTCONN, syscall.EALREADY:
		return api.Wrap(api.ErrCodeInvalidState, op+" failed", err)
	case syscall.ETIMEDOUT:
		return api.Wrap(api.ErrCodeTimedOut, op+" failed", err)
	default:
		return api.Wrap(api.ErrCodeTransport, op+" failed", err)
	}
}

func errRefused(op string) error {
	return api.Wrap(api.ErrCodeTransport, op+" failed", syscall.ECONNREFUSED)
}

func errReset(op string) error {
	return api.Wrap(api.ErrCodeTransport, op+" failed", syscall.ECONNRESET)
}
