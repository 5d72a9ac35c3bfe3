// internal/transport/socket_linux.go
//go:build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel UDP and TCP backends: non-blocking sockets driven with vectored
// sendmsg/recvmsg so SGA segments go to the kernel without coalescing.

package transport

import (
	"net/netip"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/pool"
)

type socketBackend struct {
	fd     int
	family int
	kind   api.Kind
	bufs   api.BytePool
	chunk  int
	eof    bool
}

// newSocket creates a non-blocking kernel socket of the given family.
func newSocket(domain api.Domain, kind api.Kind, bufs api.BytePool, chunk int) (api.Backend, error) {
	family := unix.AF_INET
	if domain == api.AFInet6 {
		family = unix.AF_INET6
	}
	typ, proto := unix.SOCK_DGRAM, unix.IPPROTO_UDP
	if kind == api.KindStream {
		typ, proto = unix.SOCK_STREAM, unix.IPPROTO_TCP
	}
	fd, err := unix.Socket(family, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, errnoError("socket", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if kind == api.KindStream {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if chunk <= 0 {
		chunk = defaultStreamChunk
	}
	return &socketBackend{fd: fd, family: family, kind: kind, bufs: bufs, chunk: chunk}, nil
}

func (s *socketBackend) sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if s.family == unix.AF_INET {
		if !addr.IsValid() {
			return &unix.SockaddrInet4{Port: int(ap.Port())}, nil
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, errnoError("address", unix.EAFNOSUPPORT)
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	}
	if !addr.IsValid() {
		return &unix.SockaddrInet6{Port: int(ap.Port())}, nil
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

func (s *socketBackend) Kind() api.Kind { return s.kind }

func (s *socketBackend) LocalAddr() netip.AddrPort {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	ap := addrPortOf(sa)
	if ap.Port() == 0 {
		return netip.AddrPort{}
	}
	return ap
}

// Bind binds addr; the zero address means any host, ephemeral port.
func (s *socketBackend) Bind(addr netip.AddrPort) error {
	sa, err := s.sockaddr(addr)
	if err != nil {
		return err
	}
	return errnoError("bind", unix.Bind(s.fd, sa))
}

func (s *socketBackend) Connect(addr netip.AddrPort) error {
	sa, err := s.sockaddr(addr)
	if err != nil {
		return err
	}
	switch err := unix.Connect(s.fd, sa); err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EINTR, unix.EALREADY:
		return iox.ErrWouldBlock
	default:
		return errnoError("connect", err)
	}
}

// ConnectDone checks writability without waiting, then reads SO_ERROR.
func (s *socketBackend) ConnectDone() error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	if err == unix.EINTR || (err == nil && n == 0) {
		return iox.ErrWouldBlock
	}
	if err != nil {
		return errnoError("connect", err)
	}
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errnoError("connect", err)
	}
	if soerr != 0 {
		return errnoError("connect", unix.Errno(soerr))
	}
	return nil
}

func (s *socketBackend) Listen(backlog int) error {
	return errnoError("listen", unix.Listen(s.fd, backlog))
}

func (s *socketBackend) Accept() (api.Backend, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.ECONNABORTED {
			return nil, netip.AddrPort{}, iox.ErrWouldBlock
		}
		return nil, netip.AddrPort{}, errnoError("accept", err)
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	peer := &socketBackend{fd: nfd, family: s.family, kind: s.kind, bufs: s.bufs, chunk: s.chunk}
	return peer, addrPortOf(sa), nil
}

// Send hands all segments to one sendmsg call. Stream sockets may take a
// prefix; datagram sockets take the whole message or nothing.
func (s *socketBackend) Send(segs [][]byte, to netip.AddrPort) (int, error) {
	var sa unix.Sockaddr
	if s.kind == api.KindDatagram && to.IsValid() {
		var err error
		if sa, err = s.sockaddr(to); err != nil {
			return 0, err
		}
	}
	n, err := unix.SendmsgBuffers(s.fd, segs, nil, sa, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, errnoError("send", err)
	}
	return n, nil
}

// Recv reads one datagram, or up to one chunk of stream data, into a
// pool buffer. A zero-byte stream read is end-of-stream and stays so.
func (s *socketBackend) Recv() (*api.SGA, error) {
	if s.eof {
		return &api.SGA{}, nil
	}
	size := s.chunk
	if s.kind == api.KindDatagram {
		size = api.MaxDatagramSize
	}
	buf := s.bufs.Acquire(size)
	iov := pool.GetIOVec(buf)
	n, _, _, from, err := unix.RecvmsgBuffers(s.fd, iov.Bufs, nil, unix.MSG_DONTWAIT)
	pool.PutIOVec(iov)
	if err != nil {
		s.bufs.Release(buf)
		return nil, errnoError("recv", err)
	}
	if s.kind == api.KindStream && n == 0 {
		s.bufs.Release(buf)
		s.eof = true
		return &api.SGA{}, nil
	}
	return api.NewPooledSGA(s.bufs, addrPortOf(from), buf[:n]), nil
}

func (s *socketBackend) Close() error {
	return errnoError("close", unix.Close(s.fd))
}

var (
	_ api.Binder    = (*socketBackend)(nil)
	_ api.Connector = (*socketBackend)(nil)
	_ api.Listener  = (*socketBackend)(nil)
)
