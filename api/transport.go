// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Backend contract implemented once per transport kind.
//
// Every method is non-blocking. Transient conditions (send buffer full,
// nothing to receive, handshake in flight) are reported as
// iox.ErrWouldBlock and retried by the completion engine; any other
// error is terminal for the operation that observed it.

package api

import "net/netip"

// Backend is the capability set every transport provides.
type Backend interface {
	// Kind returns the transport class.
	Kind() Kind

	// LocalAddr returns the bound address, zero if unbound.
	LocalAddr() netip.AddrPort

	// Send transfers a prefix of segs. Datagram backends send all or
	// nothing; stream backends may return n smaller than the total.
	// to is only meaningful for datagram backends.
	Send(segs [][]byte, to netip.AddrPort) (n int, err error)

	// Recv returns the next available data. A result with zero segments
	// signals orderly end-of-stream.
	Recv() (*SGA, error)

	// Close releases the backend. It must not block on peers.
	Close() error
}

// Binder is implemented by backends with an addressable local endpoint.
type Binder interface {
	Bind(addr netip.AddrPort) error
}

// Connector is implemented by connection-oriented backends.
type Connector interface {
	// Connect starts a handshake. nil means established; iox.ErrWouldBlock
	// means in flight and ConnectDone must be polled.
	Connect(addr netip.AddrPort) error

	// ConnectDone polls an in-flight handshake.
	ConnectDone() error
}

// Listener is implemented by backends able to accept peers.
type Listener interface {
	Listen(backlog int) error

	// Accept returns a connected backend, or iox.ErrWouldBlock.
	Accept() (Backend, netip.AddrPort, error)
}
