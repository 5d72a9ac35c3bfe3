// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the backend contract.

package fake

import (
	"net/netip"
	"sync"

	"code.hybscloud.com/iox"

	"github.com/momentics/ioqueue/api"
)

// Backend is a scriptable api.Backend. It also implements Binder,
// Connector and Listener so tests can drive every queue state.
type Backend struct {
	mu sync.Mutex

	kind   api.Kind
	local  netip.AddrPort
	closed bool

	sent       [][]byte
	sentTo     []netip.AddrPort
	sendLimit  int
	sendBlock  bool
	sendError  error
	recvBuffer []*api.SGA
	recvError  error
	eof        bool
	closeError error

	connectSteps int
	connectError error
	connects     int

	listening bool
	backlog   []*Backend
}

// NewBackend creates a fake backend of the given kind.
func NewBackend(kind api.Kind) *Backend {
	return &Backend{kind: kind}
}

// Kind implements api.Backend.
func (b *Backend) Kind() api.Kind { return b.kind }

// LocalAddr implements api.Backend.
func (b *Backend) LocalAddr() netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local
}

// Bind implements api.Binder. The zero address binds 127.0.0.1:40000.
func (b *Backend) Bind(addr netip.AddrPort) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !addr.IsValid() {
		addr = netip.MustParseAddrPort("127.0.0.1:40000")
	}
	b.local = addr
	return nil
}

// Send implements api.Backend. It records a copy of what was accepted.
func (b *Backend) Send(segs [][]byte, to netip.AddrPort) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, api.NewError(api.ErrCodeTransport, "fake backend closed")
	}
	if b.sendError != nil {
		return 0, b.sendError
	}
	if b.sendBlock {
		return 0, iox.ErrWouldBlock
	}
	var out []byte
	for _, s := range segs {
		out = append(out, s...)
	}
	if b.sendLimit > 0 && len(out) > b.sendLimit {
		if b.kind == api.KindDatagram {
			return 0, iox.ErrWouldBlock
		}
		out = out[:b.sendLimit]
	}
	b.sent = append(b.sent, out)
	b.sentTo = append(b.sentTo, to)
	return len(out), nil
}

// Recv implements api.Backend.
func (b *Backend) Recv() (*api.SGA, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recvError != nil {
		return nil, b.recvError
	}
	if len(b.recvBuffer) > 0 {
		s := b.recvBuffer[0]
		b.recvBuffer = b.recvBuffer[1:]
		return s, nil
	}
	if b.eof {
		return &api.SGA{}, nil
	}
	return nil, iox.ErrWouldBlock
}

// Close implements api.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.closeError
}

// Connect implements api.Connector.
func (b *Backend) Connect(netip.AddrPort) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.connectSteps == 0 {
		return b.connectError
	}
	return iox.ErrWouldBlock
}

// ConnectDone implements api.Connector. It reports in-flight until the
// configured number of polls has elapsed. A negative count never completes.
func (b *Backend) ConnectDone() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectSteps < 0 {
		return iox.ErrWouldBlock
	}
	if b.connectSteps > 0 {
		b.connectSteps--
		return iox.ErrWouldBlock
	}
	return b.connectError
}

// Listen implements api.Listener.
func (b *Backend) Listen(int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening = true
	return nil
}

// Accept implements api.Listener.
func (b *Backend) Accept() (api.Backend, netip.AddrPort, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) == 0 {
		return nil, netip.AddrPort{}, iox.ErrWouldBlock
	}
	peer := b.backlog[0]
	b.backlog = b.backlog[1:]
	return peer, peer.local, nil
}

// SetSendLimit caps the bytes accepted by one Send. Datagram sends over
// the cap would block instead of truncating.
func (b *Backend) SetSendLimit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLimit = n
}

// BlockSends makes Send report would-block.
func (b *Backend) BlockSends(block bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendBlock = block
}

// SetSendError configures the backend to fail Send.
func (b *Backend) SetSendError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendError = err
}

// SetRecvError configures the backend to fail Recv.
func (b *Backend) SetRecvError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recvError = err
}

// SetCloseError configures the error returned by Close.
func (b *Backend) SetCloseError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeError = err
}

// SetConnect scripts the handshake: steps polls in flight, then err.
func (b *Backend) SetConnect(steps int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectSteps, b.connectError = steps, err
}

// Deliver queues data for Recv, as if sent from from.
func (b *Backend) Deliver(data []byte, from netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.recvBuffer = append(b.recvBuffer, api.NewSGATo(from, cp))
}

// DeliverEOF makes Recv report end-of-stream once buffered data drains.
func (b *Backend) DeliverEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
}

// Enqueue offers peer to the next Accept.
func (b *Backend) Enqueue(peer *Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backlog = append(b.backlog, peer)
}

// Sent returns copies of every accepted Send, in order.
func (b *Backend) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.sent))
	copy(out, b.sent)
	return out
}

// SentTo returns the destination of every accepted Send.
func (b *Backend) SentTo() []netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]netip.AddrPort(nil), b.sentTo...)
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Listening reports whether Listen was called.
func (b *Backend) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

var (
	_ api.Backend   = (*Backend)(nil)
	_ api.Binder    = (*Backend)(nil)
	_ api.Connector = (*Backend)(nil)
	_ api.Listener  = (*Backend)(nil)
)
