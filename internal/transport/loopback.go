// File: internal/transport/loopback.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process loopback network. Datagram endpoints exchange packets
// through bounded lock-free inboxes; stream endpoints are pairs of
// single-producer pipes set up by a listen/connect/accept handshake.
// Payloads are copied into pool buffers, so a pop result is independent
// of the sender's memory.

package transport

import (
	"net/netip"
	"sync"
	"syscall"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"

	"github.com/momentics/ioqueue/api"
)

const (
	ephemeralFirst = 49152
	ephemeralCount = 65536 - ephemeralFirst

	defaultInboxCapacity = 256
	defaultPipeDepth     = 64
	defaultStreamChunk   = 16 << 10
)

var loopHost = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Loopback is one in-process network. Addresses are only meaningful
// within the Loopback that issued them.
type Loopback struct {
	pool      api.BytePool
	inboxCap  int
	pipeDepth int
	chunk     int

	mu      sync.Mutex
	dgrams  map[netip.AddrPort]*loopDgram
	streams map[netip.AddrPort]*loopStream
	next    int
}

// NewLoopback creates an empty network. Zero sizes select defaults.
func NewLoopback(pool api.BytePool, inboxCap, pipeDepth, chunk int) *Loopback {
	if inboxCap < 2 {
		inboxCap = defaultInboxCapacity
	}
	if pipeDepth < 2 {
		pipeDepth = defaultPipeDepth
	}
	if chunk <= 0 {
		chunk = defaultStreamChunk
	}
	return &Loopback{
		pool:      pool,
		inboxCap:  inboxCap,
		pipeDepth: pipeDepth,
		chunk:     chunk,
		dgrams:    make(map[netip.AddrPort]*loopDgram),
		streams:   make(map[netip.AddrPort]*loopStream),
	}
}

// LoopbackStats counts bound endpoints on a Loopback network.
type LoopbackStats struct {
	Datagrams int
	Streams   int
}

// Stats returns the number of bound datagram and stream endpoints.
func (n *Loopback) Stats() LoopbackStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return LoopbackStats{Datagrams: len(n.dgrams), Streams: len(n.streams)}
}

// Datagram returns an unbound datagram endpoint.
func (n *Loopback) Datagram() api.Backend { return &loopDgram{net: n} }

// Stream returns an unbound stream endpoint.
func (n *Loopback) Stream() api.Backend { return &loopStream{net: n} }

// normalize maps unspecified hosts to the loopback host.
func normalize(ap netip.AddrPort) netip.AddrPort {
	host := ap.Addr()
	if !host.IsValid() || host.IsUnspecified() {
		host = loopHost
	}
	return netip.AddrPortFrom(host.Unmap(), ap.Port())
}

// allocLocked resolves addr to a free address, picking an ephemeral port
// for port zero.
func (n *Loopback) allocLocked(addr netip.AddrPort, used func(netip.AddrPort) bool) (netip.AddrPort, error) {
	addr = normalize(addr)
	if addr.Port() != 0 {
		if used(addr) {
			return addr, errnoError("bind", syscall.EADDRINUSE)
		}
		return addr, nil
	}
	for i := 0; i < ephemeralCount; i++ {
		port := uint16(ephemeralFirst + n.next)
		n.next = (n.next + 1) % ephemeralCount
		ap := netip.AddrPortFrom(addr.Addr(), port)
		if !used(ap) {
			return ap, nil
		}
	}
	return addr, api.NewError(api.ErrCodeResourceExhausted, "no free loopback port")
}

// gather copies up to max bytes of segs into one pool buffer.
func (n *Loopback) gather(segs [][]byte, max int) []byte {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	if max > 0 && total > max {
		total = max
	}
	buf := n.pool.Acquire(total)
	off := 0
	for _, s := range segs {
		if off == total {
			break
		}
		off += copy(buf[off:], s)
	}
	return buf
}

type loopPacket struct {
	from netip.AddrPort
	data []byte
}

type loopDgram struct {
	net   *Loopback
	local netip.AddrPort
	inbox lfq.Queue[loopPacket]
}

func (d *loopDgram) Kind() api.Kind { return api.KindDatagram }

func (d *loopDgram) LocalAddr() netip.AddrPort { return d.local }

func (d *loopDgram) Bind(addr netip.AddrPort) error {
	n := d.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if d.local.IsValid() {
		return errnoError("bind", syscall.EINVAL)
	}
	local, err := n.allocLocked(addr, func(ap netip.AddrPort) bool { return n.dgrams[ap] != nil })
	if err != nil {
		return err
	}
	d.local = local
	d.inbox = lfq.Build[loopPacket](lfq.New(n.inboxCap).Compact())
	n.dgrams[local] = d
	return nil
}

// Send delivers one packet. Packets to an address nobody bound are
// dropped, as a kernel would; a full inbox pushes back. The enqueue
// happens under the network lock so Close never drains an inbox that
// still receives.
func (d *loopDgram) Send(segs [][]byte, to netip.AddrPort) (int, error) {
	if !d.local.IsValid() {
		if err := d.Bind(netip.AddrPort{}); err != nil {
			return 0, err
		}
	}
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	n := d.net
	pkt := loopPacket{from: d.local, data: n.gather(segs, 0)}
	n.mu.Lock()
	dst := n.dgrams[normalize(to)]
	if dst == nil {
		n.mu.Unlock()
		n.pool.Release(pkt.data)
		return total, nil
	}
	err := dst.inbox.Enqueue(&pkt)
	n.mu.Unlock()
	if err != nil {
		n.pool.Release(pkt.data)
		return 0, iox.ErrWouldBlock
	}
	return total, nil
}

func (d *loopDgram) Recv() (*api.SGA, error) {
	if d.inbox == nil {
		return nil, iox.ErrWouldBlock
	}
	pkt, err := d.inbox.Dequeue()
	if err != nil {
		return nil, iox.ErrWouldBlock
	}
	return api.NewPooledSGA(d.net.pool, pkt.from, pkt.data), nil
}

func (d *loopDgram) Close() error {
	if !d.local.IsValid() {
		return nil
	}
	n := d.net
	n.mu.Lock()
	if n.dgrams[d.local] == d {
		delete(n.dgrams, d.local)
	}
	n.mu.Unlock()
	for {
		pkt, err := d.inbox.Dequeue()
		if err != nil {
			break
		}
		n.pool.Release(pkt.data)
	}
	return nil
}

// loopPipe carries one direction of a stream connection.
type loopPipe struct {
	q       *lfq.SPSC[[]byte]
	wclosed atomix.Uint32 // writer gone, reader drains then sees EOF
	rclosed atomix.Uint32 // reader gone, writer gets ECONNRESET
}

func newPipe(depth int) *loopPipe {
	return &loopPipe{q: lfq.NewSPSC[[]byte](depth)}
}

// connReq is a connection waiting in a listener backlog.
type connReq struct {
	server   *loopStream
	accepted atomix.Uint32
	refused  atomix.Uint32
}

type loopStream struct {
	net    *Loopback
	local  netip.AddrPort
	remote netip.AddrPort
	bound  bool

	rx, tx *loopPipe

	backlog   lfq.Queue[*connReq]
	listening bool
	lnClosed  atomix.Uint32

	req    *connReq
	target *loopStream
	queued bool
}

func (s *loopStream) Kind() api.Kind { return api.KindStream }

func (s *loopStream) LocalAddr() netip.AddrPort { return s.local }

func (s *loopStream) Bind(addr netip.AddrPort) error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.bound {
		return errnoError("bind", syscall.EINVAL)
	}
	local, err := n.allocLocked(addr, func(ap netip.AddrPort) bool { return n.streams[ap] != nil })
	if err != nil {
		return err
	}
	s.local, s.bound = local, true
	n.streams[local] = s
	return nil
}

func (s *loopStream) Listen(backlog int) error {
	if !s.bound {
		return errnoError("listen", syscall.EINVAL)
	}
	if backlog < 2 {
		backlog = 2
	}
	s.backlog = lfq.Build[*connReq](lfq.New(backlog).Compact())
	s.net.mu.Lock()
	s.listening = true
	s.net.mu.Unlock()
	return nil
}

func (s *loopStream) Accept() (api.Backend, netip.AddrPort, error) {
	if !s.listening {
		return nil, netip.AddrPort{}, errnoError("accept", syscall.EINVAL)
	}
	for {
		req, err := s.backlog.Dequeue()
		if err != nil {
			return nil, netip.AddrPort{}, iox.ErrWouldBlock
		}
		if req.refused.Load() != 0 {
			continue
		}
		req.accepted.Add(1)
		return req.server, req.server.remote, nil
	}
}

// Connect places a connection request in the listener backlog. The
// handshake completes when the listener accepts it.
func (s *loopStream) Connect(addr netip.AddrPort) error {
	if s.tx != nil || s.req != nil {
		return errnoError("connect", syscall.EISCONN)
	}
	if !s.bound {
		if err := s.Bind(netip.AddrPort{}); err != nil {
			return err
		}
	}
	dst := normalize(addr)
	n := s.net
	n.mu.Lock()
	ln := n.streams[dst]
	if ln == nil || !ln.listening {
		n.mu.Unlock()
		return errRefused("connect")
	}
	n.mu.Unlock()

	c2s, s2c := newPipe(n.pipeDepth), newPipe(n.pipeDepth)
	server := &loopStream{net: n, local: dst, remote: s.local, rx: c2s, tx: s2c}
	s.rx, s.tx, s.remote = s2c, c2s, dst
	s.req = &connReq{server: server}
	s.target = ln
	return s.offer()
}

// offer enqueues the pending request, retrying while the backlog is full.
func (s *loopStream) offer() error {
	if s.queued {
		return iox.ErrWouldBlock
	}
	if s.target.lnClosed.Load() != 0 {
		return errRefused("connect")
	}
	req := s.req
	if err := s.target.backlog.Enqueue(&req); err != nil {
		return iox.ErrWouldBlock
	}
	s.queued = true
	// The listener may have closed and drained between the checks.
	if s.target.lnClosed.Load() != 0 {
		req.refused.Add(1)
		return errRefused("connect")
	}
	return iox.ErrWouldBlock
}

func (s *loopStream) ConnectDone() error {
	req := s.req
	if req == nil {
		return nil
	}
	if req.refused.Load() != 0 {
		s.req, s.target = nil, nil
		return errRefused("connect")
	}
	if req.accepted.Load() != 0 {
		s.req, s.target = nil, nil
		return nil
	}
	return s.offer()
}

// Send writes at most one chunk; larger pushes complete over several
// calls.
func (s *loopStream) Send(segs [][]byte, _ netip.AddrPort) (int, error) {
	if s.tx == nil {
		return 0, errnoError("send", syscall.ENOTCONN)
	}
	if s.tx.rclosed.Load() != 0 {
		return 0, errReset("send")
	}
	buf := s.net.gather(segs, s.net.chunk)
	if err := s.tx.q.Enqueue(&buf); err != nil {
		s.net.pool.Release(buf)
		return 0, iox.ErrWouldBlock
	}
	return len(buf), nil
}

func (s *loopStream) Recv() (*api.SGA, error) {
	if s.rx == nil {
		return nil, errnoError("recv", syscall.ENOTCONN)
	}
	if buf, err := s.rx.q.Dequeue(); err == nil {
		return api.NewPooledSGA(s.net.pool, netip.AddrPort{}, buf), nil
	}
	if s.rx.wclosed.Load() == 0 {
		return nil, iox.ErrWouldBlock
	}
	// Writer closed: anything it queued before closing is still readable.
	if buf, err := s.rx.q.Dequeue(); err == nil {
		return api.NewPooledSGA(s.net.pool, netip.AddrPort{}, buf), nil
	}
	return &api.SGA{}, nil
}

func (s *loopStream) Close() error {
	n := s.net
	if s.req != nil {
		s.req.refused.Add(1)
	}
	if s.tx != nil {
		s.tx.wclosed.Add(1)
	}
	if s.rx != nil {
		s.rx.rclosed.Add(1)
		for {
			buf, err := s.rx.q.Dequeue()
			if err != nil {
				break
			}
			n.pool.Release(buf)
		}
	}
	if s.bound {
		n.mu.Lock()
		if n.streams[s.local] == s {
			delete(n.streams, s.local)
		}
		n.mu.Unlock()
	}
	if s.listening {
		s.lnClosed.Add(1)
		for {
			req, err := s.backlog.Dequeue()
			if err != nil {
				break
			}
			req.refused.Add(1)
		}
	}
	return nil
}

var (
	_ api.Binder    = (*loopDgram)(nil)
	_ api.Binder    = (*loopStream)(nil)
	_ api.Connector = (*loopStream)(nil)
	_ api.Listener  = (*loopStream)(nil)
)
