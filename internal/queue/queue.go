// File: internal/queue/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queue state machine. A Queue wraps one backend, tries every submission
// inline first and parks what cannot complete yet in per-direction FIFOs
// that Progress drains in submission order.

package queue

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	equeue "github.com/eapache/queue"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/control"
	"github.com/momentics/ioqueue/internal/tracker"
)

// Env carries the collaborators shared by all queues of one service.
type Env struct {
	Tracker *tracker.Tracker
	Metrics *control.Metrics
	Log     *slog.Logger

	// Adopt registers a backend produced by accept as a new connected
	// queue and returns its descriptor. It is called with the listening
	// queue locked and must not lock that queue.
	Adopt func(b api.Backend, remote netip.AddrPort) (api.QDesc, error)

	connectTimeout atomic.Int64
	guard          atomic.Bool
}

// SetConnectTimeout bounds handshakes started after the call. Zero
// disables the bound.
func (e *Env) SetConnectTimeout(d time.Duration) { e.connectTimeout.Store(int64(d)) }

// ConnectTimeout returns the current handshake bound.
func (e *Env) ConnectTimeout() time.Duration { return time.Duration(e.connectTimeout.Load()) }

// SetGuardBuffers toggles fingerprinting of pending push buffers.
func (e *Env) SetGuardBuffers(on bool) { e.guard.Store(on) }

// GuardBuffers reports whether pending pushes are fingerprinted.
func (e *Env) GuardBuffers() bool { return e.guard.Load() }

// Info is a snapshot of one queue for introspection.
type Info struct {
	QD            api.QDesc
	Kind          string
	State         string
	Local         string
	Remote        string
	PendingPush   int
	PendingPop    int
	PendingAccept int
	Connecting    bool
}

// Queue is one open queue.
type Queue struct {
	qd   api.QDesc
	kind api.Kind
	env  *Env
	log  *slog.Logger

	mu      sync.Mutex
	state   api.QueueState
	backend api.Backend
	remote  netip.AddrPort
	connect *tracker.Entry
	pushes  *equeue.Queue
	pops    *equeue.Queue
	accepts *equeue.Queue
}

// New wraps b as queue qd in the given initial state.
func New(qd api.QDesc, b api.Backend, state api.QueueState, env *Env) *Queue {
	log := env.Log
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		qd:      qd,
		kind:    b.Kind(),
		env:     env,
		log:     log.With("qd", int(qd), "kind", b.Kind().String()),
		state:   state,
		backend: b,
		pushes:  equeue.New(),
		pops:    equeue.New(),
		accepts: equeue.New(),
	}
}

// QD returns the queue descriptor.
func (q *Queue) QD() api.QDesc { return q.qd }

// Kind returns the transport class.
func (q *Queue) Kind() api.Kind { return q.kind }

// State returns the current lifecycle state.
func (q *Queue) State() api.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// LocalAddr returns the bound local address, zero if unbound.
func (q *Queue) LocalAddr() netip.AddrPort {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.LocalAddr()
}

// SetRemote records the peer of an accepted connection.
func (q *Queue) SetRemote(addr netip.AddrPort) {
	q.mu.Lock()
	q.remote = addr
	q.mu.Unlock()
}

func (q *Queue) stateErr(op string) error {
	return api.NewError(api.ErrCodeInvalidState, op+" not allowed in state "+q.state.String()).
		WithContext("qd", int(q.qd))
}

func unsupported(op string, k api.Kind) error {
	return api.NewError(api.ErrCodeNotSupported, op+" not supported").WithContext("kind", k.String())
}

// transportErr keeps structured errors and wraps everything else.
func transportErr(op string, err error) error {
	if _, ok := err.(*api.Error); ok {
		return err
	}
	return api.Wrap(api.ErrCodeTransport, op+" failed", err)
}

// Bind assigns a local address.
func (q *Queue) Bind(addr netip.AddrPort) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != api.StateUnbound {
		return q.stateErr("bind")
	}
	b, ok := q.backend.(api.Binder)
	if !ok {
		return unsupported("bind", q.kind)
	}
	if err := b.Bind(addr); err != nil {
		return transportErr("bind", err)
	}
	q.state = api.StateBound
	q.log.Debug("queue bound", "addr", q.backend.LocalAddr().String())
	return nil
}

// bindAnyLocked gives an unbound datagram queue an ephemeral address.
func (q *Queue) bindAnyLocked() error {
	b, ok := q.backend.(api.Binder)
	if !ok {
		return unsupported("bind", q.kind)
	}
	if err := b.Bind(netip.AddrPort{}); err != nil {
		return transportErr("bind", err)
	}
	q.state = api.StateBound
	q.log.Debug("queue auto-bound", "addr", q.backend.LocalAddr().String())
	return nil
}

// Listen marks a bound connection-oriented queue as accepting peers.
func (q *Queue) Listen(backlog int) error {
	if backlog < 1 {
		return api.NewError(api.ErrCodeInvalidArgument, "backlog must be positive").WithContext("backlog", backlog)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.backend.(api.Listener)
	if !ok || q.kind == api.KindDatagram {
		return unsupported("listen", q.kind)
	}
	if q.state != api.StateBound {
		return q.stateErr("listen")
	}
	if err := l.Listen(backlog); err != nil {
		return transportErr("listen", err)
	}
	q.state = api.StateListening
	q.log.Debug("queue listening", "addr", q.backend.LocalAddr().String(), "backlog", backlog)
	return nil
}

// Connect sets the default destination of a datagram queue, or starts a
// handshake on a connection-oriented one.
func (q *Queue) Connect(addr netip.AddrPort) (api.Op, error) {
	if !addr.IsValid() {
		return api.Op{}, api.NewError(api.ErrCodeInvalidArgument, "connect needs a valid address")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ctx := context.Background()

	switch q.kind {
	case api.KindFile:
		return api.Op{}, unsupported("connect", q.kind)
	case api.KindDatagram:
		switch q.state {
		case api.StateUnbound:
			if err := q.bindAnyLocked(); err != nil {
				return api.Op{}, err
			}
		case api.StateBound, api.StateConnected:
		default:
			return api.Op{}, q.stateErr("connect")
		}
		q.remote = addr
		q.state = api.StateConnected
		q.env.Metrics.Submitted(ctx, api.OpConnect, true)
		q.env.Metrics.Completed(ctx, api.OpConnect, 0, nil)
		return api.Immediate(api.Result{QD: q.qd, Kind: api.OpConnect, Remote: addr}), nil
	}

	if q.state != api.StateUnbound && q.state != api.StateBound {
		return api.Op{}, q.stateErr("connect")
	}
	c, ok := q.backend.(api.Connector)
	if !ok {
		return api.Op{}, unsupported("connect", q.kind)
	}
	e, err := q.env.Tracker.Register(q.qd, api.OpConnect)
	if err != nil {
		return api.Op{}, err
	}
	err = c.Connect(addr)
	switch {
	case err == nil:
		q.env.Tracker.Discard(e)
		q.remote = addr
		q.state = api.StateConnected
		q.env.Metrics.Submitted(ctx, api.OpConnect, true)
		q.env.Metrics.Completed(ctx, api.OpConnect, 0, nil)
		q.log.Debug("queue connected", "remote", addr.String())
		return api.Immediate(api.Result{QD: q.qd, Kind: api.OpConnect, Remote: addr}), nil
	case iox.IsWouldBlock(err):
		e.Remote = addr
		if d := q.env.ConnectTimeout(); d > 0 {
			e.Deadline = e.Created.Add(d)
		}
		q.connect = e
		q.state = api.StateConnecting
		q.env.Metrics.Submitted(ctx, api.OpConnect, false)
		return api.Pending(e.Token()), nil
	default:
		q.env.Tracker.Discard(e)
		q.state = api.StateFailed
		err = transportErr("connect", err)
		q.log.Warn("connect failed", "remote", addr.String(), "error", err)
		return api.Op{}, err
	}
}

// Accept takes the next peer from a listening queue.
func (q *Queue) Accept() (api.Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != api.StateListening {
		return api.Op{}, q.stateErr("accept")
	}
	e, err := q.env.Tracker.Register(q.qd, api.OpAccept)
	if err != nil {
		return api.Op{}, err
	}
	ctx := context.Background()
	if q.accepts.Length() == 0 {
		res, done, err := q.tryAcceptLocked()
		if done {
			q.env.Tracker.Discard(e)
			q.env.Metrics.Submitted(ctx, api.OpAccept, true)
			q.env.Metrics.Completed(ctx, api.OpAccept, 0, err)
			if err != nil {
				return api.Op{}, err
			}
			return api.Immediate(res), nil
		}
	}
	q.accepts.Add(e)
	q.env.Metrics.Submitted(ctx, api.OpAccept, false)
	return api.Pending(e.Token()), nil
}

// tryAcceptLocked reports done=false while no peer is waiting.
func (q *Queue) tryAcceptLocked() (api.Result, bool, error) {
	res := api.Result{QD: q.qd, Kind: api.OpAccept, NewQD: api.InvalidQDesc}
	nb, remote, err := q.backend.(api.Listener).Accept()
	if iox.IsWouldBlock(err) {
		return res, false, nil
	}
	if err != nil {
		return res, true, transportErr("accept", err)
	}
	nqd, err := q.env.Adopt(nb, remote)
	if err != nil {
		_ = nb.Close()
		q.log.Warn("accepted peer dropped", "remote", remote.String(), "error", err)
		return res, true, err
	}
	res.NewQD, res.Remote = nqd, remote
	q.log.Debug("peer accepted", "remote", remote.String(), "new_qd", int(nqd))
	return res, true, nil
}

// pushDestLocked validates the queue for a push and returns the datagram
// destination.
func (q *Queue) pushDestLocked(sga *api.SGA) (netip.AddrPort, error) {
	switch q.state {
	case api.StateClosing, api.StateClosed, api.StateFailed, api.StateListening, api.StateConnecting:
		return netip.AddrPort{}, q.stateErr("push")
	}
	if q.kind != api.KindDatagram {
		if q.state != api.StateConnected {
			return netip.AddrPort{}, q.stateErr("push")
		}
		return netip.AddrPort{}, nil
	}
	dest := sga.Addr
	if !dest.IsValid() {
		dest = q.remote
	}
	if !dest.IsValid() {
		return dest, api.NewError(api.ErrCodeInvalidState, "datagram push needs a destination").
			WithContext("qd", int(q.qd))
	}
	if n := sga.Len(); n > api.MaxDatagramSize {
		return dest, api.NewError(api.ErrCodeInvalidArgument, "datagram too large").
			WithContext("bytes", n).WithContext("max", api.MaxDatagramSize)
	}
	if q.state == api.StateUnbound {
		if err := q.bindAnyLocked(); err != nil {
			return dest, err
		}
	}
	return dest, nil
}

// Push submits sga for transmission. The caller must leave the segments
// untouched until the operation resolves.
func (q *Queue) Push(sga *api.SGA) (api.Op, error) {
	if err := sga.Validate(); err != nil {
		return api.Op{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	dest, err := q.pushDestLocked(sga)
	if err != nil {
		return api.Op{}, err
	}
	e, err := q.env.Tracker.Register(q.qd, api.OpPush)
	if err != nil {
		return api.Op{}, err
	}
	ctx := context.Background()
	total := sga.Len()
	if q.pushes.Length() == 0 {
		n, err := q.backend.Send(sga.Segments, dest)
		if err != nil && !iox.IsWouldBlock(err) {
			q.env.Tracker.Discard(e)
			err = transportErr("push", err)
			q.env.Metrics.Submitted(ctx, api.OpPush, true)
			q.env.Metrics.Completed(ctx, api.OpPush, 0, err)
			return api.Op{}, err
		}
		if n >= total {
			q.env.Tracker.Discard(e)
			q.env.Metrics.Submitted(ctx, api.OpPush, true)
			q.env.Metrics.Completed(ctx, api.OpPush, total, nil)
			return api.Immediate(api.Result{QD: q.qd, Kind: api.OpPush, Bytes: total}), nil
		}
		e.Sent = n
	}
	e.SGA = sga
	e.Remote = dest
	if q.env.GuardBuffers() {
		if e.Fingerprint = fingerprint(sga); e.Fingerprint == 0 {
			e.Fingerprint = 1
		}
	}
	q.pushes.Add(e)
	q.env.Metrics.Submitted(ctx, api.OpPush, false)
	return api.Pending(e.Token()), nil
}

func (q *Queue) popAllowedLocked() bool {
	if q.kind == api.KindDatagram {
		return q.state == api.StateBound || q.state == api.StateConnected
	}
	return q.state == api.StateConnected
}

// Pop requests the next incoming data.
func (q *Queue) Pop() (api.Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.popAllowedLocked() {
		return api.Op{}, q.stateErr("pop")
	}
	e, err := q.env.Tracker.Register(q.qd, api.OpPop)
	if err != nil {
		return api.Op{}, err
	}
	ctx := context.Background()
	if q.pops.Length() == 0 {
		sga, err := q.backend.Recv()
		if err == nil {
			q.env.Tracker.Discard(e)
			q.env.Metrics.Submitted(ctx, api.OpPop, true)
			q.env.Metrics.Completed(ctx, api.OpPop, sga.Len(), nil)
			return api.Immediate(q.popResult(sga)), nil
		}
		if !iox.IsWouldBlock(err) {
			q.env.Tracker.Discard(e)
			err = transportErr("pop", err)
			q.env.Metrics.Submitted(ctx, api.OpPop, true)
			q.env.Metrics.Completed(ctx, api.OpPop, 0, err)
			return api.Op{}, err
		}
	}
	q.pops.Add(e)
	q.env.Metrics.Submitted(ctx, api.OpPop, false)
	return api.Pending(e.Token()), nil
}

func (q *Queue) popResult(sga *api.SGA) api.Result {
	return api.Result{QD: q.qd, Kind: api.OpPop, Bytes: sga.Len(), SGA: sga}
}

func (q *Queue) resolveLocked(e *tracker.Entry, r api.Result, err error) {
	if e.Resolve(r, err) {
		q.env.Metrics.Completed(context.Background(), e.Kind, r.Bytes, err)
		return
	}
	// Lost a race with another resolver: never leak a received buffer.
	r.SGA.Free()
}

// segmentsFrom returns the unsent tail of segs after off bytes.
func segmentsFrom(segs [][]byte, off int) [][]byte {
	for i, s := range segs {
		if off < len(s) {
			out := make([][]byte, 0, len(segs)-i)
			out = append(out, s[off:])
			return append(out, segs[i+1:]...)
		}
		off -= len(s)
	}
	return nil
}

// Progress advances every pending operation as far as the backend allows
// without blocking. It skips the queue if another goroutine holds it and
// reports whether anything moved.
func (q *Queue) Progress() bool {
	if !q.mu.TryLock() {
		return false
	}
	defer q.mu.Unlock()
	if q.state == api.StateClosing || q.state == api.StateClosed {
		return false
	}
	moved := q.progressConnectLocked()
	if q.progressPushesLocked() {
		moved = true
	}
	if q.progressPopsLocked() {
		moved = true
	}
	if q.progressAcceptsLocked() {
		moved = true
	}
	return moved
}

func (q *Queue) progressConnectLocked() bool {
	e := q.connect
	if e == nil {
		return false
	}
	res := api.Result{QD: q.qd, Kind: api.OpConnect, Remote: e.Remote}
	err := q.backend.(api.Connector).ConnectDone()
	switch {
	case err == nil:
		q.remote = e.Remote
		q.state = api.StateConnected
		q.log.Debug("queue connected", "remote", e.Remote.String())
	case iox.IsWouldBlock(err):
		if e.Deadline.IsZero() || time.Now().Before(e.Deadline) {
			return false
		}
		q.state = api.StateFailed
		err = api.NewError(api.ErrCodeTimedOut, "connection timed out").WithContext("remote", e.Remote.String())
		q.log.Warn("connect timed out", "remote", e.Remote.String())
	default:
		q.state = api.StateFailed
		err = transportErr("connect", err)
		q.log.Warn("connect failed", "remote", e.Remote.String(), "error", err)
	}
	q.connect = nil
	q.resolveLocked(e, res, err)
	return true
}

func (q *Queue) progressPushesLocked() bool {
	moved := false
	for q.pushes.Length() > 0 {
		e := q.pushes.Peek().(*tracker.Entry)
		sga := e.SGA
		total := sga.Len()
		if e.Fingerprint != 0 && fingerprint(sga) != e.Fingerprint {
			q.pushes.Remove()
			q.log.Error("push buffer modified while pending", "token", e.Token().String())
			q.resolveLocked(e, api.Result{QD: q.qd, Kind: api.OpPush, Bytes: e.Sent},
				api.NewError(api.ErrCodeInvalidArgument, "push buffer modified while pending"))
			moved = true
			continue
		}
		n, err := q.backend.Send(segmentsFrom(sga.Segments, e.Sent), e.Remote)
		if n > 0 {
			e.Sent += n
			moved = true
		}
		if err != nil && !iox.IsWouldBlock(err) {
			q.pushes.Remove()
			q.resolveLocked(e, api.Result{QD: q.qd, Kind: api.OpPush, Bytes: e.Sent}, transportErr("push", err))
			moved = true
			continue
		}
		if e.Sent < total {
			break
		}
		q.pushes.Remove()
		q.resolveLocked(e, api.Result{QD: q.qd, Kind: api.OpPush, Bytes: total}, nil)
	}
	return moved
}

func (q *Queue) progressPopsLocked() bool {
	moved := false
	for q.pops.Length() > 0 {
		sga, err := q.backend.Recv()
		if iox.IsWouldBlock(err) {
			break
		}
		e := q.pops.Remove().(*tracker.Entry)
		moved = true
		if err != nil {
			q.resolveLocked(e, api.Result{QD: q.qd, Kind: api.OpPop}, transportErr("pop", err))
			continue
		}
		q.resolveLocked(e, q.popResult(sga), nil)
	}
	return moved
}

func (q *Queue) progressAcceptsLocked() bool {
	moved := false
	for q.accepts.Length() > 0 {
		res, done, err := q.tryAcceptLocked()
		if !done {
			break
		}
		e := q.accepts.Remove().(*tracker.Entry)
		q.resolveLocked(e, res, err)
		moved = true
	}
	return moved
}

// Close cancels every pending operation, releases the backend and leaves
// the queue Closed. Closing twice is an error.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == api.StateClosing || q.state == api.StateClosed {
		return q.stateErr("close")
	}
	q.state = api.StateClosing
	n := 0
	cancel := func(e *tracker.Entry) {
		q.resolveLocked(e, api.Result{QD: q.qd, Kind: e.Kind, Bytes: e.Sent, NewQD: api.InvalidQDesc},
			api.NewError(api.ErrCodeOperationCancelled, "queue closed").WithContext("qd", int(q.qd)))
		n++
	}
	if q.connect != nil {
		cancel(q.connect)
		q.connect = nil
	}
	for _, fifo := range []*equeue.Queue{q.pushes, q.pops, q.accepts} {
		for fifo.Length() > 0 {
			cancel(fifo.Remove().(*tracker.Entry))
		}
	}
	err := q.backend.Close()
	q.state = api.StateClosed
	q.log.Debug("queue closed", "cancelled", n)
	if err != nil {
		return transportErr("close", err)
	}
	return nil
}

// Info returns a snapshot for DumpState.
func (q *Queue) Info() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	info := Info{
		QD:            q.qd,
		Kind:          q.kind.String(),
		State:         q.state.String(),
		PendingPush:   q.pushes.Length(),
		PendingPop:    q.pops.Length(),
		PendingAccept: q.accepts.Length(),
		Connecting:    q.connect != nil,
	}
	if a := q.backend.LocalAddr(); a.IsValid() {
		info.Local = a.String()
	}
	if q.remote.IsValid() {
		info.Remote = q.remote.String()
	}
	return info
}
