// File: internal/transport/websocket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message backend over WebSocket. Each binary message is one SGA, so
// message boundaries survive the transport. gorilla/websocket connections
// block, so every connection runs a read pump and a write pump and the
// backend only exchanges buffers with them through bounded channels.

package transport

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/gorilla/websocket"

	"github.com/momentics/ioqueue/api"
)

const (
	defaultWSPath      = "/ws"
	defaultWSQueueSize = 256
	wsCloseGrace       = time.Second
)

type dialResult struct {
	conn *websocket.Conn
	err  error
}

type wsBackend struct {
	path  string
	bufs  api.BytePool
	depth int
	log   *slog.Logger

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	drainBy time.Time

	local netip.AddrPort

	// listener side
	ln       net.Listener
	srv      *http.Server
	accepted chan *websocket.Conn

	// connection side
	dialing chan dialResult
	conn    *websocket.Conn
	in      chan []byte
	out     chan []byte
	flushed chan struct{}
	readErr error
	wrErr   error
}

func newWebSocket(path string, bufs api.BytePool, depth int, log *slog.Logger) *wsBackend {
	if path == "" {
		path = defaultWSPath
	}
	if depth < 1 {
		depth = defaultWSQueueSize
	}
	return &wsBackend{path: path, bufs: bufs, depth: depth, log: log, done: make(chan struct{})}
}

func tcpAddrPort(a net.Addr) netip.AddrPort {
	if t, ok := a.(*net.TCPAddr); ok {
		ap := t.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

func (w *wsBackend) Kind() api.Kind { return api.KindMessage }

func (w *wsBackend) LocalAddr() netip.AddrPort {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.local
}

// Bind opens the TCP listener immediately so the bound port is known.
func (w *wsBackend) Bind(addr netip.AddrPort) error {
	host := "127.0.0.1"
	if addr.Addr().IsValid() {
		host = addr.Addr().String()
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(addr.Port()))))
	if err != nil {
		return errnoError("bind", err)
	}
	w.mu.Lock()
	w.ln = ln
	w.local = tcpAddrPort(ln.Addr())
	w.mu.Unlock()
	return nil
}

// Listen serves WebSocket upgrades on the bound listener. Upgraded
// connections wait in a channel of size backlog for Accept.
func (w *wsBackend) Listen(backlog int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln == nil {
		return api.NewError(api.ErrCodeInvalidState, "websocket listen needs a bound address")
	}
	w.accepted = make(chan *websocket.Conn, backlog)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, func(rw http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		select {
		case w.accepted <- c:
		case <-w.done:
			_ = c.Close()
		}
	})
	w.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Warn("websocket listener stopped", "error", err)
		}
	}(w.srv, w.ln)
	return nil
}

func (w *wsBackend) Accept() (api.Backend, netip.AddrPort, error) {
	select {
	case c := <-w.accepted:
		peer := newWebSocket(w.path, w.bufs, w.depth, w.log)
		peer.start(c)
		return peer, tcpAddrPort(c.RemoteAddr()), nil
	default:
		return nil, netip.AddrPort{}, iox.ErrWouldBlock
	}
}

// Connect dials in the background; ConnectDone reports the outcome.
func (w *wsBackend) Connect(addr netip.AddrPort) error {
	w.mu.Lock()
	if w.dialing != nil || w.conn != nil {
		w.mu.Unlock()
		return api.NewError(api.ErrCodeInvalidState, "websocket already connected")
	}
	w.dialing = make(chan dialResult, 1)
	w.mu.Unlock()
	u := url.URL{Scheme: "ws", Host: addr.String(), Path: w.path}
	go func() {
		c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			if c != nil {
				_ = c.Close()
			}
			return
		}
		w.dialing <- dialResult{conn: c, err: err}
	}()
	return iox.ErrWouldBlock
}

func (w *wsBackend) ConnectDone() error {
	select {
	case r := <-w.dialing:
		if r.err != nil {
			var op *net.OpError
			if errors.As(r.err, &op) {
				return errnoError("connect", op.Err)
			}
			return api.Wrap(api.ErrCodeTransport, "websocket handshake failed", r.err)
		}
		w.start(r.conn)
		return nil
	default:
		return iox.ErrWouldBlock
	}
}

// start launches the pumps for an established connection.
func (w *wsBackend) start(c *websocket.Conn) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = c.Close()
		return
	}
	w.conn = c
	w.local = tcpAddrPort(c.LocalAddr())
	w.in = make(chan []byte, w.depth)
	w.out = make(chan []byte, w.depth)
	w.flushed = make(chan struct{})
	out, flushed := w.out, w.flushed
	w.mu.Unlock()
	go w.readPump(c)
	go w.writePump(c, out, flushed)
}

func (w *wsBackend) readPump(c *websocket.Conn) {
	defer close(w.in)
	for {
		typ, data, err := c.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.readErr = err
			w.mu.Unlock()
			return
		}
		if typ != websocket.BinaryMessage && typ != websocket.TextMessage {
			continue
		}
		select {
		case w.in <- data:
		case <-w.done:
			return
		}
	}
}

// writePump writes out until Close closes it, so every message a push
// reported as sent goes out ahead of the close frame. After a write
// failure the rest of out is only released.
func (w *wsBackend) writePump(c *websocket.Conn, out <-chan []byte, flushed chan<- struct{}) {
	defer close(flushed)
	var failed error
	for msg := range out {
		if failed == nil {
			w.mu.Lock()
			by := w.drainBy
			w.mu.Unlock()
			if !by.IsZero() {
				_ = c.SetWriteDeadline(by)
			}
			failed = c.WriteMessage(websocket.BinaryMessage, msg)
			if failed != nil {
				w.mu.Lock()
				w.wrErr = failed
				w.mu.Unlock()
			}
		}
		w.bufs.Release(msg)
	}
}

// Send copies segs into one message and queues it for the write pump.
// A push completes once the pump owns the message; Close flushes
// everything queued before the connection goes down.
func (w *wsBackend) Send(segs [][]byte, _ netip.AddrPort) (int, error) {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	msg := w.bufs.Acquire(total)
	off := 0
	for _, s := range segs {
		off += copy(msg[off:], s)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	switch {
	case w.closed:
		err = api.NewError(api.ErrCodeInvalidState, "websocket closed")
	case w.out == nil:
		err = api.NewError(api.ErrCodeInvalidState, "websocket not connected")
	case w.wrErr != nil:
		err = api.Wrap(api.ErrCodeTransport, "send failed", w.wrErr)
	case w.readErr != nil && isPeerClose(w.readErr):
		err = errReset("send")
	}
	if err == nil {
		select {
		case w.out <- msg:
			return total, nil
		default:
			err = iox.ErrWouldBlock
		}
	}
	w.bufs.Release(msg)
	return 0, err
}

func isPeerClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Recv returns the next message. An orderly close by the peer is
// end-of-stream; any other read failure is a transport error.
func (w *wsBackend) Recv() (*api.SGA, error) {
	w.mu.Lock()
	in := w.in
	w.mu.Unlock()
	if in == nil {
		return nil, api.NewError(api.ErrCodeInvalidState, "websocket not connected")
	}
	select {
	case data, ok := <-in:
		if ok {
			return api.NewSGA(data), nil
		}
		w.mu.Lock()
		err := w.readErr
		w.mu.Unlock()
		if err == nil || isPeerClose(err) {
			return &api.SGA{}, nil
		}
		return nil, api.Wrap(api.ErrCodeTransport, "recv failed", err)
	default:
		return nil, iox.ErrWouldBlock
	}
}

// Close flushes queued messages, sends a close frame best-effort and
// tears everything down. The flush is bounded by wsCloseGrace.
func (w *wsBackend) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.drainBy = time.Now().Add(wsCloseGrace)
	close(w.done)
	if w.out != nil {
		close(w.out)
	}
	conn, srv, ln, dialing, flushed, local := w.conn, w.srv, w.ln, w.dialing, w.flushed, w.local
	w.mu.Unlock()

	if flushed != nil {
		t := time.NewTimer(2 * wsCloseGrace)
		select {
		case <-flushed:
		case <-t.C:
			w.log.Warn("websocket flush did not finish before close", "local", local)
		}
		t.Stop()
	}

	if dialing != nil {
		select {
		case r := <-dialing:
			if r.conn != nil {
				_ = r.conn.Close()
			}
		default:
		}
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		_ = conn.Close()
	}
	if srv != nil {
		return srv.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

var (
	_ api.Binder    = (*wsBackend)(nil)
	_ api.Connector = (*wsBackend)(nil)
	_ api.Listener  = (*wsBackend)(nil)
)
