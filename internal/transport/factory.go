// File: internal/transport/factory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"log/slog"
	"os"
	"sync"

	"github.com/momentics/ioqueue/api"
)

// Options configures a Factory.
type Options struct {
	Pool           api.BytePool
	Log            *slog.Logger
	StreamChunk    int
	LoopInbox      int
	LoopPipeDepth  int
	RingEntries    uint
	WebSocketPath  string
	WebSocketQueue int
}

// Factory builds backends for the supported (domain, type, protocol)
// triples and owns resources shared between them.
type Factory struct {
	opts Options
	loop *Loopback

	ringOnce sync.Once
	ring     *fileRing
	ringErr  error
}

// NewFactory creates a factory. opts.Pool is required.
func NewFactory(opts Options) *Factory {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Factory{
		opts: opts,
		loop: NewLoopback(opts.Pool, opts.LoopInbox, opts.LoopPipeDepth, opts.StreamChunk),
	}
}

// Loopback returns the factory's in-process network.
func (f *Factory) Loopback() *Loopback { return f.loop }

func unsupportedTriple(d api.Domain, t api.SockType, p api.Protocol) error {
	return api.NewError(api.ErrCodeInvalidArgument, "unsupported queue type").
		WithContext("domain", d.String()).
		WithContext("type", int(t)).
		WithContext("protocol", int(p))
}

// New returns an unbound backend for the triple.
func (f *Factory) New(d api.Domain, t api.SockType, p api.Protocol) (api.Backend, error) {
	switch d {
	case api.AFInet, api.AFInet6:
		switch {
		case t == api.SockDgram && (p == api.ProtoDefault || p == api.ProtoUDP):
			return newSocket(d, api.KindDatagram, f.opts.Pool, f.opts.StreamChunk)
		case t == api.SockStream && (p == api.ProtoDefault || p == api.ProtoTCP):
			return newSocket(d, api.KindStream, f.opts.Pool, f.opts.StreamChunk)
		}
	case api.AFLoop:
		if p != api.ProtoDefault {
			break
		}
		switch t {
		case api.SockDgram:
			return f.loop.Datagram(), nil
		case api.SockStream:
			return f.loop.Stream(), nil
		}
	case api.AFWebSocket:
		if t == api.SockSeqPacket && p == api.ProtoDefault {
			return newWebSocket(f.opts.WebSocketPath, f.opts.Pool, f.opts.WebSocketQueue, f.opts.Log), nil
		}
	}
	return nil, unsupportedTriple(d, t, p)
}

// Open returns a file backend. The io_uring instance is created on first
// use and shared by every file queue.
func (f *Factory) Open(path string, flag int, perm os.FileMode) (api.Backend, error) {
	if path == "" {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "empty path")
	}
	f.ringOnce.Do(func() {
		f.ring, f.ringErr = newFileRing(f.opts.RingEntries)
	})
	if f.ringErr != nil {
		return nil, f.ringErr
	}
	return f.ring.open(path, flag, perm, f.opts.Pool, f.opts.StreamChunk)
}

// Close releases shared resources. Backends must be closed first.
func (f *Factory) Close() error {
	if f.ring != nil {
		return f.ring.Close()
	}
	return nil
}
