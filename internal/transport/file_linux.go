// internal/transport/file_linux.go
//go:build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// File backend on io_uring. Each direction keeps at most one request in
// flight; Send and Recv submit it and then poll its completion without
// waiting, so file queues progress like socket queues.

package transport

import (
	"errors"
	"io/fs"
	"net/netip"
	"os"
	"sync"
	"syscall"

	"code.hybscloud.com/iox"
	"github.com/iceber/iouring-go"

	"github.com/momentics/ioqueue/api"
)

const defaultRingEntries = 256

// fileRing is the io_uring instance shared by every file queue.
type fileRing struct {
	ring *iouring.IOURing
	mu   sync.Mutex
}

func newFileRing(entries uint) (*fileRing, error) {
	if entries == 0 {
		entries = defaultRingEntries
	}
	ring, err := iouring.New(entries)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeNotSupported, "io_uring unavailable", err)
	}
	return &fileRing{ring: ring}, nil
}

func (r *fileRing) submit(prep iouring.PrepRequest) (iouring.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.SubmitRequest(prep, nil)
}

func (r *fileRing) Close() error {
	return r.ring.Close()
}

func (r *fileRing) open(path string, flag int, perm os.FileMode, bufs api.BytePool, chunk int) (api.Backend, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, api.Wrap(api.ErrCodeInvalidArgument, "open failed", err).WithContext("path", path)
		}
		return nil, errnoError("open", err)
	}
	var off uint64
	if flag&os.O_APPEND != 0 {
		if fi, err := f.Stat(); err == nil {
			off = uint64(fi.Size())
		}
	}
	if chunk <= 0 {
		chunk = defaultStreamChunk
	}
	return &fileBackend{ring: r, f: f, fd: int(f.Fd()), bufs: bufs, chunk: chunk, wOff: off}, nil
}

type fileBackend struct {
	ring  *fileRing
	f     *os.File
	fd    int
	bufs  api.BytePool
	chunk int

	wOff, rOff uint64
	write      iouring.Request
	read       iouring.Request
	readBuf    []byte
}

func (b *fileBackend) Kind() api.Kind { return api.KindFile }

func (b *fileBackend) LocalAddr() netip.AddrPort { return netip.AddrPort{} }

func reqResult(req iouring.Request) (int, error) {
	n, err := req.GetRes()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, syscall.Errno(-n)
	}
	return n, nil
}

func reqDone(req iouring.Request) bool {
	select {
	case <-req.Done():
		return true
	default:
		return false
	}
}

// Send writes the first segment at the write offset. Callers resubmit
// the remaining tail, as with a partial stream send.
func (b *fileBackend) Send(segs [][]byte, _ netip.AddrPort) (int, error) {
	if b.write == nil {
		req, err := b.ring.submit(iouring.Pwrite(b.fd, segs[0], b.wOff))
		if err != nil {
			return 0, api.Wrap(api.ErrCodeTransport, "submit write failed", err)
		}
		b.write = req
	}
	if !reqDone(b.write) {
		return 0, iox.ErrWouldBlock
	}
	n, err := reqResult(b.write)
	b.write = nil
	if err != nil {
		return 0, errnoError("write", err)
	}
	b.wOff += uint64(n)
	return n, nil
}

// Recv reads up to one chunk at the read offset. A zero-byte read is
// end-of-file; it is not sticky, so data appended later is still seen.
func (b *fileBackend) Recv() (*api.SGA, error) {
	if b.read == nil {
		buf := b.bufs.Acquire(b.chunk)
		req, err := b.ring.submit(iouring.Pread(b.fd, buf, b.rOff))
		if err != nil {
			b.bufs.Release(buf)
			return nil, api.Wrap(api.ErrCodeTransport, "submit read failed", err)
		}
		b.read, b.readBuf = req, buf
	}
	if !reqDone(b.read) {
		return nil, iox.ErrWouldBlock
	}
	n, err := reqResult(b.read)
	buf := b.readBuf
	b.read, b.readBuf = nil, nil
	if err != nil {
		b.bufs.Release(buf)
		return nil, errnoError("read", err)
	}
	if n == 0 {
		b.bufs.Release(buf)
		return &api.SGA{}, nil
	}
	b.rOff += uint64(n)
	return api.NewPooledSGA(b.bufs, netip.AddrPort{}, buf[:n]), nil
}

// Close waits for in-flight requests, which still reference their
// buffers, before closing the file.
func (b *fileBackend) Close() error {
	if b.write != nil {
		<-b.write.Done()
		b.write = nil
	}
	if b.read != nil {
		<-b.read.Done()
		b.bufs.Release(b.readBuf)
		b.read, b.readBuf = nil, nil
	}
	return errnoError("close", b.f.Close())
}
