package transport

import (
	"errors"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"code.hybscloud.com/iox"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/fake"
)

// eventually retries fn while it reports would-block.
func eventually(t *testing.T, fn func() error) error {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := fn()
		if !iox.IsWouldBlock(err) {
			return err
		}
		if time.Now().After(deadline) {
			t.Fatal("operation did not complete in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoopbackDatagram(t *testing.T) {
	bufs := &fake.BytePool{}
	n := NewLoopback(bufs, 4, 0, 0)
	a := n.Datagram()
	b := n.Datagram()
	if err := b.(api.Binder).Bind(netip.MustParseAddrPort("127.0.0.1:7000")); err != nil {
		t.Fatal(err)
	}
	to := netip.MustParseAddrPort("0.0.0.0:7000")
	sent, err := a.Send([][]byte{[]byte("hello "), []byte("world")}, to)
	if err != nil || sent != 11 {
		t.Fatalf("send = %d, %v", sent, err)
	}
	if !a.LocalAddr().IsValid() {
		t.Fatal("sender was not auto-bound")
	}
	sga, err := b.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if string(sga.Bytes()) != "hello world" || sga.NumSegments() != 1 {
		t.Fatalf("got %q in %d segments", sga.Bytes(), sga.NumSegments())
	}
	if sga.Addr != a.LocalAddr() {
		t.Fatalf("sender %v, want %v", sga.Addr, a.LocalAddr())
	}
	sga.Free()
	if _, err := b.Recv(); !iox.IsWouldBlock(err) {
		t.Fatalf("empty inbox: %v", err)
	}
	if bufs.Outstanding() != 0 {
		t.Fatalf("leaked %d buffers", bufs.Outstanding())
	}
}

func TestLoopbackDatagramBackpressure(t *testing.T) {
	n := NewLoopback(&fake.BytePool{}, 2, 0, 0)
	a, b := n.Datagram(), n.Datagram()
	_ = b.(api.Binder).Bind(netip.AddrPort{})
	full := false
	for i := 0; i < 64 && !full; i++ {
		_, err := a.Send([][]byte{{byte(i)}}, b.LocalAddr())
		if err != nil && !iox.IsWouldBlock(err) {
			t.Fatal(err)
		}
		full = err != nil
	}
	if !full {
		t.Fatal("full inbox should push back")
	}
	if _, err := b.Recv(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Send([][]byte{{9}}, b.LocalAddr()); err != nil {
		t.Fatalf("send after drain: %v", err)
	}
	if sent, err := a.Send([][]byte{{1}}, netip.MustParseAddrPort("127.0.0.1:1")); err != nil || sent != 1 {
		t.Fatal("datagrams to unbound addresses are dropped silently")
	}
}

func TestLoopbackCloseReleasesInFlightPackets(t *testing.T) {
	for round := 0; round < 20; round++ {
		bufs := &fake.BytePool{}
		n := NewLoopback(bufs, 64, 0, 0)
		dst := n.Datagram()
		to := netip.MustParseAddrPort("127.0.0.1:7300")
		if err := dst.(api.Binder).Bind(to); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				src := n.Datagram()
				defer src.Close()
				<-start
				for j := 0; j < 200; j++ {
					_, _ = src.Send([][]byte{[]byte("payload")}, to)
				}
			}()
		}
		close(start)
		if err := dst.Close(); err != nil {
			t.Fatal(err)
		}
		wg.Wait()
		if out := bufs.Outstanding(); out != 0 {
			t.Fatalf("round %d: %d packet buffers leaked across close", round, out)
		}
	}
}

func TestLoopbackBindConflict(t *testing.T) {
	n := NewLoopback(&fake.BytePool{}, 0, 0, 0)
	addr := netip.MustParseAddrPort("127.0.0.1:8000")
	if err := n.Datagram().(api.Binder).Bind(addr); err != nil {
		t.Fatal(err)
	}
	err := n.Datagram().(api.Binder).Bind(addr)
	if !errors.Is(err, api.ErrInvalidArgument) || !errors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("expected address in use, got %v", err)
	}
}

func loopPair(t *testing.T, n *Loopback) (client, server api.Backend) {
	t.Helper()
	ln := n.Stream()
	if err := ln.(api.Binder).Bind(netip.MustParseAddrPort("127.0.0.1:9100")); err != nil {
		t.Fatal(err)
	}
	if err := ln.(api.Listener).Listen(4); err != nil {
		t.Fatal(err)
	}
	client = n.Stream()
	if err := client.(api.Connector).Connect(ln.LocalAddr()); !iox.IsWouldBlock(err) {
		t.Fatalf("connect should wait for accept, got %v", err)
	}
	var remote netip.AddrPort
	if err := eventually(t, func() (err error) {
		server, remote, err = ln.(api.Listener).Accept()
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if remote != client.LocalAddr() {
		t.Fatalf("remote %v, want %v", remote, client.LocalAddr())
	}
	if err := client.(api.Connector).ConnectDone(); err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestLoopbackStream(t *testing.T) {
	n := NewLoopback(&fake.BytePool{}, 0, 4, 4)
	client, server := loopPair(t, n)

	sent, err := client.Send([][]byte{[]byte("abcdef")}, netip.AddrPort{})
	if err != nil || sent != 4 {
		t.Fatalf("chunked send = %d, %v", sent, err)
	}
	sga, err := server.Recv()
	if err != nil || string(sga.Bytes()) != "abcd" {
		t.Fatalf("recv %q, %v", sga.Bytes(), err)
	}
	if sga.Addr.IsValid() {
		t.Fatal("stream pops carry no address")
	}

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	eof, err := server.Recv()
	if err != nil || eof.NumSegments() != 0 {
		t.Fatalf("expected EOF, got %v, %v", eof, err)
	}
	if _, err := server.Send([][]byte{[]byte("x")}, netip.AddrPort{}); !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("send to closed peer: %v", err)
	}
}

func TestLoopbackRefused(t *testing.T) {
	n := NewLoopback(&fake.BytePool{}, 0, 0, 0)
	err := n.Stream().(api.Connector).Connect(netip.MustParseAddrPort("127.0.0.1:9999"))
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected refused, got %v", err)
	}
}

func TestLoopbackListenerCloseRefusesBacklog(t *testing.T) {
	n := NewLoopback(&fake.BytePool{}, 0, 0, 0)
	ln := n.Stream()
	_ = ln.(api.Binder).Bind(netip.AddrPort{})
	_ = ln.(api.Listener).Listen(2)
	c := n.Stream()
	if err := c.(api.Connector).Connect(ln.LocalAddr()); !iox.IsWouldBlock(err) {
		t.Fatal(err)
	}
	_ = ln.Close()
	if err := c.(api.Connector).ConnectDone(); !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected refused, got %v", err)
	}
}
