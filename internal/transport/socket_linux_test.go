//go:build linux

package transport

import (
	"net/netip"
	"testing"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/pool"
)

var anyLocal = netip.MustParseAddrPort("127.0.0.1:0")

func TestKernelUDPRoundTrip(t *testing.T) {
	bufs := pool.NewSlabPool(0)
	a, err := newSocket(api.AFInet, api.KindDatagram, bufs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := newSocket(api.AFInet, api.KindDatagram, bufs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	for _, s := range []api.Backend{a, b} {
		if err := s.(api.Binder).Bind(anyLocal); err != nil {
			t.Fatal(err)
		}
	}
	n, err := a.Send([][]byte{[]byte("hello "), []byte("world")}, b.LocalAddr())
	if err != nil || n != 11 {
		t.Fatalf("send = %d, %v", n, err)
	}
	var sga *api.SGA
	if err := eventually(t, func() (err error) { sga, err = b.Recv(); return err }); err != nil {
		t.Fatal(err)
	}
	defer sga.Free()
	if string(sga.Bytes()) != "hello world" {
		t.Fatalf("got %q", sga.Bytes())
	}
	if sga.Addr != a.LocalAddr() {
		t.Fatalf("sender %v, want %v", sga.Addr, a.LocalAddr())
	}
}

func TestKernelTCPConnectAccept(t *testing.T) {
	bufs := pool.NewSlabPool(0)
	ln, err := newSocket(api.AFInet, api.KindStream, bufs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if err := ln.(api.Binder).Bind(anyLocal); err != nil {
		t.Fatal(err)
	}
	if err := ln.(api.Listener).Listen(8); err != nil {
		t.Fatal(err)
	}
	c, err := newSocket(api.AFInet, api.KindStream, bufs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.(api.Connector).Connect(ln.LocalAddr()); err != nil {
		if err := eventually(t, c.(api.Connector).ConnectDone); err != nil {
			t.Fatal(err)
		}
	}
	var srv api.Backend
	if err := eventually(t, func() (err error) { srv, _, err = ln.(api.Listener).Accept(); return err }); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	if _, err := c.Send([][]byte{[]byte("ping")}, netip.AddrPort{}); err != nil {
		t.Fatal(err)
	}
	var sga *api.SGA
	if err := eventually(t, func() (err error) { sga, err = srv.Recv(); return err }); err != nil {
		t.Fatal(err)
	}
	if string(sga.Bytes()) != "ping" {
		t.Fatalf("got %q", sga.Bytes())
	}
	sga.Free()

	_ = c.Close()
	if err := eventually(t, func() (err error) { sga, err = srv.Recv(); return err }); err != nil {
		t.Fatal(err)
	}
	if sga.NumSegments() != 0 {
		t.Fatal("expected end-of-stream after peer close")
	}
}
