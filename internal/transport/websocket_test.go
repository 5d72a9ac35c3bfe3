package transport

import (
	"fmt"
	"log/slog"
	"net/netip"
	"testing"

	"code.hybscloud.com/iox"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/fake"
)

func TestWebSocketMessages(t *testing.T) {
	bufs := &fake.BytePool{}
	log := slog.New(slog.DiscardHandler)

	ln := newWebSocket("", bufs, 8, log)
	defer ln.Close()
	if err := ln.Bind(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatal(err)
	}
	if err := ln.Listen(4); err != nil {
		t.Fatal(err)
	}
	if !ln.LocalAddr().IsValid() || ln.LocalAddr().Port() == 0 {
		t.Fatalf("bound address %v", ln.LocalAddr())
	}

	client := newWebSocket("", bufs, 8, log)
	if err := client.Connect(ln.LocalAddr()); !iox.IsWouldBlock(err) {
		t.Fatalf("websocket connect completes in the background, got %v", err)
	}
	if err := eventually(t, client.ConnectDone); err != nil {
		t.Fatal(err)
	}
	var srv api.Backend
	if err := eventually(t, func() (err error) { srv, _, err = ln.Accept(); return err }); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	n, err := client.Send([][]byte{[]byte("hello "), []byte("ws")}, netip.AddrPort{})
	if err != nil || n != 8 {
		t.Fatalf("send = %d, %v", n, err)
	}
	var sga *api.SGA
	if err := eventually(t, func() (err error) { sga, err = srv.Recv(); return err }); err != nil {
		t.Fatal(err)
	}
	if string(sga.Bytes()) != "hello ws" {
		t.Fatalf("got %q", sga.Bytes())
	}

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := eventually(t, func() (err error) { sga, err = srv.Recv(); return err }); err != nil {
		t.Fatal(err)
	}
	if sga.NumSegments() != 0 {
		t.Fatal("orderly close should read as end-of-stream")
	}
}

func wsPair(t *testing.T, bufs api.BytePool, depth int) (client *wsBackend, srv api.Backend) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	ln := newWebSocket("", bufs, depth, log)
	t.Cleanup(func() { _ = ln.Close() })
	if err := ln.Bind(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatal(err)
	}
	if err := ln.Listen(1); err != nil {
		t.Fatal(err)
	}
	client = newWebSocket("", bufs, depth, log)
	if err := client.Connect(ln.LocalAddr()); !iox.IsWouldBlock(err) {
		t.Fatalf("connect: %v", err)
	}
	if err := eventually(t, client.ConnectDone); err != nil {
		t.Fatal(err)
	}
	if err := eventually(t, func() (err error) { srv, _, err = ln.Accept(); return err }); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return client, srv
}

func TestWebSocketCloseFlushesQueuedMessages(t *testing.T) {
	const msgs = 50
	for round := 0; round < 5; round++ {
		bufs := &fake.BytePool{}
		client, srv := wsPair(t, bufs, 64)

		for i := 0; i < msgs; i++ {
			payload := []byte(fmt.Sprintf("m%02d", i))
			if n, err := client.Send([][]byte{payload}, netip.AddrPort{}); err != nil || n != len(payload) {
				t.Fatalf("send %d = %d, %v", i, n, err)
			}
		}
		if err := client.Close(); err != nil {
			t.Fatal(err)
		}
		if out := bufs.Outstanding(); out != 0 {
			t.Fatalf("round %d: %d send buffers not released after close", round, out)
		}
		if _, err := client.Send([][]byte{[]byte("late")}, netip.AddrPort{}); api.CodeOf(err) != api.ErrCodeInvalidState {
			t.Fatalf("send after close: %v", err)
		}

		for i := 0; ; i++ {
			var sga *api.SGA
			if err := eventually(t, func() (err error) { sga, err = srv.Recv(); return err }); err != nil {
				t.Fatalf("round %d: recv after %d messages: %v", round, i, err)
			}
			if sga.NumSegments() == 0 {
				if i != msgs {
					t.Fatalf("round %d: peer got %d of %d messages before end-of-stream", round, i, msgs)
				}
				break
			}
			if want := fmt.Sprintf("m%02d", i); string(sga.Bytes()) != want {
				t.Fatalf("round %d: message %d = %q, want %q", round, i, sga.Bytes(), want)
			}
		}
	}
}

func TestWebSocketNotConnected(t *testing.T) {
	w := newWebSocket("", &fake.BytePool{}, 0, slog.New(slog.DiscardHandler))
	if _, err := w.Send([][]byte{[]byte("x")}, netip.AddrPort{}); api.CodeOf(err) != api.ErrCodeInvalidState {
		t.Fatalf("send before connect: %v", err)
	}
	if err := w.Listen(1); api.CodeOf(err) != api.ErrCodeInvalidState {
		t.Fatalf("listen before bind: %v", err)
	}
}
