package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/fake"
	"github.com/momentics/ioqueue/internal/queue"
	"github.com/momentics/ioqueue/internal/table"
	"github.com/momentics/ioqueue/internal/tracker"
)

var peer = netip.MustParseAddrPort("127.0.0.1:7000")

type harness struct {
	env    *queue.Env
	queues *table.Table[*queue.Queue]
	eng    *Engine
}

func newHarness() *harness {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		env:    &queue.Env{Tracker: tracker.New(0), Log: log},
		queues: table.New[*queue.Queue](0),
	}
	h.eng = New(h.env.Tracker, h.queues, nil, log)
	return h
}

// boundDatagram opens a bound datagram queue over a fake backend.
func (h *harness) boundDatagram(t *testing.T) (*queue.Queue, *fake.Backend) {
	t.Helper()
	b := fake.NewBackend(api.KindDatagram)
	var q *queue.Queue
	_, err := h.queues.Insert(func(qd api.QDesc) (*queue.Queue, error) {
		q = queue.New(qd, b, api.StateUnbound, h.env)
		return q, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Bind(netip.AddrPort{}); err != nil {
		t.Fatal(err)
	}
	return q, b
}

func pendingPop(t *testing.T, q *queue.Queue) api.Token {
	t.Helper()
	op, err := q.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if op.Ready() {
		t.Fatal("pop completed inline with no data")
	}
	return op.Token
}

func TestWaitCompletesPendingPop(t *testing.T) {
	h := newHarness()
	q, b := h.boundDatagram(t)
	qt := pendingPop(t, q)

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Deliver([]byte("hello world!"), peer)
	}()
	r, err := h.eng.Wait(context.Background(), qt)
	if err != nil {
		t.Fatal(err)
	}
	if r.Bytes != 12 || string(r.SGA.Bytes()) != "hello world!" || r.SGA.Addr != peer {
		t.Fatalf("result = %+v", r)
	}
	if _, err := h.eng.Wait(context.Background(), qt); !errors.Is(err, api.ErrInvalidToken) {
		t.Fatalf("second wait: %v", err)
	}
}

func TestWaitRejectsZeroToken(t *testing.T) {
	h := newHarness()
	if _, err := h.eng.Wait(context.Background(), 0); !errors.Is(err, api.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestWaitDeadlineKeepsToken(t *testing.T) {
	h := newHarness()
	q, b := h.boundDatagram(t)
	qt := pendingPop(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.eng.Wait(ctx, qt); !errors.Is(err, api.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}

	b.Deliver([]byte("late"), peer)
	r, err := h.eng.Wait(context.Background(), qt)
	if err != nil || string(r.SGA.Bytes()) != "late" {
		t.Fatalf("wait after timeout = %+v, %v", r, err)
	}
}

func TestWaitCancelled(t *testing.T) {
	h := newHarness()
	q, _ := h.boundDatagram(t)
	qt := pendingPop(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.eng.Wait(ctx, qt); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitAnyPrefersEarliestRegistration(t *testing.T) {
	h := newHarness()
	q1, b1 := h.boundDatagram(t)
	q2, b2 := h.boundDatagram(t)
	first := pendingPop(t, q1)
	second := pendingPop(t, q2)

	b2.Deliver([]byte("two"), peer)
	b1.Deliver([]byte("one"), peer)
	h.eng.Progress()

	idx, r, err := h.eng.WaitAny(context.Background(), []api.Token{second, first})
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 || string(r.SGA.Bytes()) != "one" {
		t.Fatalf("picked %d (%q), want the first registration", idx, r.SGA.Bytes())
	}
	idx, r, err = h.eng.WaitAny(context.Background(), []api.Token{second})
	if err != nil || idx != 0 || string(r.SGA.Bytes()) != "two" {
		t.Fatalf("second WaitAny = %d, %+v, %v", idx, r, err)
	}
}

func TestWaitAnyRejectsBadInput(t *testing.T) {
	h := newHarness()
	q, _ := h.boundDatagram(t)
	qt := pendingPop(t, q)

	tests := []struct {
		name string
		qts  []api.Token
		want error
	}{
		{"empty", nil, api.ErrInvalidArgument},
		{"duplicate", []api.Token{qt, qt}, api.ErrInvalidArgument},
		{"unknown", []api.Token{qt, 12345}, api.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := h.eng.WaitAny(context.Background(), tt.qts); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPollLeavesPendingToken(t *testing.T) {
	h := newHarness()
	q, b := h.boundDatagram(t)
	qt := pendingPop(t, q)

	if _, ok, err := h.eng.Poll(qt); ok || err != nil {
		t.Fatalf("poll of pending token = %v, %v", ok, err)
	}
	b.Deliver([]byte("x"), peer)
	r, ok, err := h.eng.Poll(qt)
	if !ok || err != nil || r.Bytes != 1 {
		t.Fatalf("poll after data = %+v, %v, %v", r, ok, err)
	}
	if _, _, err := h.eng.Poll(qt); !errors.Is(err, api.ErrInvalidToken) {
		t.Fatalf("poll of consumed token: %v", err)
	}
}

func TestCloseCancelsEveryWaiter(t *testing.T) {
	h := newHarness()
	q, _ := h.boundDatagram(t)
	const n = 8
	qts := make([]api.Token, n)
	for i := range qts {
		qts[i] = pendingPop(t, q)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, qt := range qts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.eng.Wait(context.Background(), qt)
		}()
	}
	time.Sleep(5 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, api.ErrOperationCancelled) {
			t.Fatalf("waiter %d: %v", i, err)
		}
	}
	if h.env.Tracker.Len() != 0 {
		t.Fatalf("%d entries left after all waiters returned", h.env.Tracker.Len())
	}
}

func TestDropPendingToken(t *testing.T) {
	h := newHarness()
	q, b := h.boundDatagram(t)
	qt := pendingPop(t, q)

	if err := h.eng.Drop(qt); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Wait(context.Background(), qt); !errors.Is(err, api.ErrInvalidToken) {
		t.Fatalf("wait on dropped token: %v", err)
	}
	b.Deliver([]byte("gone"), peer)
	h.eng.Progress()
	if h.env.Tracker.Len() != 0 {
		t.Fatal("dropped entry not reclaimed after it resolved")
	}
}

func TestRunDrivesProgress(t *testing.T) {
	h := newHarness()
	q, b := h.boundDatagram(t)
	qt := pendingPop(t, q)
	ent, err := h.env.Tracker.Lookup(qt)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	b.Deliver([]byte("bg"), peer)
	select {
	case <-ent.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("background driver did not complete the pop")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}
