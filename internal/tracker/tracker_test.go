package tracker

import (
	"errors"
	"testing"

	"github.com/momentics/ioqueue/api"
)

func TestTokensAreUniqueAndNonZero(t *testing.T) {
	tr := New(8)
	seen := map[api.Token]bool{}
	for i := 0; i < 8; i++ {
		e, err := tr.Register(1, api.OpPop)
		if err != nil {
			t.Fatal(err)
		}
		if e.Token() == api.NoToken || seen[e.Token()] {
			t.Fatalf("bad token %v", e.Token())
		}
		seen[e.Token()] = true
	}
	if _, err := tr.Register(1, api.OpPop); !errors.Is(err, api.ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	tr := New(0)
	e, _ := tr.Register(2, api.OpPush)
	if _, err := tr.Consume(e.Token()); !errors.Is(err, api.ErrInvalidState) {
		t.Fatalf("consume of pending entry: %v", err)
	}
	e.Resolve(api.Result{QD: 2, Kind: api.OpPush, Bytes: 5}, nil)
	got, err := tr.Consume(e.Token())
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := got.Outcome(); r.Bytes != 5 {
		t.Fatalf("bytes = %d", r.Bytes)
	}
	if _, err := tr.Consume(e.Token()); !errors.Is(err, api.ErrInvalidToken) {
		t.Fatalf("second consume: %v", err)
	}
	if tr.Len() != 0 {
		t.Fatalf("live = %d", tr.Len())
	}
}

func TestStaleTokenAfterSlotReuse(t *testing.T) {
	tr := New(1)
	a, _ := tr.Register(0, api.OpPop)
	a.Resolve(api.Result{}, nil)
	if _, err := tr.Consume(a.Token()); err != nil {
		t.Fatal(err)
	}
	b, err := tr.Register(0, api.OpPop)
	if err != nil {
		t.Fatal(err)
	}
	if a.Token() == b.Token() {
		t.Fatal("reused slot produced the same token")
	}
	if _, err := tr.Lookup(a.Token()); !errors.Is(err, api.ErrInvalidToken) {
		t.Fatalf("stale lookup: %v", err)
	}
}

func TestResolveFirstWins(t *testing.T) {
	tr := New(0)
	e, _ := tr.Register(0, api.OpPop)
	if !e.Resolve(api.Result{Bytes: 1}, nil) {
		t.Fatal("first resolve lost")
	}
	if e.Resolve(api.Result{Bytes: 2}, api.ErrOperationCancelled) {
		t.Fatal("second resolve won")
	}
	select {
	case <-e.Done():
	default:
		t.Fatal("done not closed")
	}
	if r, err := e.Outcome(); r.Bytes != 1 || err != nil {
		t.Fatalf("outcome = %+v, %v", r, err)
	}
}

type releaseCounter struct{ n int }

func (p *releaseCounter) Acquire(n int) []byte { return make([]byte, n) }
func (p *releaseCounter) Release([]byte)       { p.n++ }

func TestDropPendingReclaimsOnResolve(t *testing.T) {
	tr := New(0)
	e, _ := tr.Register(0, api.OpPop)
	if err := tr.Drop(e.Token()); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Lookup(e.Token()); !errors.Is(err, api.ErrInvalidToken) {
		t.Fatal("dropped token still visible")
	}
	if tr.Len() != 1 {
		t.Fatal("pending dropped entry must stay until resolved")
	}
	p := &releaseCounter{}
	e.Resolve(api.Result{Kind: api.OpPop, SGA: api.NewPooledSGA(p, e.Remote, p.Acquire(3))}, nil)
	if tr.Len() != 0 || p.n != 1 {
		t.Fatalf("live=%d released=%d", tr.Len(), p.n)
	}
}

func TestRegistrationSequenceIncreases(t *testing.T) {
	tr := New(0)
	a, _ := tr.Register(0, api.OpPop)
	b, _ := tr.Register(0, api.OpPop)
	if b.Seq <= a.Seq {
		t.Fatalf("seq %d after %d", b.Seq, a.Seq)
	}
}

func TestDiscardFreesSlot(t *testing.T) {
	tr := New(1)
	e, _ := tr.Register(0, api.OpPush)
	tr.Discard(e)
	if tr.Len() != 0 {
		t.Fatal("discard did not free the slot")
	}
	if _, err := tr.Register(0, api.OpPush); err != nil {
		t.Fatal(err)
	}
	tr.Discard(e)
	if tr.Len() != 1 {
		t.Fatal("stale discard freed a newer entry")
	}
}
