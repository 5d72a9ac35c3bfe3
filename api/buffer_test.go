package api_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/momentics/ioqueue/api"
)

type countingPool struct{ released int }

func (p *countingPool) Acquire(n int) []byte { return make([]byte, n) }
func (p *countingPool) Release([]byte)       { p.released++ }

func TestSGAValidate(t *testing.T) {
	cases := []struct {
		name string
		sga  *api.SGA
		ok   bool
	}{
		{"nil", nil, false},
		{"no segments", api.NewSGA(), false},
		{"empty segment", api.NewSGA([]byte("a"), nil), false},
		{"too many", api.NewSGA(make([][]byte, api.MaxSegments+1)...), false},
		{"single", api.NewSGA([]byte("hello world")), true},
	}
	for _, tc := range cases {
		err := tc.sga.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, api.ErrInvalidArgument) {
			t.Errorf("%s: expected invalid argument, got %v", tc.name, err)
		}
	}
}

func TestSGALenAndBytes(t *testing.T) {
	s := api.NewSGA([]byte("hello "), []byte("world"))
	if s.Len() != 11 || s.NumSegments() != 2 {
		t.Fatalf("len=%d segs=%d", s.Len(), s.NumSegments())
	}
	if string(s.Bytes()) != "hello world" {
		t.Fatalf("bytes = %q", s.Bytes())
	}
	var nilSGA *api.SGA
	if nilSGA.Len() != 0 || nilSGA.NumSegments() != 0 {
		t.Fatal("nil SGA should be empty")
	}
}

func TestPooledSGAFree(t *testing.T) {
	p := &countingPool{}
	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	s := api.NewPooledSGA(p, addr, p.Acquire(4), p.Acquire(8))
	if !s.Pooled() {
		t.Fatal("expected pooled SGA")
	}
	s.Free()
	if p.released != 2 || s.NumSegments() != 0 {
		t.Fatalf("released=%d segs=%d", p.released, s.NumSegments())
	}
	s.Free()
	if p.released != 2 {
		t.Fatal("double free released again")
	}

	caller := api.NewSGA([]byte("x"))
	caller.Free()
	if caller.NumSegments() != 1 {
		t.Fatal("Free must not touch caller-owned segments")
	}
}

func TestResultEOF(t *testing.T) {
	r := api.Result{Kind: api.OpPop, SGA: &api.SGA{}}
	if !r.EOF() {
		t.Fatal("zero-segment pop is EOF")
	}
	r.SGA = api.NewSGA([]byte("x"))
	if r.EOF() {
		t.Fatal("data pop is not EOF")
	}
	if (api.Result{Kind: api.OpPush}).EOF() {
		t.Fatal("push is never EOF")
	}
}
