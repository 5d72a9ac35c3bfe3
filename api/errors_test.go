package api_test

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/momentics/ioqueue/api"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := api.NewError(api.ErrCodeInvalidState, "queue not bound").WithContext("qd", 3)
	if !errors.Is(err, api.ErrInvalidState) {
		t.Fatal("contextual error should match its sentinel")
	}
	if errors.Is(err, api.ErrInvalidArgument) {
		t.Fatal("error matched a sentinel of another code")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := api.Wrap(api.ErrCodeTransport, "connect", syscall.ECONNREFUSED)
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatal("cause lost")
	}
	wrapped := fmt.Errorf("dial: %w", err)
	if api.CodeOf(wrapped) != api.ErrCodeTransport {
		t.Fatalf("CodeOf = %v", api.CodeOf(wrapped))
	}
}

func TestCodeOf(t *testing.T) {
	if api.CodeOf(nil) != api.ErrCodeOK {
		t.Fatal("nil should be OK")
	}
	if api.CodeOf(errors.New("boom")) != api.ErrCodeTransport {
		t.Fatal("foreign errors classify as transport")
	}
	if api.CodeOf(api.ErrTimedOut) != api.ErrCodeTimedOut {
		t.Fatal("sentinel code lost")
	}
}
