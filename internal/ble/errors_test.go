package ble

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	cause := errors.New("hci: connection failed to be established")
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindConnectFailed, Code: 62, Reason: "attempt 4", Err: cause})

	if !errors.Is(err, ErrConnectFailed) {
		t.Error("errors.Is(err, ErrConnectFailed) = false, want true")
	}
	if errors.Is(err, ErrConnectTimeout) {
		t.Error("errors.Is(err, ErrConnectTimeout) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindWriteFailed, Code: 3, Reason: "ffe2", Err: errors.New("not permitted")}
	want := "ble: write failed (code 3): ffe2: not permitted"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if ErrNotReady.Error() != "ble: not ready" {
		t.Errorf("ErrNotReady.Error() = %q", ErrNotReady.Error())
	}
}

func TestClassifyConnectErr(t *testing.T) {
	timeout := classifyConnectErr(fmt.Errorf("attempt 2: %w", context.DeadlineExceeded))
	if timeout.Kind != KindConnectTimeout {
		t.Errorf("Kind = %v, want %v", timeout.Kind, KindConnectTimeout)
	}

	failed := classifyConnectErr(codedErr{code: 133})
	if failed.Kind != KindConnectFailed {
		t.Errorf("Kind = %v, want %v", failed.Kind, KindConnectFailed)
	}
	if failed.Code != 133 {
		t.Errorf("Code = %d, want 133", failed.Code)
	}
}

func TestNewErrorKeepsExistingKind(t *testing.T) {
	orig := &Error{Kind: KindDisconnected}
	if got := newError(KindConnectFailed, fmt.Errorf("x: %w", orig)); got != orig {
		t.Errorf("newError() = %v, want the wrapped *Error", got)
	}
}

func TestErrorKindString(t *testing.T) {
	if KindNoWritableChannel.String() != "no writable channel found" {
		t.Errorf("String() = %q", KindNoWritableChannel.String())
	}
	if ErrorKind(99).String() != "kind(99)" {
		t.Errorf("String() = %q", ErrorKind(99).String())
	}
}
