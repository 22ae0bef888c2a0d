package ble

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure of the connection lifecycle.
type ErrorKind int

const (
	KindScanFailed ErrorKind = iota + 1
	KindConnectFailed
	KindConnectTimeout
	KindNoWritableChannel
	KindNotReady
	KindWriteFailed
	KindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindScanFailed:
		return "scan failed"
	case KindConnectFailed:
		return "connect failed"
	case KindConnectTimeout:
		return "connect timed out"
	case KindNoWritableChannel:
		return "no writable channel found"
	case KindNotReady:
		return "not ready"
	case KindWriteFailed:
		return "write failed"
	case KindDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a lifecycle failure. Code carries a transport status code when
// the transport reports one; Err is the underlying cause.
type Error struct {
	Kind   ErrorKind
	Code   int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "ble: " + e.Kind.String()
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotReady)
// works regardless of code, reason or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrScanFailed        = &Error{Kind: KindScanFailed}
	ErrConnectFailed     = &Error{Kind: KindConnectFailed}
	ErrConnectTimeout    = &Error{Kind: KindConnectTimeout}
	ErrNoWritableChannel = &Error{Kind: KindNoWritableChannel}
	ErrNotReady          = &Error{Kind: KindNotReady}
	ErrWriteFailed       = &Error{Kind: KindWriteFailed}
	ErrDisconnected      = &Error{Kind: KindDisconnected}
)

// CodedError lets a transport attach a numeric status code to an error.
type CodedError interface {
	error
	Code() int
}

func codeOf(err error) int {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return 0
}

// newError wraps a transport error as kind. An error that already is an
// *Error keeps its own kind.
func newError(kind ErrorKind, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Code: codeOf(err), Err: err}
}

// classifyConnectErr maps a connect failure to ConnectTimeout when the
// transport gave up on a deadline, ConnectFailed otherwise.
func classifyConnectErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindConnectTimeout, Err: err}
	}
	return newError(KindConnectFailed, err)
}
