// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by every layer of the queue core.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure so callers can branch on kind rather
// than on message text.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeInvalidState
	ErrCodeResourceExhausted
	ErrCodeInvalidToken
	ErrCodeOperationCancelled
	ErrCodeTransport
	ErrCodeTimedOut
	ErrCodeNotSupported
	ErrCodeAlreadyInitialized
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeInvalidState:
		return "invalid state"
	case ErrCodeResourceExhausted:
		return "resource exhausted"
	case ErrCodeInvalidToken:
		return "invalid token"
	case ErrCodeOperationCancelled:
		return "operation cancelled"
	case ErrCodeTransport:
		return "transport error"
	case ErrCodeTimedOut:
		return "timed out"
	case ErrCodeNotSupported:
		return "not supported"
	case ErrCodeAlreadyInitialized:
		return "already initialized"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// Sentinels for errors.Is. Matching is by code, so a contextual error
// built with NewError or Wrap matches the sentinel of the same code.
var (
	ErrInvalidArgument    = &Error{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrInvalidState       = &Error{Code: ErrCodeInvalidState, Message: "invalid state"}
	ErrResourceExhausted  = &Error{Code: ErrCodeResourceExhausted, Message: "resource exhausted"}
	ErrInvalidToken       = &Error{Code: ErrCodeInvalidToken, Message: "invalid token"}
	ErrOperationCancelled = &Error{Code: ErrCodeOperationCancelled, Message: "operation cancelled"}
	ErrTransport          = &Error{Code: ErrCodeTransport, Message: "transport error"}
	ErrTimedOut           = &Error{Code: ErrCodeTimedOut, Message: "timed out"}
	ErrNotSupported       = &Error{Code: ErrCodeNotSupported, Message: "operation not supported"}
	ErrAlreadyInitialized = &Error{Code: ErrCodeAlreadyInitialized, Message: "already initialized"}
)

// Error represents a structured error with code, context and an
// optional underlying cause (usually an errno).
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap creates a structured error carrying cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the code of err, ErrCodeOK for nil and
// ErrCodeTransport for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeTransport
}
