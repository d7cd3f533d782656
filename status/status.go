// Package status defines the outcome taxonomy reported by the dispatch engine.
//
// Every failed call is reported to the transport as a triple:
//
//	{Code, Message, Details}
//
// The Error type carries that triple from the point where the failure is
// created, so mapping an arbitrary error to a transport status (Convert) is a
// total function: anything that is not an *Error and does not report its own
// code is mapped to Unknown.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is a small integer describing the outcome of a call.
// The numbering follows the gRPC status codes.
type Code int32

const (
	OK                 Code = 0
	Canceled           Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = [...]string{
	OK:                 "OK",
	Canceled:           "CANCELED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// String returns the canonical name of c, or "CODE(n)" for codes without one.
func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// IsValid reports whether c can be reported to a transport. Application
// specific codes beyond the named range are valid; negative codes are not.
func (c Code) IsValid() bool { return c >= 0 }

// failure reports whether c may be the code of a failed call.
func (c Code) failure() bool { return c > OK }

// Error is a failure with an explicit status code.
//
// Details is opaque to the dispatch engine and is passed to the transport
// verbatim. Cause, when set, is reported by Unwrap but is not sent to callers.
type Error struct {
	Code    Code
	Message string
	Details any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("%v: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Code, e.Message)
}

// Unwrap reports the cause of e, if any.
func (e *Error) Unwrap() error { return e.Cause }

// StatusCode reports the code of e.
func (e *Error) StatusCode() Code { return e.Code }

// WithDetails returns a copy of e carrying the given details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// New constructs an *Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error with the given code whose message is the text of
// err and whose cause is err.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Cause: err}
}

// NewCanceled returns the error reported for a call cancelled before dispatch.
func NewCanceled() *Error { return New(Canceled, "call cancelled before dispatch") }

// A Coder is an error that reports its own status code. Errors need not use
// *Error to control the code reported to the caller.
type Coder interface {
	error
	StatusCode() Code
}

// Convert maps err to an *Error. It returns nil if err == nil.
//
// The first *Error in the chain of err is returned as-is if its code is a
// failure code, and reported as Unknown with the same message and details if
// not. A failure never maps to OK. Otherwise, an error implementing Coder
// with a failure code keeps that code with the text of err as its message. The context sentinels map to Canceled
// and DeadlineExceeded. Everything else is Unknown.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Code.failure() {
			return se
		}
		return &Error{Code: Unknown, Message: se.Message, Details: se.Details, Cause: err}
	}
	var sc Coder
	if errors.As(err, &sc) && sc.StatusCode().failure() {
		return &Error{Code: sc.StatusCode(), Message: err.Error(), Cause: err}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Code: Canceled, Message: err.Error(), Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: DeadlineExceeded, Message: err.Error(), Cause: err}
	}
	return &Error{Code: Unknown, Message: err.Error(), Cause: err}
}

// CodeOf reports the code Convert would assign to err, and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	return Convert(err).Code
}
