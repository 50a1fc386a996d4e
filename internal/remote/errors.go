package remote

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures at the remote boundary. The engine's retry
// policy keys off the code: transport errors are retried with backoff,
// everything else is permanent.
type ErrorCode string

const (
	// CodeTransport is a network or availability failure. Retriable.
	CodeTransport ErrorCode = "TRANSPORT"
	// CodePermission is an authorization rejection. Never retried.
	CodePermission ErrorCode = "PERMISSION"
	// CodeNotFound is a write against a deleted object. Never retried.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is a classified remote-store failure.
type Error struct {
	Code ErrorCode
	Op   string // "create", "update", "delete", "list", ...
	ID   string // affected object id, if any
	Err  error  // underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: remote %s", e.Code, e.Op)
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a network-level failure.
func NewTransportError(op, id string, err error) *Error {
	return &Error{Code: CodeTransport, Op: op, ID: id, Err: err}
}

// NewPermissionError marks a write rejected by the store's access rules.
func NewPermissionError(op, id string, err error) *Error {
	return &Error{Code: CodePermission, Op: op, ID: id, Err: err}
}

// NewNotFoundError marks a write against an object that no longer exists.
func NewNotFoundError(op, id string) *Error {
	return &Error{Code: CodeNotFound, Op: op, ID: id}
}

// IsTransport reports whether err is a retriable transport failure.
func IsTransport(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == CodeTransport
}

// IsPermission reports whether err is a permission rejection.
func IsPermission(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == CodePermission
}

// IsNotFound reports whether err is a write against a missing object.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == CodeNotFound
}
