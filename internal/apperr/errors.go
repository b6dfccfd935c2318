package apperr

import (
	"errors"
)

// Code identifies the kind of failure independent of its message
type Code string

const (
	CodeNotFound         Code = "NotFound"
	CodeNotOwner         Code = "NotOwner"
	CodeForbidden        Code = "Forbidden"
	CodeExpiredOrInvalid Code = "ExpiredOrInvalid"
	CodeConflict         Code = "Conflict"
	CodeStore            Code = "StoreError"
	CodeInvalidArgument  Code = "InvalidArgument"
	CodeUnauthenticated  Code = "Unauthenticated"
	CodeRateLimited      Code = "RateLimited"
	CodeInternal         Code = "Internal"
)

// Sentinel errors, compare with errors.Is
var (
	ErrNotFound         = New(CodeNotFound, "The requested resource does not exist")
	ErrNotOwner         = New(CodeNotOwner, "Only the file owner may perform this operation")
	ErrForbidden        = New(CodeForbidden, "Access to this file is forbidden")
	ErrExpiredOrInvalid = New(CodeExpiredOrInvalid, "Access denied")
	ErrConflict         = New(CodeConflict, "The resource already exists")
	ErrStore            = New(CodeStore, "Object store operation failed")
	ErrInvalidArgument  = New(CodeInvalidArgument, "Invalid argument")
	ErrUnauthenticated  = New(CodeUnauthenticated, "Authentication required")
	ErrRateLimited      = New(CodeRateLimited, "Too many attempts, try again later")
)

// Error is an application error carrying a Code
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match when target is an *Error with the same Code, so a
// wrapped error with a custom message still satisfies errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new application error
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new application error with underlying cause
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Message returns the message of the first *Error in err's chain without its cause.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal server error"
}

func NotFound(message string) error {
	return New(CodeNotFound, message)
}

func InvalidArgument(message string) error {
	return New(CodeInvalidArgument, message)
}

func Store(message string, cause error) error {
	return Wrap(CodeStore, message, cause)
}
