package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeInternal        Code = "internal"
	CodeExpired         Code = "expired"
	CodeInvalidArgument Code = "invalid_argument"
	CodeUnauthenticated Code = "unauthenticated"
	CodeRateLimited     Code = "rate_limited"
)

// AppError is the error type returned across the service boundary.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Forbidden(msg string) error { return New(CodeForbidden, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Conflict(msg string) error { return New(CodeConflict, msg) }

func Expired(msg string) error { return New(CodeExpired, msg) }

func InvalidArg(msg string) error { return New(CodeInvalidArgument, msg) }

func Internal(msg string, cause error) error { return Wrap(CodeInternal, msg, cause) }

// CodeOf reports the code carried by err. Errors that are not AppErrors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
