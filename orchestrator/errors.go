package orchestrator

import (
	"errors"
	"fmt"

	goapkg "goa.design/goa/v3/pkg"
)

// Error codes are the stable, low-cardinality names surfaced across the
// orchestrator/transport boundary. A transport adapter maps these onto
// whatever status codes its protocol uses (HTTP, gRPC, ...); the core
// never depends on any RPC framework to produce them.
const (
	CodeInvalidArgument   = "invalid_argument"
	CodePermissionDenied  = "permission_denied"
	CodeResourceExhausted = "resource_exhausted"
	CodeDeadlineExceeded  = "deadline_exceeded"
	CodeAlreadyExists     = "already_exists"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// Error is the orchestrator's error type. It wraps a
// goa.design/goa/v3/pkg.ServiceError-shaped value so the seven codes above
// survive unmodified across any transport adapter built on top of this
// package, without this package importing one itself.
type Error struct {
	svc *goapkg.ServiceError
}

// Code returns the low-cardinality error code (one of the Code* constants).
func (e *Error) Code() string { return e.svc.Name }

// Error implements the error interface.
func (e *Error) Error() string { return e.svc.Message }

// Unwrap exposes the underlying goa.design/goa/v3/pkg.ServiceError so
// callers already matching on that type keep working against orchestrator
// errors.
func (e *Error) Unwrap() error { return e.svc }

// ServiceError returns the underlying goa.design/goa/v3/pkg.ServiceError.
func (e *Error) ServiceError() *goapkg.ServiceError { return e.svc }

// CodeOf extracts the orchestrator error code from err, returning
// CodeInternal if err does not wrap an *Error.
func CodeOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code()
	}
	return CodeInternal
}

// newError builds an *Error for code with message, setting the
// Timeout/Temporary/Fault flags a goa-based transport encoder inspects to
// choose a status code.
func newError(code, message string) *Error {
	return &Error{svc: &goapkg.ServiceError{
		Name:      code,
		Message:   message,
		Timeout:   code == CodeDeadlineExceeded,
		Temporary: code == CodeUnavailable || code == CodeResourceExhausted,
		Fault:     code == CodeInternal,
	}}
}

func errInvalidArgument(format string, args ...any) error {
	return newError(CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func errPermissionDenied(format string, args ...any) error {
	return newError(CodePermissionDenied, fmt.Sprintf(format, args...))
}

func errResourceExhausted(format string, args ...any) error {
	return newError(CodeResourceExhausted, fmt.Sprintf(format, args...))
}

func errDeadlineExceeded(format string, args ...any) error {
	return newError(CodeDeadlineExceeded, fmt.Sprintf(format, args...))
}

func errUnavailable(format string, args ...any) error {
	return newError(CodeUnavailable, fmt.Sprintf(format, args...))
}

func errInternal(format string, args ...any) error {
	return newError(CodeInternal, fmt.Sprintf(format, args...))
}
