// Package apperr defines the failure taxonomy shared by the event handlers and
// maps it onto gRPC status codes and HTTP status codes at the edges.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnauthenticated is returned when a call that requires a caller identity has none.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrResourceExhausted is returned when a caller has used up its rate limit window.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTransient marks store failures (unreachable, conflicted, cancelled) that are
	// recoverable by retrying the whole invocation.
	ErrTransient = errors.New("transient store failure")
	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPermissionDenied is returned when the caller may not act on a resource.
	ErrPermissionDenied = errors.New("permission denied")
)

// Transient wraps err as ErrTransient. Nil stays nil and errors already marked
// transient are returned unchanged.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether the invoking infrastructure should retry the invocation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Code maps err onto a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, ErrResourceExhausted):
		return codes.ResourceExhausted
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrPermissionDenied):
		return codes.PermissionDenied
	case IsRetryable(err):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Status converts err into a gRPC status carrying its message.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(Code(err), err.Error())
}

// HTTPStatus maps err onto the HTTP status returned by the callable endpoints.
func HTTPStatus(err error) int {
	switch Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
