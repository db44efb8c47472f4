// Package errors provides the error taxonomy shared by the connection pool,
// the dialers and the request pipeline.
//
// This package provides:
//   - Sentinel errors for common conditions (use errors.Is)
//   - Typed dial and resolution failures (use errors.As)
//   - A structured Error carrying an HTTP status and a client-safe message
//   - HTTPStatus, which maps any error onto the response status a peer sees
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates authentication is required.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the operation is not permitted.
	ErrForbidden = errors.New("forbidden")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")
)

// Pool errors
var (
	// ErrPoolOverloaded is returned when no connection slot could be taken
	// before the acquire deadline.
	ErrPoolOverloaded = fmt.Errorf("pool: queue wait limit exceeded: %w", ErrTimeout)

	// ErrConnectingOverloaded is returned when the pool had a free slot but
	// too many connections were already being established.
	ErrConnectingOverloaded = fmt.Errorf("pool: connection queue wait limit exceeded: %w", ErrPoolOverloaded)

	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrConnectionBroken marks a connection that must not be reused.
	ErrConnectionBroken = fmt.Errorf("pool: connection is broken: %w", ErrConnection)

	// ErrCircuitOpen is returned by a connector whose dial breaker is open.
	ErrCircuitOpen = fmt.Errorf("circuit breaker open: %w", ErrUnavailable)
)

// Server errors
var (
	// ErrMalformedRequest indicates the peer sent bytes that do not form a request.
	ErrMalformedRequest = fmt.Errorf("server: malformed request: %w", ErrInvalidInput)

	// ErrRequestTooLarge indicates a request body above the configured limit.
	ErrRequestTooLarge = fmt.Errorf("server: request body too large: %w", ErrInvalidInput)

	// ErrTooManyConnections indicates the accept loop is at its connection limit.
	ErrTooManyConnections = errors.New("server: too many connections")

	// ErrRegistryFrozen indicates a handler was added after the server started.
	ErrRegistryFrozen = fmt.Errorf("server: handler registry frozen: %w", ErrInvalidState)
)

// ConnectError reports a failed dial or handshake to a pooled endpoint.
type ConnectError struct {
	// Addr is the address the dial was attempted against.
	Addr string
	// Err is the underlying cause.
	Err error
}

func (e *ConnectError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connect: %v", e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is makes every ConnectError match ErrConnection.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnection
}

// ResolutionError reports a hostname that could not be resolved.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Is makes every ResolutionError match ErrConnection.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrConnection
}

// Error is a structured error with an HTTP status and safe message.
// Handlers return it to control the status and body a peer receives.
type Error struct {
	// Code is the HTTP status code
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given status and message.
// The message should be safe to return to clients.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a status and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an internal error with a generic message.
// Use this when the original error contains sensitive information.
func WrapInternal(err error) *Error {
	if err != nil {
		log.WithError(err).Debug("wrapping internal error")
	}
	return &Error{
		Code:    http.StatusInternalServerError,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It assigns the HTTP status that HTTPStatus reports for it.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    HTTPStatus(err),
		Message: err.Error(),
		Err:     err,
	}
}

// HTTPStatus maps an error onto the HTTP status a peer should receive.
// A structured Error anywhere in the chain wins; otherwise sentinels are
// matched, and anything unknown is 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var se *Error
	if errors.As(err, &se) && se.Code != 0 {
		return se.Code
	}

	switch {
	case errors.Is(err, ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool {
	code := HTTPStatus(err)
	return code >= 400 && code < 500
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error indicates a service is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsOverloaded returns true if the pool could not admit the caller in time.
func IsOverloaded(err error) bool {
	return errors.Is(err, ErrPoolOverloaded)
}

// IsConnectError returns true if the error is a dial or resolution failure.
func IsConnectError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
