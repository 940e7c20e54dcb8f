// Package apperr provides standardized domain error types for the application.
// Pipeline components return these typed errors; the bus layer uses the Kind
// to decide between retry and dead-letter routing, and the HTTP layer maps
// them to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error.
type Kind int

const (
	// KindUnknown is the default error kind when none is specified.
	KindUnknown Kind = iota
	// KindNotFound indicates a resource was not found.
	KindNotFound
	// KindValidation indicates invalid input data.
	KindValidation
	// KindConflict indicates a conflict with existing state (e.g., duplicate).
	KindConflict
	// KindInternal indicates an unexpected internal error.
	KindInternal
	// KindNotReady indicates a required source's completeness is below its
	// threshold. Recoverable: the message fails and the bus redelivers it.
	KindNotReady
	// KindStoreUnavailable indicates the dependency store could not be
	// read or written. Transient: the message fails and the bus retries.
	KindStoreUnavailable
	// KindMalformed indicates an event that fails schema validation.
	// Permanent: routed straight to the dead-letter channel, never retried.
	KindMalformed
	// KindDeliveryExhausted indicates the bus retry ceiling was reached.
	KindDeliveryExhausted
)

// Error is a domain error with a typed Kind.
type Error struct {
	Kind    Kind
	Message string
	Op      string      // Operation that failed (optional)
	Err     error       // Underlying error (optional)
	Details interface{} // Additional details for response (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the appropriate HTTP status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindMalformed:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotReady:
		return http.StatusConflict
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindInternal, KindDeliveryExhausted:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Retryable reports whether a message failing with this error kind should
// be redelivered by the bus. Malformed events are the only permanent kind.
func (e *Error) Retryable() bool {
	return e.Kind != KindMalformed
}

// New creates a new domain error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp returns a copy of the error with the operation set.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Convenience constructors for common error types.

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Conflict creates a conflict error (e.g., duplicate resource).
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Internal creates an internal server error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// NotReady creates a not-ready error for an incomplete required source.
func NotReady(message string) *Error {
	return New(KindNotReady, message)
}

// StoreUnavailable creates a store-unavailable error.
func StoreUnavailable(message string, err error) *Error {
	return Wrap(KindStoreUnavailable, message, err)
}

// Malformed creates a malformed-event error.
func Malformed(message string, err error) *Error {
	return Wrap(KindMalformed, message, err)
}

// DeliveryExhausted creates a delivery-exhausted error.
func DeliveryExhausted(message string, err error) *Error {
	return Wrap(KindDeliveryExhausted, message, err)
}

// GetKind extracts the error kind from an error, unwrapping as needed.
// Returns KindUnknown if no *Error is found in the chain.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err is an *Error with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// KindName returns a stable string name for an error kind, used by the
// execution log's error_kind column.
func KindName(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	case KindNotReady:
		return "not_ready"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindMalformed:
		return "malformed_event"
	case KindDeliveryExhausted:
		return "delivery_exhausted"
	default:
		return "unknown"
	}
}
