// Package errkind defines the error taxonomy shared by all knowledged
// components.
//
// Components return errors carrying a Kind; the HTTP boundary is the only
// place where kinds are shaped into wire responses (status code + envelope).
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and wire mapping.
type Kind string

const (
	// ConfigInvalid is fatal at startup (exit code 64).
	ConfigInvalid Kind = "config-invalid"

	// ValidationFailed indicates a request schema violation.
	ValidationFailed Kind = "validation-failed"

	// NotFound indicates an unknown id.
	NotFound Kind = "not-found"

	// ADRIllegalTransition indicates a status state-machine violation.
	ADRIllegalTransition Kind = "adr-illegal-transition"

	// QueueFull indicates the task queue is saturated.
	QueueFull Kind = "queue-full"

	// VectorUnavailable indicates the external vector index is unreachable.
	VectorUnavailable Kind = "vector-unavailable"

	// VectorSchemaMismatch indicates an existing collection has a different
	// vector dimension than configured.
	VectorSchemaMismatch Kind = "vector-schema-mismatch"

	// EmbedderUnavailable indicates the embedding backend cannot be reached
	// or loaded.
	EmbedderUnavailable Kind = "embedder-unavailable"

	// IndexFailed indicates the embed+upsert pipeline failed and the
	// sidecar write was rolled back.
	IndexFailed Kind = "index-failed"

	// CacheDegraded is logged and counted, never propagated to callers.
	CacheDegraded Kind = "cache-degraded"

	// Internal indicates a bug or panic.
	Internal Kind = "internal-error"
)

// Error is a structured error carrying a Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err is worth retrying by background tasks.
// A transient dependency failure anywhere in the wrap chain qualifies,
// so an index-failed wrapper around vector-unavailable is still retried.
func Retryable(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		switch e.Kind {
		case VectorUnavailable, EmbedderUnavailable:
			return true
		}
		err = e.Err
	}
	return false
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ValidationFailed:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case ADRIllegalTransition:
		return http.StatusConflict
	case QueueFull, VectorUnavailable, EmbedderUnavailable:
		return http.StatusServiceUnavailable
	case ConfigInvalid:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
