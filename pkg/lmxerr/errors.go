// Package lmxerr defines the error taxonomy shared across Opta-LMX
// components and the translation of that taxonomy into OpenAI-shaped HTTP
// error bodies.
package lmxerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the classified error conditions a caller can react to.
// It is a taxonomy, not a type hierarchy: every Kind maps to exactly one
// HTTP status and one OpenAI-shaped "type" string.
type Kind string

const (
	KindModelNotFound         Kind = "model_not_found"
	KindModelInUse            Kind = "model_in_use"
	KindDownloadNotFound      Kind = "download_not_found"
	KindInsufficientMemory    Kind = "insufficient_memory"
	KindModelLoaderCrashed    Kind = "model_loader_crashed"
	KindModelRuntimeIncompat  Kind = "model_runtime_incompatible"
	KindOverloaded            Kind = "overloaded"
	KindRequestTimeout        Kind = "request_timeout"
	KindBudgetExhausted       Kind = "budget_exhausted"
	KindQueueFull             Kind = "queue_full"
	KindHelperNodeError       Kind = "helper_node_error"
	KindCircuitOpen           Kind = "circuit_open"
	KindAuthDenied            Kind = "auth_denied"
	KindValidationError       Kind = "validation_error"
	KindInternalError         Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	KindModelNotFound:        http.StatusNotFound,
	KindModelInUse:           http.StatusConflict,
	KindDownloadNotFound:     http.StatusNotFound,
	KindInsufficientMemory:   http.StatusInsufficientStorage,
	KindModelLoaderCrashed:   http.StatusInternalServerError,
	KindModelRuntimeIncompat: http.StatusBadRequest,
	KindOverloaded:           http.StatusTooManyRequests,
	KindRequestTimeout:       http.StatusGatewayTimeout,
	KindBudgetExhausted:      http.StatusPaymentRequired,
	KindQueueFull:            http.StatusTooManyRequests,
	KindHelperNodeError:      http.StatusBadGateway,
	KindCircuitOpen:          http.StatusBadGateway,
	KindAuthDenied:           http.StatusUnauthorized,
	KindValidationError:      http.StatusBadRequest,
	KindInternalError:        http.StatusInternalServerError,
}

// Error is the one typed-error boundary in the codebase. Every error that
// reaches an HTTP handler either already is an *Error, or is wrapped as
// KindInternalError before the response is written.
type Error struct {
	Kind       Kind
	Message    string
	Param      string
	RetryAfter int // seconds; 0 means "no Retry-After header"
	Fallback   string // "local" | "skip", only meaningful for KindHelperNodeError
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this error kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, retaining cause for %w-style
// unwrapping and logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithParam attaches the offending request field name (validation_error).
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

// WithRetryAfter attaches a Retry-After hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// WithFallback tags a helper_node_error with the configured fallback mode.
func (e *Error) WithFallback(fallback string) *Error {
	e.Fallback = fallback
	return e
}

// As extracts an *Error from err, or synthesizes an internal_error wrapper
// if err is not (or does not wrap) one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternalError, "unclassified internal error", err)
}

// Body is the OpenAI-shaped {"error": {...}} JSON envelope.
type Body struct {
	Error BodyError `json:"error"`
}

// BodyError is the inner OpenAI error object.
type BodyError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Param   string `json:"param,omitempty"`
}

// ToBody renders the OpenAI-shaped error envelope for an HTTP response.
func (e *Error) ToBody() Body {
	return Body{Error: BodyError{
		Message: e.Message,
		Type:    string(e.Kind),
		Code:    string(e.Kind),
		Param:   e.Param,
	}}
}
