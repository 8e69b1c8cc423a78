// Package fault defines the engine's tagged error taxonomy. Every error
// crossing a package boundary carries a Kind; the API boundary maps kinds
// to HTTP statuses and nothing else inspects error strings.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown                Kind = "UNKNOWN"
	KindSystemHalted           Kind = "SYSTEM_HALTED"
	KindNotFound               Kind = "NOT_FOUND"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindAlreadyFated           Kind = "ALREADY_FATED"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindConflict               Kind = "CONFLICT"
	KindValidation             Kind = "VALIDATION"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindForbidden              Kind = "FORBIDDEN"
	KindEventEmissionFailed    Kind = "FATE_EVENT_EMISSION_FAILED"
	KindTransient              Kind = "TRANSIENT"
	KindConfiguration          Kind = "CONFIGURATION"
)

// Fault is a classified error with an optional cause and detail bag.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error
	Details map[string]any
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// Is lets errors.Is match two faults of the same kind.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return other.Kind == f.Kind
	}
	return false
}

// New builds a fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, chaining the original cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches a key/value pair for the API boundary to surface.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any, 1)
	}
	f.Details[key] = value
	return f
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is worth retrying. CAS and halt
// failures are correctness signals and are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindEventEmissionFailed:
		return true
	}
	return false
}

// HTTPStatus maps a kind to its API status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindSystemHalted:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidStateTransition, KindAlreadyFated, KindConcurrentModification, KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConfiguration, KindEventEmissionFailed, KindTransient, KindUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
