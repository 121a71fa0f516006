package engine

import (
	"errors"
	"net/http"
	"strings"

	"lmbridge/pkg/types"
)

// Kind classifies engine failures. The string form is the machine-readable
// kind exposed at the boundary.
type Kind string

const (
	KindInvalidArgument       Kind = "invalid_argument"
	KindNotInitialized        Kind = "not_initialized"
	KindInitialization        Kind = "initialization"
	KindInference             Kind = "inference"
	KindEncoding              Kind = "encoding"
	KindCapability            Kind = "capability"
	KindState                 Kind = "state"
	KindTooBusy               Kind = "too_busy"
	KindCancelled             Kind = "cancelled"
	KindDependencyUnavailable Kind = "dependency_unavailable"
)

// Reason refines KindInitialization.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotFound          Reason = "not_found"
	ReasonUnsupportedFormat Reason = "unsupported_format"
	ReasonResourceExhausted Reason = "resource_exhausted"
)

// Boundary error codes.
const (
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeNotInitialized      = "NOT_INITIALIZED"
	CodeInitializationError = "INITIALIZATION_ERROR"
	CodeInferenceError      = "INFERENCE_ERROR"
)

// Error is the single error type returned across the engine boundary.
type Error struct {
	Kind   Kind
	Reason Reason
	// Op names the operation that failed (initialize, generate, add_image, ...).
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code maps the kind onto the four boundary codes.
func (e *Error) Code() string {
	switch e.Kind {
	case KindInvalidArgument:
		return CodeInvalidArgument
	case KindNotInitialized:
		return CodeNotInitialized
	case KindInitialization:
		return CodeInitializationError
	case KindDependencyUnavailable:
		if e.Op == "initialize" {
			return CodeInitializationError
		}
		return CodeInferenceError
	default:
		return CodeInferenceError
	}
}

// StatusCode maps the error onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotInitialized, KindState:
		return http.StatusConflict
	case KindInitialization:
		switch e.Reason {
		case ReasonNotFound:
			return http.StatusNotFound
		case ReasonUnsupportedFormat:
			return http.StatusUnsupportedMediaType
		case ReasonResourceExhausted:
			return http.StatusInsufficientStorage
		}
		return http.StatusInternalServerError
	case KindEncoding, KindCapability:
		return http.StatusUnprocessableEntity
	case KindTooBusy:
		return http.StatusTooManyRequests
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Wire converts e to the error object carried by NDJSON stream lines.
func (e *Error) Wire() *types.StreamError {
	return &types.StreamError{Code: e.Code(), Kind: string(e.Kind), Message: e.Error()}
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func initError(reason Reason, msg string, err error) *Error {
	return &Error{Kind: KindInitialization, Reason: reason, Op: "initialize", Msg: msg, Err: err}
}

// ErrNotInitialized is returned when no model handle is live.
func ErrNotInitialized(op string) error {
	return newError(KindNotInitialized, op, "LLM has not been initialized", nil)
}

// ErrDependencyUnavailable signals a missing runtime dependency (e.g. llama.cpp).
func ErrDependencyUnavailable(msg string) error {
	return newError(KindDependencyUnavailable, "", msg, nil)
}

// AsError converts any error into an *Error; foreign errors become
// KindInference with op attached. nil stays nil.
func AsError(err error, op string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindInference, op, "Failed to generate response", err)
}

// KindOf returns the kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

func IsNotInitialized(err error) bool { return IsKind(err, KindNotInitialized) }
func IsTooBusy(err error) bool        { return IsKind(err, KindTooBusy) }
func IsCancelled(err error) bool      { return IsKind(err, KindCancelled) }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool { return IsKind(err, KindDependencyUnavailable) }

// ReasonOf returns the initialization reason carried by err.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// ErrModelNotFound is returned when a model id does not resolve to a file.
func ErrModelNotFound(id string) error {
	return initError(ReasonNotFound, "model not found: "+id, nil)
}
