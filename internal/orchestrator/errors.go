package orchestrator

import (
	"errors"
	"fmt"

	"github.com/dgnsrekt/readaloud/internal/synth"
)

// ErrSuperseded is returned internally when a newer epoch took over.
var ErrSuperseded = errors.New("request superseded")

// ErrorKind classifies request-level failures.
type ErrorKind int

const (
	// KindSynthesis is a non-2xx answer or unreachable synthesis service.
	KindSynthesis ErrorKind = iota
	// KindPageAccess means the source text could not be obtained.
	KindPageAccess
	// KindTransport means the audio surface could not be reached.
	KindTransport
	// KindInvalidRequest means the request itself was unusable.
	KindInvalidRequest
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindSynthesis:
		return "synthesis"
	case KindPageAccess:
		return "page access"
	case KindTransport:
		return "transport"
	case KindInvalidRequest:
		return "invalid request"
	default:
		return "unknown"
	}
}

// RequestError is a failure that ends a speak request.
type RequestError struct {
	Kind  ErrorKind
	Cause error
}

// NewRequestError wraps cause.
func NewRequestError(kind ErrorKind, cause error) *RequestError {
	return &RequestError{Kind: kind, Cause: cause}
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Cause == nil {
		return e.Kind.String() + " failed"
	}
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error { return e.Cause }

// IsFatal reports whether the failure happened before any audio could be
// produced, so retrying the same request cannot help.
func (e *RequestError) IsFatal() bool {
	return e.Kind == KindPageAccess || e.Kind == KindInvalidRequest
}

// IsRetryable reports whether the same request may succeed later.
func (e *RequestError) IsRetryable() bool {
	var se *synth.SynthesisError
	if errors.As(e.Cause, &se) {
		return se.IsRetryable()
	}
	return e.Kind == KindTransport
}

// IsCancelled reports whether err only means the request was abandoned.
func IsCancelled(err error) bool {
	return errors.Is(err, synth.ErrCancelled) || errors.Is(err, ErrSuperseded)
}
