package synth

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when a request is abandoned through its
	// context. It also matches context.Canceled.
	ErrCancelled = errors.New("synthesis cancelled")

	// ErrInvalidVoice marks voice parameters the service would reject.
	ErrInvalidVoice = errors.New("invalid voice")

	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrSpeakerNotFound is returned when no speaker resembles the query.
	ErrSpeakerNotFound = errors.New("speaker not found")
)

// SynthesisError is a non-2xx answer from the service.
type SynthesisError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("TTS server error %d", e.Status)
	}
	return fmt.Sprintf("TTS server error %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether the service may succeed if asked again.
func (e *SynthesisError) IsRetryable() bool {
	return e.Status == 429 || e.Status >= 500
}
