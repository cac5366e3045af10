package audio

import "errors"

var (
	// ErrEmptyAudio is returned when there is nothing to render.
	ErrEmptyAudio = errors.New("audio data is empty")

	// ErrUnsupportedFormat is returned for containers the decoder rejects.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrTrackClosed is returned by operations on a closed track.
	ErrTrackClosed = errors.New("track is closed")

	// ErrNoDevice is returned when no audio output is available.
	ErrNoDevice = errors.New("no audio device available")

	// ErrInvalidRate is returned for non-positive playback rates.
	ErrInvalidRate = errors.New("playback rate must be positive")
)

// Renderer turns one WAV buffer into a playable Track.
type Renderer interface {
	Open(wav []byte, rate float64) (Track, error)
}

// Track is one chunk of audio being rendered. Position and Duration are in
// media seconds, so they do not depend on the playback rate.
type Track interface {
	Play() error
	Pause() error
	SetRate(rate float64) error
	Position() float64
	Duration() float64

	// Done delivers exactly one value when rendering ends on its own: nil
	// after the last sample, or the render error. Nothing is delivered after
	// Close.
	Done() <-chan error

	Close() error
}
