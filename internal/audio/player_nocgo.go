//go:build nocgo
// +build nocgo

package audio

import "time"

// PlayerConfig describes the output device format.
type PlayerConfig struct {
	SampleRate int
	Channels   int
	BufferSize time.Duration
}

// DefaultPlayerConfig returns the default player configuration.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{SampleRate: 48000, Channels: 2, BufferSize: 80 * time.Millisecond}
}

// OtoRenderer is unavailable without cgo.
type OtoRenderer struct{}

// NewOtoRenderer always fails in builds without cgo.
func NewOtoRenderer(PlayerConfig) (*OtoRenderer, error) { return nil, ErrNoDevice }

// Open implements Renderer.
func (*OtoRenderer) Open([]byte, float64) (Track, error) { return nil, ErrNoDevice }
