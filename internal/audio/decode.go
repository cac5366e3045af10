package audio

import (
	"bytes"
	"fmt"

	"github.com/go-audio/wav"
)

// PCM is decoded audio as interleaved samples normalized to [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (p *PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the length in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate == 0 {
		return 0
	}
	return float64(p.Frames()) / float64(p.SampleRate)
}

// Decode reads an integer PCM WAV buffer.
func Decode(b []byte) (*PCM, error) {
	if len(b) == 0 {
		return nil, ErrEmptyAudio
	}

	d := wav.NewDecoder(bytes.NewReader(b))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: not a PCM wav file", ErrUnsupportedFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrUnsupportedFormat)
	}

	depth := int(d.BitDepth)
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, depth)
	}
	scale := float32(int64(1) << (depth - 1))
	// 8-bit wav samples are unsigned
	offset := 0
	if depth == 8 {
		offset = 128
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v-offset) / scale
	}

	return &PCM{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}
