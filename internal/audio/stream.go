package audio

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
)

// Stream is an io.Reader that emits signed 16-bit little-endian frames at
// the device rate. Source frames are stepped through at
// sourceRate/deviceRate*playbackRate per output frame with linear
// interpolation; changing the rate only affects frames not yet read.
type Stream struct {
	pcm            *PCM
	deviceRate     int
	deviceChannels int

	mu   sync.Mutex
	pos  float64 // source frame index
	rate float64
	eof  bool
}

// NewStream prepares pcm for a device running at deviceRate with
// deviceChannels channels.
func NewStream(pcm *PCM, deviceRate, deviceChannels int, rate float64) *Stream {
	if rate <= 0 {
		rate = 1
	}
	return &Stream{pcm: pcm, deviceRate: deviceRate, deviceChannels: deviceChannels, rate: rate}
}

// SetRate changes the playback rate for the frames that follow.
func (s *Stream) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

// Rate returns the current playback rate.
func (s *Stream) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Position returns how far the reader has advanced, in media seconds.
func (s *Stream) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return math.Min(s.pos, float64(s.pcm.Frames())) / float64(s.pcm.SampleRate)
}

// Drained reports whether every source frame has been read.
func (s *Stream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameBytes := 2 * s.deviceChannels
	frames := s.pcm.Frames()
	step := float64(s.pcm.SampleRate) / float64(s.deviceRate) * s.rate

	n := 0
	for n+frameBytes <= len(p) {
		if s.pos >= float64(frames) {
			s.eof = true
			break
		}
		for ch := 0; ch < s.deviceChannels; ch++ {
			v := s.sample(ch)
			binary.LittleEndian.PutUint16(p[n:], uint16(toInt16(v)))
			n += 2
		}
		s.pos += step
	}

	if n == 0 && s.eof {
		return 0, io.EOF
	}
	return n, nil
}

// sample interpolates channel ch at the current position. Mono sources are
// duplicated across device channels; extra source channels are folded onto
// the last device channel.
func (s *Stream) sample(ch int) float32 {
	src := s.pcm
	srcCh := ch
	if srcCh >= src.Channels {
		srcCh = src.Channels - 1
	}

	i := int(s.pos)
	frac := float32(s.pos - float64(i))
	a := src.Samples[i*src.Channels+srcCh]
	b := a
	if i+1 < src.Frames() {
		b = src.Samples[(i+1)*src.Channels+srcCh]
	}
	return a + (b-a)*frac
}

func toInt16(v float32) int16 {
	switch {
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	}
	return int16(v * math.MaxInt16)
}
