package audio

import (
	"errors"
	"sync"

	"github.com/dgnsrekt/readaloud/internal/wav"
)

// MockRenderer implements Renderer for tests. It produces MockTracks that
// never touch a sound device and only advance when told to.
type MockRenderer struct {
	// AutoFinish completes every track as soon as it starts playing.
	AutoFinish bool

	// OpenErr, when set, is returned for every Open call.
	OpenErr error

	mu     sync.Mutex
	tracks []*MockTrack
	opened chan *MockTrack
}

// NewMockRenderer creates a mock renderer.
func NewMockRenderer() *MockRenderer {
	return &MockRenderer{opened: make(chan *MockTrack, 64)}
}

// Open implements Renderer. The track duration comes from the WAV header;
// buffers without a usable header get one second.
func (r *MockRenderer) Open(b []byte, rate float64) (Track, error) {
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	if len(b) == 0 {
		return nil, ErrEmptyAudio
	}
	if rate <= 0 {
		return nil, ErrInvalidRate
	}

	duration, ok := wav.Inspect(b).Duration()
	if !ok {
		duration = 1
	}
	t := &MockTrack{
		Audio:    b,
		duration: duration,
		rate:     rate,
		auto:     r.AutoFinish,
		done:     make(chan error, 1),
	}

	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()

	select {
	case r.opened <- t:
	default:
	}
	return t, nil
}

// Tracks returns every track opened so far.
func (r *MockRenderer) Tracks() []*MockTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockTrack(nil), r.tracks...)
}

// Opened delivers tracks as they are opened.
func (r *MockRenderer) Opened() <-chan *MockTrack { return r.opened }

// MockTrack is a Track whose progress is driven by the test.
type MockTrack struct {
	Audio []byte

	mu       sync.Mutex
	duration float64
	position float64
	rate     float64
	playing  bool
	closed   bool
	finished bool
	auto     bool

	plays, pauses int

	done chan error
}

func (t *MockTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackClosed
	}
	t.playing = true
	t.plays++
	if t.auto {
		t.finishLocked(nil)
	}
	return nil
}

func (t *MockTrack) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackClosed
	}
	t.playing = false
	t.pauses++
	return nil
}

func (t *MockTrack) SetRate(rate float64) error {
	if rate <= 0 {
		return ErrInvalidRate
	}
	t.mu.Lock()
	t.rate = rate
	t.mu.Unlock()
	return nil
}

func (t *MockTrack) Position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

func (t *MockTrack) Duration() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

func (t *MockTrack) Done() <-chan error { return t.done }

func (t *MockTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.playing = false
	return nil
}

// Rate returns the rate last applied to the track.
func (t *MockTrack) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// IsPlaying reports whether Play was called more recently than Pause.
func (t *MockTrack) IsPlaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

// IsClosed reports whether Close was called.
func (t *MockTrack) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Counts returns how often Play and Pause were called.
func (t *MockTrack) Counts() (plays, pauses int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plays, t.pauses
}

// SetPosition moves the playhead, clamped to the duration.
func (t *MockTrack) SetPosition(sec float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position = min(max(sec, 0), t.duration)
}

// Finish ends the track naturally.
func (t *MockTrack) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(nil)
}

// Fail ends the track with a render error.
func (t *MockTrack) Fail(err error) {
	if err == nil {
		err = errors.New("simulated render failure")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(err)
}

func (t *MockTrack) finishLocked(err error) {
	if t.closed || t.finished {
		return
	}
	t.finished = true
	t.playing = false
	if err == nil {
		t.position = t.duration
	}
	t.done <- err
}
