//go:build !nocgo
// +build !nocgo

package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// oto allows a single context per process.
var (
	sharedMu      sync.Mutex
	sharedContext *oto.Context
	sharedConfig  PlayerConfig
)

// PlayerConfig describes the output device format.
type PlayerConfig struct {
	SampleRate int           // 44100 or 48000 Hz only
	Channels   int           // 1 = mono, 2 = stereo
	BufferSize time.Duration // device buffer
}

// DefaultPlayerConfig returns the default player configuration.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate: 48000,
		Channels:   2,
		BufferSize: 80 * time.Millisecond,
	}
}

func validateConfig(config PlayerConfig) error {
	if config.SampleRate != 44100 && config.SampleRate != 48000 {
		return fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", config.SampleRate)
	}
	if config.Channels != 1 && config.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", config.Channels)
	}
	if config.BufferSize < 0 {
		return errors.New("buffer size must not be negative")
	}
	return nil
}

// OtoRenderer plays tracks on the system audio device.
type OtoRenderer struct {
	ctx    *oto.Context
	config PlayerConfig
}

// NewOtoRenderer opens (once per process) the audio device.
func NewOtoRenderer(config PlayerConfig) (*OtoRenderer, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedContext == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   config.SampleRate,
			ChannelCount: config.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   config.BufferSize,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		<-ready
		sharedContext, sharedConfig = ctx, config
	}

	// A second renderer shares the device format chosen first.
	return &OtoRenderer{ctx: sharedContext, config: sharedConfig}, nil
}

// Open decodes wav and prepares it for playback at rate.
func (r *OtoRenderer) Open(wav []byte, rate float64) (Track, error) {
	if rate <= 0 {
		return nil, ErrInvalidRate
	}
	pcm, err := Decode(wav)
	if err != nil {
		return nil, err
	}
	if pcm.Frames() == 0 {
		return nil, ErrEmptyAudio
	}

	stream := NewStream(pcm, r.config.SampleRate, r.config.Channels, rate)
	return &otoTrack{
		player: r.ctx.NewPlayer(stream),
		stream: stream,
		pcm:    pcm,
		config: r.config,
		done:   make(chan error, 1),
		closed: make(chan struct{}),
	}, nil
}

// otoTrack keeps pcm referenced for as long as oto may read from it.
type otoTrack struct {
	player *oto.Player
	stream *Stream
	pcm    *PCM
	config PlayerConfig

	mu       sync.Mutex
	watching bool
	paused   bool
	isClosed bool

	done      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *otoTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed {
		return ErrTrackClosed
	}
	t.player.Play()
	t.paused = false
	if !t.watching {
		t.watching = true
		go t.watch()
	}
	return nil
}

func (t *otoTrack) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed {
		return ErrTrackClosed
	}
	t.player.Pause()
	t.paused = true
	return nil
}

func (t *otoTrack) SetRate(rate float64) error {
	if rate <= 0 {
		return ErrInvalidRate
	}
	t.stream.SetRate(rate)
	return nil
}

func (t *otoTrack) Position() float64 {
	// Frames still queued in the device buffer have been read but not heard.
	buffered := float64(t.player.BufferedSize()) / float64(2*t.config.Channels) /
		float64(t.config.SampleRate) * t.stream.Rate()
	return max(t.stream.Position()-buffered, 0)
}

func (t *otoTrack) Duration() float64 { return t.pcm.Duration() }

func (t *otoTrack) Done() <-chan error { return t.done }

func (t *otoTrack) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.isClosed = true
		t.mu.Unlock()

		close(t.closed)
		t.player.Pause()
		err = t.player.Close()
	})
	return err
}

// watch polls the player until the stream is exhausted and the device has
// drained it.
func (t *otoTrack) watch() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		if err := t.player.Err(); err != nil {
			t.finish(err)
			return
		}
		t.mu.Lock()
		paused := t.paused
		t.mu.Unlock()
		if !paused && t.stream.Drained() && !t.player.IsPlaying() {
			t.finish(nil)
			return
		}
	}
}

func (t *otoTrack) finish(err error) {
	select {
	case <-t.closed:
	default:
		t.done <- err
	}
}
