package surface

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/playback"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/transport"
	"github.com/dgnsrekt/readaloud/internal/wav"
)

var quiet = log.New(io.Discard)

func newBus(t *testing.T) *transport.Bus {
	t.Helper()
	b, err := transport.Connect(transport.Config{RequestTimeout: 2 * time.Second}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	return b
}

func newHost(t *testing.T, bus *transport.Bus) (*LocalHost, *audio.MockRenderer) {
	t.Helper()
	r := audio.NewMockRenderer()
	h := NewLocalHost(bus, func() (audio.Renderer, error) { return r, nil }, Options{Logger: quiet})
	t.Cleanup(h.Destroy)
	return h, r
}

// oneSecond is a valid 16-bit mono WAV lasting one second at 8 kHz.
func oneSecond() []byte {
	return wav.Encode(make([]byte, 16000), 8000, 1)
}

func TestEnsureCreatesOnce(t *testing.T) {
	bus := newBus(t)
	host, _ := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Ensure(context.Background()); err != nil {
				t.Errorf("Ensure: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := host.Created(); n != 1 {
		t.Errorf("created %d surfaces, want 1", n)
	}
	if m.Instance() != host.Current().ID() {
		t.Errorf("instance %q, want %q", m.Instance(), host.Current().ID())
	}
}

func TestEnsureAdoptsExistingSurface(t *testing.T) {
	bus := newBus(t)
	host, _ := newHost(t, bus)
	if err := host.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := NewManager(bus, host, "", quiet)
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := host.Created(); n != 1 {
		t.Errorf("created %d surfaces, want 1", n)
	}
}

func TestSendEnqueue(t *testing.T) {
	bus := newBus(t)
	host, r := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)

	err := m.Send(context.Background(), protocol.Enqueue{AudioBytes: oneSecond(), DurationSec: 1, RequestEpoch: 1})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-r.Opened():
	case <-time.After(2 * time.Second):
		t.Fatal("no track opened")
	}
	st := host.Current().Engine().Snapshot()
	if st.Status != playback.StatusPlaying || st.TotalSec != 1 || st.Epoch != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestSendEnqueueFullLengthChunk(t *testing.T) {
	bus := newBus(t)
	host, r := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)

	// 28 s of 24 kHz mono, about what a full chunk synthesizes to.
	audio := wav.Encode(make([]byte, 28*24000*2), 24000, 1)
	if err := m.Send(context.Background(), protocol.Enqueue{AudioBytes: audio, DurationSec: 28, RequestEpoch: 1}); err != nil {
		t.Fatalf("Send(%d audio bytes): %v", len(audio), err)
	}
	select {
	case tr := <-r.Opened():
		if tr.Duration() != 28 {
			t.Errorf("track duration = %g, want 28", tr.Duration())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no track opened")
	}
}

func TestSendRecreatesVanishedSurface(t *testing.T) {
	bus := newBus(t)
	host, _ := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)

	if err := m.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := m.Instance()
	host.Destroy()

	if err := m.Send(context.Background(), protocol.PausePlayback{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := host.Created(); n != 2 {
		t.Errorf("created %d surfaces, want 2", n)
	}
	if m.Instance() == first {
		t.Error("instance should change after recreation")
	}
	if st := host.Current().Engine().Snapshot(); st.Status != playback.StatusPaused {
		t.Errorf("status = %s, want paused", st.Status)
	}
}

type absentHost struct{ calls atomic.Int32 }

func (h *absentHost) Create(context.Context) error {
	h.calls.Add(1)
	return nil
}

func TestSendGivesUpQuietly(t *testing.T) {
	bus := newBus(t)
	host := &absentHost{}
	m := NewManager(bus, host, "", quiet)

	if err := m.Send(context.Background(), protocol.StopPlayback{}); err != nil {
		t.Errorf("Send = %v, want nil", err)
	}
	if n := host.calls.Load(); n != 2 {
		t.Errorf("Create called %d times, want 2", n)
	}
}

func TestSendHonoursCancellation(t *testing.T) {
	bus := newBus(t)
	host, _ := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Send(ctx, protocol.StopPlayback{}); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestSurfaceDropsStaleUnits(t *testing.T) {
	bus := newBus(t)
	host, r := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)
	ctx := context.Background()

	if err := m.Send(ctx, protocol.Reset{RequestEpoch: 5}); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(ctx, protocol.Enqueue{AudioBytes: oneSecond(), RequestEpoch: 4}); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Tracks()); n != 0 {
		t.Errorf("stale unit opened %d tracks", n)
	}
	if st := host.Current().Engine().Snapshot(); st.Epoch != 5 || st.TotalSec != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestSurfaceSetRate(t *testing.T) {
	bus := newBus(t)
	host, _ := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)
	ctx := context.Background()

	if err := m.Send(ctx, protocol.SetRate{Rate: 1.5}); err != nil {
		t.Fatal(err)
	}
	if st := host.Current().Engine().Snapshot(); st.PlaybackRate != 1.5 {
		t.Errorf("rate = %v", st.PlaybackRate)
	}
	if err := m.Send(ctx, protocol.SetRate{Rate: -1}); err == nil {
		t.Error("expected rejection of negative rate")
	}
}

func TestSurfacePublishesProgress(t *testing.T) {
	bus := newBus(t)
	host, _ := newHost(t, bus)
	m := NewManager(bus, host, "", quiet)

	events := make(chan protocol.PlaybackProgress, 16)
	if _, err := bus.Subscribe(protocol.SubjectProgress, func(data []byte) {
		if ev, err := protocol.DecodeEvent(data); err == nil {
			if p, ok := ev.(protocol.PlaybackProgress); ok {
				events <- p
			}
		}
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.Send(context.Background(), protocol.Enqueue{AudioBytes: oneSecond(), DurationSec: 1, RequestEpoch: 2}); err != nil {
		t.Fatal(err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-events:
			if p.State == "playing" {
				if p.RequestEpoch != 2 || p.TotalSec != 1 {
					t.Errorf("progress = %+v", p)
				}
				return
			}
		case <-timeout:
			t.Fatal("no playing progress event")
		}
	}
}

func TestSurfaceRejectsForeignMessages(t *testing.T) {
	bus := newBus(t)
	host, _ := newHost(t, bus)
	if err := host.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	r, err := bus.Request(context.Background(), protocol.SubjectSurface, protocol.Speak{SourceText: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if r.OK {
		t.Error("surface should not accept speak")
	}
}
