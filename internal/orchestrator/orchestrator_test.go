package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/history"
	"github.com/dgnsrekt/readaloud/internal/playback"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/wav"
)

var quiet = log.New(io.Discard)

// threeChunks splits into three chunks at maxLen 14.
const threeChunks = "Alpha one. Alpha two. Alpha three."

func oneSecond() []byte { return wav.Encode(make([]byte, 16000), 8000, 1) }

// fakeSynth returns one second of audio per chunk. Chunks listed in gates
// block until the gate is closed; fail maps chunk text to an error.
type fakeSynth struct {
	mu        sync.Mutex
	calls     []string
	gates     map[string]chan struct{}
	ignoreCtx bool
	fail      map[string]error
	output    map[string][]byte
	started   chan string
	serverURL string
	cancelled []string
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		gates:   map[string]chan struct{}{},
		fail:    map[string]error{},
		output:  map[string][]byte{},
		started: make(chan string, 64),
	}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, _ synth.Voice) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	gate := f.gates[text]
	failErr := f.fail[text]
	out, ok := f.output[text]
	ignore := f.ignoreCtx
	f.mu.Unlock()
	f.started <- text

	if gate != nil {
		if ignore {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				f.mu.Lock()
				f.cancelled = append(f.cancelled, text)
				f.mu.Unlock()
				return nil, fmt.Errorf("%w: %w", synth.ErrCancelled, ctx.Err())
			}
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if ok {
		return out, nil
	}
	return oneSecond(), nil
}

func (f *fakeSynth) SetServerURL(url string) {
	f.mu.Lock()
	f.serverURL = url
	f.mu.Unlock()
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// engineSink applies surface commands directly to a playback engine.
type engineSink struct {
	engine *playback.Engine

	mu   sync.Mutex
	cmds []protocol.SurfaceCommand
}

func newEngineSink(t *testing.T) *engineSink {
	t.Helper()
	e := playback.NewEngine(playback.Config{Renderer: audio.NewMockRenderer(), Logger: quiet})
	t.Cleanup(func() { e.Close() })
	return &engineSink{engine: e}
}

func (s *engineSink) Send(_ context.Context, cmd protocol.SurfaceCommand) error {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()

	switch cmd := cmd.(type) {
	case protocol.Enqueue:
		s.engine.Enqueue(playback.Unit{
			Audio:        cmd.AudioBytes,
			DurationSec:  cmd.DurationSec,
			PlaybackRate: cmd.PlaybackRate,
			Epoch:        cmd.RequestEpoch,
		})
	case protocol.Reset:
		s.engine.Reset(cmd.RequestEpoch)
	case protocol.StopPlayback:
		s.engine.Stop()
	}
	return nil
}

func (s *engineSink) commands() []protocol.SurfaceCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SurfaceCommand(nil), s.cmds...)
}

func (s *engineSink) enqueues() []protocol.Enqueue {
	var out []protocol.Enqueue
	for _, c := range s.commands() {
		if e, ok := c.(protocol.Enqueue); ok {
			out = append(out, e)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Progress
	ch     chan protocol.Progress
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan protocol.Progress, 64)} }

func (l *eventLog) add(p protocol.Progress) {
	l.mu.Lock()
	l.events = append(l.events, p)
	l.mu.Unlock()
	l.ch <- p
}

func (l *eventLog) all() []protocol.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Progress(nil), l.events...)
}

func (l *eventLog) stages(epoch uint64) []string {
	var out []string
	for _, e := range l.all() {
		if e.RequestEpoch == epoch {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, stage string, index int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-l.ch:
			if e.Stage == stage && (index == 0 || e.Index == index) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", stage)
		}
	}
}

func newOrchestrator(s Synthesizer, sink Sink, events *eventLog) *Orchestrator {
	return New(Config{Synth: s, Sink: sink, Events: events.add, Logger: quiet, ChunkMaxLen: 14})
}

func equal(a, b []string) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func TestSpeakSequential(t *testing.T) {
	fs := newFakeSynth()
	sink := newEngineSink(t)
	events := newEventLog()
	o := newOrchestrator(fs, sink, events)

	if err := o.Speak(context.Background(), Request{Text: threeChunks}); err != nil {
		t.Fatal(err)
	}

	if want := []string{"Alpha one.", "Alpha two.", "Alpha three."}; !equal(fs.calls, want) {
		t.Errorf("synth calls = %q", fs.calls)
	}
	if got := events.stages(1); !equal(got, []string{"start", "chunk", "chunk", "chunk", "done"}) {
		t.Errorf("stages = %v", got)
	}
	all := events.all()
	if all[0].Chunks != 3 {
		t.Errorf("start chunks = %d", all[0].Chunks)
	}
	for i, e := range all[1:4] {
		if e.Index != i+1 || e.Total != 3 || e.DurationSec != 1 {
			t.Errorf("chunk event %d = %+v", i, e)
		}
	}

	cmds := sink.commands()
	if r, ok := cmds[0].(protocol.Reset); !ok || r.RequestEpoch != 1 {
		t.Errorf("first command = %#v, want reset to epoch 1", cmds[0])
	}
	enqs := sink.enqueues()
	if len(enqs) != 3 {
		t.Fatalf("got %d enqueues", len(enqs))
	}
	for _, e := range enqs {
		if e.RequestEpoch != 1 || e.PlaybackRate != 1 || e.DurationSec != 1 {
			t.Errorf("enqueue = epoch %d rate %v duration %v", e.RequestEpoch, e.PlaybackRate, e.DurationSec)
		}
	}
	if st := sink.engine.Snapshot(); st.TotalSec != 3 {
		t.Errorf("engine total = %v", st.TotalSec)
	}
}

func TestStopAfterFirstChunk(t *testing.T) {
	fs := newFakeSynth()
	fs.gates["Alpha two."] = make(chan struct{})
	sink := newEngineSink(t)
	events := newEventLog()
	o := newOrchestrator(fs, sink, events)

	done := make(chan error, 1)
	go func() { done <- o.Speak(context.Background(), Request{Text: threeChunks}) }()

	events.waitFor(t, protocol.StageChunk, 1)
	for s := range fs.started {
		if s == "Alpha two." {
			break
		}
	}

	// What the coordinator does for stop.
	o.Stop()
	if err := sink.Send(context.Background(), protocol.StopPlayback{}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Speak = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after stop")
	}

	if n := fs.callCount(); n != 2 {
		t.Errorf("synth called %d times, want 2", n)
	}
	if len(fs.cancelled) != 1 || fs.cancelled[0] != "Alpha two." {
		t.Errorf("cancelled = %q, want the second chunk", fs.cancelled)
	}
	if n := len(sink.enqueues()); n != 1 {
		t.Errorf("enqueued %d units, want 1", n)
	}
	st := sink.engine.Snapshot()
	if st.Status != playback.StatusStopped || st.Queued != 0 {
		t.Errorf("engine = %+v, want stopped and empty", st)
	}
	if n := len(sink.engine.Units()); n != 0 {
		t.Errorf("engine still holds %d units", n)
	}
	if got := events.stages(1); !equal(got, []string{"start", "chunk", "stopped"}) {
		t.Errorf("stages = %v", got)
	}
}

func TestNewRequestBlocksStaleEnqueue(t *testing.T) {
	fs := newFakeSynth()
	fs.ignoreCtx = true
	gate := make(chan struct{})
	fs.gates["Alpha two."] = gate
	sink := newEngineSink(t)
	events := newEventLog()
	o := newOrchestrator(fs, sink, events)

	first := make(chan error, 1)
	go func() { first <- o.Speak(context.Background(), Request{Text: threeChunks}) }()
	for s := range fs.started {
		if s == "Alpha two." {
			break
		}
	}

	if err := o.Speak(context.Background(), Request{Text: "Beta."}); err != nil {
		t.Fatal(err)
	}
	// The first request's second chunk resolves only now.
	close(gate)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first Speak = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Speak did not return")
	}

	resetSeen := false
	for _, c := range sink.commands() {
		switch c := c.(type) {
		case protocol.Reset:
			if c.RequestEpoch == 2 {
				resetSeen = true
			}
		case protocol.Enqueue:
			if resetSeen && c.RequestEpoch != 2 {
				t.Errorf("stale enqueue for epoch %d after reset to 2", c.RequestEpoch)
			}
		}
	}
	if !resetSeen {
		t.Fatal("no reset for the second request")
	}
	if n := fs.callCount(); n != 3 {
		t.Errorf("synth called %d times, want 3", n)
	}
	if got := events.stages(1); !equal(got, []string{"start", "chunk"}) {
		t.Errorf("superseded request stages = %v", got)
	}
	if got := events.stages(2); !equal(got, []string{"start", "chunk", "done"}) {
		t.Errorf("second request stages = %v", got)
	}
	if st := sink.engine.Snapshot(); st.Epoch != 2 || st.TotalSec != 1 {
		t.Errorf("engine = %+v", st)
	}
}

func TestSynthesisErrorEndsRequest(t *testing.T) {
	fs := newFakeSynth()
	fs.fail["Alpha two."] = &synth.SynthesisError{Status: 500, Body: "model crashed"}
	sink := newEngineSink(t)
	events := newEventLog()
	o := newOrchestrator(fs, sink, events)

	err := o.Speak(context.Background(), Request{Text: threeChunks})
	var re *RequestError
	if !errors.As(err, &re) || re.Kind != KindSynthesis {
		t.Fatalf("err = %v, want synthesis RequestError", err)
	}
	var se *synth.SynthesisError
	if !errors.As(err, &se) || se.Status != 500 {
		t.Errorf("cause = %v", re.Cause)
	}
	if !re.IsRetryable() || re.IsFatal() {
		t.Errorf("500 should be retryable and not fatal")
	}
	if n := fs.callCount(); n != 2 {
		t.Errorf("synth called %d times, want 2", n)
	}
	all := events.all()
	last := all[len(all)-1]
	if last.Stage != protocol.StageStopped || last.Error == "" {
		t.Errorf("last event = %+v", last)
	}
}

func TestInvalidAudioSkipped(t *testing.T) {
	fs := newFakeSynth()
	fs.output["Alpha two."] = []byte("not audio")
	sink := newEngineSink(t)
	events := newEventLog()
	o := newOrchestrator(fs, sink, events)

	if err := o.Speak(context.Background(), Request{Text: threeChunks}); err != nil {
		t.Fatal(err)
	}
	if n := len(sink.enqueues()); n != 2 {
		t.Errorf("enqueued %d, want 2", n)
	}
	if got := events.stages(1); !equal(got, []string{"start", "chunk", "chunk", "done"}) {
		t.Errorf("stages = %v", got)
	}
}

func TestRateForEnqueues(t *testing.T) {
	fs := newFakeSynth()
	sink := newEngineSink(t)
	o := newOrchestrator(fs, sink, newEventLog())

	o.SetRate(1.5)
	o.SetRate(-3)
	if err := o.Speak(context.Background(), Request{Text: "One."}); err != nil {
		t.Fatal(err)
	}
	if err := o.Speak(context.Background(), Request{Text: "Two.", Rate: 2}); err != nil {
		t.Fatal(err)
	}
	enqs := sink.enqueues()
	if enqs[0].PlaybackRate != 1.5 || enqs[1].PlaybackRate != 2 {
		t.Errorf("rates = %v, %v", enqs[0].PlaybackRate, enqs[1].PlaybackRate)
	}
	if o.Rate() != 2 {
		t.Errorf("Rate() = %v", o.Rate())
	}
}

func TestEmptyText(t *testing.T) {
	fs := newFakeSynth()
	sink := newEngineSink(t)
	events := newEventLog()
	o := newOrchestrator(fs, sink, events)

	for _, text := range []string{"", "  \n ", "\t"} {
		if err := o.Speak(context.Background(), Request{Text: text}); err != nil {
			t.Fatalf("Speak(%q) = %v, want nil", text, err)
		}
	}
	if o.Epoch() != 0 {
		t.Errorf("epoch bumped to %d for an empty request", o.Epoch())
	}
	if fs.callCount() != 0 || len(sink.commands()) != 0 {
		t.Errorf("empty request reached synth (%d) or sink (%d)", fs.callCount(), len(sink.commands()))
	}
	if got := events.stages(0); !equal(got, []string{"start", "done", "start", "done", "start", "done"}) {
		t.Errorf("stages = %v", got)
	}
	for _, e := range events.all() {
		if e.Chunks != 0 || e.Total != 0 {
			t.Errorf("event %+v reports chunks", e)
		}
	}
}

func TestEmptyTextLeavesCurrentRequest(t *testing.T) {
	fs := newFakeSynth()
	gate := make(chan struct{})
	fs.gates["Alpha two."] = gate
	sink := newEngineSink(t)
	o := newOrchestrator(fs, sink, newEventLog())

	done := make(chan error, 1)
	go func() { done <- o.Speak(context.Background(), Request{Text: threeChunks}) }()
	for text := range fs.started {
		if text == "Alpha two." {
			break
		}
	}

	if err := o.Speak(context.Background(), Request{Text: " "}); err != nil {
		t.Fatal(err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := len(sink.enqueues()); n != 3 {
		t.Errorf("enqueued %d chunks, want 3", n)
	}
	if o.Epoch() != 1 {
		t.Errorf("epoch = %d", o.Epoch())
	}
}

// stallSink blocks the first enqueue until its context is cancelled.
type stallSink struct {
	entered chan struct{}
	once    sync.Once
}

func (s *stallSink) Send(ctx context.Context, cmd protocol.SurfaceCommand) error {
	if _, ok := cmd.(protocol.Enqueue); !ok {
		return nil
	}
	stall := false
	s.once.Do(func() { stall = true })
	if !stall {
		return nil
	}
	close(s.entered)
	<-ctx.Done()
	return ctx.Err()
}

func TestStopDoesNotWaitForSlowSend(t *testing.T) {
	tests := []struct {
		name      string
		interrupt func(o *Orchestrator) error
		wantEpoch uint64
	}{
		{"stop", func(o *Orchestrator) error { o.Stop(); return nil }, 2},
		{"new request", func(o *Orchestrator) error {
			return o.Speak(context.Background(), Request{Text: "Beta."})
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &stallSink{entered: make(chan struct{})}
			o := newOrchestrator(newFakeSynth(), sink, newEventLog())

			first := make(chan error, 1)
			go func() { first <- o.Speak(context.Background(), Request{Text: threeChunks}) }()
			<-sink.entered

			second := make(chan error, 1)
			go func() { second <- tt.interrupt(o) }()
			select {
			case err := <-second:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("interrupt waited for the blocked send")
			}
			if err := <-first; err != nil {
				t.Errorf("abandoned request returned %v", err)
			}
			if o.Epoch() != tt.wantEpoch {
				t.Errorf("epoch = %d, want %d", o.Epoch(), tt.wantEpoch)
			}
		})
	}
}

func TestStopBumpsEpoch(t *testing.T) {
	o := newOrchestrator(newFakeSynth(), newEngineSink(t), newEventLog())
	o.Stop()
	o.Stop()
	if o.Epoch() != 2 {
		t.Errorf("epoch = %d", o.Epoch())
	}
}

func TestCacheServesRepeats(t *testing.T) {
	c, err := cache.NewManager(cache.Config{MemoryCapacity: 1 << 20}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fs := newFakeSynth()
	sink := newEngineSink(t)
	o := New(Config{Synth: fs, Sink: sink, Cache: c, Logger: quiet, ChunkMaxLen: 14})

	for range 2 {
		if err := o.Speak(context.Background(), Request{Text: threeChunks}); err != nil {
			t.Fatal(err)
		}
	}
	if n := fs.callCount(); n != 3 {
		t.Errorf("synth called %d times, want 3", n)
	}
	if n := len(sink.enqueues()); n != 6 {
		t.Errorf("enqueued %d, want 6", n)
	}
	if hits := c.Stats()[cache.LevelMemory].Hits; hits != 3 {
		t.Errorf("memory hits = %d", hits)
	}
}

func TestServerURLAndHistory(t *testing.T) {
	store, err := history.Open(context.Background(), history.Config{Path: filepath.Join(t.TempDir(), "h.db")}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	fs := newFakeSynth()
	fs.fail["Broken."] = &synth.SynthesisError{Status: 400, Body: "bad speaker"}
	o := New(Config{Synth: fs, Sink: newEngineSink(t), History: store, Logger: quiet})

	if err := o.Speak(context.Background(), Request{Text: "Fine.", Source: "text:Fine.", ServerURL: "http://tts.local:9000"}); err != nil {
		t.Fatal(err)
	}
	if fs.serverURL != "http://tts.local:9000" {
		t.Errorf("server url = %q", fs.serverURL)
	}
	if err := o.Speak(context.Background(), Request{Text: "Broken."}); err == nil {
		t.Fatal("expected failure")
	}

	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Outcome != history.OutcomeFailed || entries[0].Error == "" {
		t.Errorf("failed entry = %+v", entries[0])
	}
	if entries[1].Outcome != history.OutcomeDone || entries[1].Chunks != 1 || entries[1].Source != "text:Fine." {
		t.Errorf("done entry = %+v", entries[1])
	}
}
