// Package orchestrator drives speak requests: it segments the text,
// synthesizes each chunk in order and forwards the audio to the rendering
// surface, abandoning all of it as soon as a newer request epoch begins.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/history"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/segment"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/telemetry"
	"github.com/dgnsrekt/readaloud/internal/wav"
)

// Synthesizer renders one chunk of text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice synth.Voice) ([]byte, error)
}

// serverSetter is implemented by synthesizers whose endpoint can change per
// request.
type serverSetter interface {
	SetServerURL(url string)
}

// Sink delivers commands to the rendering surface.
type Sink interface {
	Send(ctx context.Context, cmd protocol.SurfaceCommand) error
}

// Config wires an Orchestrator. Cache, History and Telemetry are optional.
type Config struct {
	Synth     Synthesizer
	Sink      Sink
	Events    func(protocol.Progress)
	Cache     *cache.Manager
	History   *history.Store
	Telemetry *telemetry.Telemetry
	Logger    *log.Logger

	// ChunkMaxLen applies when a request does not set one.
	ChunkMaxLen int

	// Rate is the initial playback rate.
	Rate float64
}

// Request is one speak invocation.
type Request struct {
	Text        string
	Source      string
	ServerURL   string
	ChunkMaxLen int
	Voice       synth.Voice
	Rate        float64
}

// Orchestrator owns the request epoch. Only one request is current at a
// time; starting another or calling Stop abandons it.
type Orchestrator struct {
	synth  Synthesizer
	sink   Sink
	events func(protocol.Progress)
	cache  *cache.Manager
	hist   *history.Store
	tel    *telemetry.Telemetry
	logger *log.Logger
	maxLen int

	// cancelMu guards cancel and is taken before mu. Cancelling first lets
	// a send blocked under mu return before the epoch bump waits for it.
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	// mu guards the fields below and is held across every epoch-checked
	// send so no bump can interleave with one.
	mu     sync.Mutex
	epoch  uint64
	latest uint64 // epoch of the most recent Speak
	rate   float64
}

// New creates an Orchestrator at epoch 0.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Events == nil {
		cfg.Events = func(protocol.Progress) {}
	}
	if cfg.ChunkMaxLen <= 0 {
		cfg.ChunkMaxLen = segment.DefaultMaxLen
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	return &Orchestrator{
		synth:  cfg.Synth,
		sink:   cfg.Sink,
		events: cfg.Events,
		cache:  cfg.Cache,
		hist:   cfg.History,
		tel:    cfg.Telemetry,
		logger: cfg.Logger.With("component", "orchestrator"),
		maxLen: cfg.ChunkMaxLen,
		rate:   cfg.Rate,
	}
}

// Epoch returns the current request epoch.
func (o *Orchestrator) Epoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

// Rate returns the rate applied to future enqueues.
func (o *Orchestrator) Rate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rate
}

// SetRate changes the rate applied to future enqueues.
func (o *Orchestrator) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	o.mu.Lock()
	o.rate = rate
	o.mu.Unlock()
}

// Stop abandons the current request and cancels its network calls. Playback
// is not touched.
func (o *Orchestrator) Stop() {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	o.swapCancelLocked(nil)

	o.mu.Lock()
	o.epoch++
	o.mu.Unlock()
}

// swapCancelLocked cancels the current request's context and installs next.
// cancelMu must be held.
func (o *Orchestrator) swapCancelLocked(next context.CancelFunc) {
	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = next
}

// Speak reads req.Text aloud. It returns once every chunk has been handed to
// the surface, or the request was abandoned (nil), or a request-level failure
// occurred (*RequestError). Text that normalizes to nothing is a completed
// request with zero chunks.
func (o *Orchestrator) Speak(ctx context.Context, req Request) error {
	if segment.Normalize(req.Text) == "" {
		o.skipEmpty(req)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.cancelMu.Lock()
	o.swapCancelLocked(cancel)
	o.mu.Lock()
	o.epoch++
	epoch := o.epoch
	o.latest = epoch
	if req.Rate > 0 {
		o.rate = req.Rate
	}
	o.mu.Unlock()
	o.cancelMu.Unlock()

	if req.ServerURL != "" {
		if s, ok := o.synth.(serverSetter); ok {
			s.SetServerURL(req.ServerURL)
		}
	}

	r := &run{
		o:      o,
		req:    req,
		epoch:  epoch,
		logger: o.logger.With("epoch", epoch),
	}
	return r.do(ctx)
}

// skipEmpty completes a request with nothing to read. The current epoch and
// playback are left alone.
func (o *Orchestrator) skipEmpty(req Request) {
	epoch := o.Epoch()
	o.logger.Debug("nothing to read", "request", req)
	o.events(protocol.Progress{Stage: protocol.StageStart, RequestEpoch: epoch})
	o.events(protocol.Progress{Stage: protocol.StageDone, RequestEpoch: epoch})
	o.tel.RequestFinished(context.Background(), string(history.OutcomeDone))
}

// current reports whether epoch is still the live one.
func (o *Orchestrator) current(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch == epoch
}

// superseded reports whether a newer Speak has started since epoch.
func (o *Orchestrator) superseded(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest != epoch
}

// sendCurrent delivers cmd only while epoch is current. The rate for an
// enqueue is read under the same lock.
func (o *Orchestrator) sendCurrent(ctx context.Context, epoch uint64, cmd protocol.SurfaceCommand) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return ErrSuperseded
	}
	if enq, ok := cmd.(protocol.Enqueue); ok {
		enq.PlaybackRate = o.rate
		cmd = enq
	}
	return o.sink.Send(ctx, cmd)
}

// run is the state of one Speak call.
type run struct {
	o      *Orchestrator
	req    Request
	epoch  uint64
	logger *log.Logger

	histID   int64
	total    int
	enqueued int
	skipped  int
}

func (r *run) do(ctx context.Context) error {
	o := r.o
	ctx, span := o.tel.StartSpan(ctx, "speak", attribute.Int64("epoch", int64(r.epoch)))
	defer span.End()

	voice := r.req.Voice
	if voice == nil {
		voice = synth.Builtin{}
	}
	r.begin(ctx, voice)
	r.logger.Info("speaking", "request", r.req)

	err := r.loop(ctx, voice)

	outcome := history.OutcomeDone
	switch {
	case err == nil:
		if r.o.current(r.epoch) {
			o.events(protocol.Progress{Stage: protocol.StageDone, RequestEpoch: r.epoch, Total: r.total})
			r.logger.Info("request complete", "chunks", r.enqueued, "skipped", r.skipped)
			break
		}
		fallthrough
	case IsCancelled(err):
		outcome = history.OutcomeStopped
		err = nil
		if !o.superseded(r.epoch) {
			o.events(protocol.Progress{Stage: protocol.StageStopped, RequestEpoch: r.epoch, Total: r.total})
		}
		r.logger.Debug("request abandoned", "enqueued", r.enqueued)
	default:
		outcome = history.OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !o.superseded(r.epoch) {
			o.events(protocol.Progress{Stage: protocol.StageStopped, RequestEpoch: r.epoch, Total: r.total, Error: err.Error()})
		}
		r.logger.Error("request failed", "error", err)
	}

	r.finish(outcome, err)
	return err
}

func (r *run) loop(ctx context.Context, voice synth.Voice) error {
	o := r.o
	if err := o.sendCurrent(ctx, r.epoch, protocol.Reset{RequestEpoch: r.epoch}); err != nil {
		return r.sendErr(ctx, err)
	}

	maxLen := r.req.ChunkMaxLen
	if maxLen <= 0 {
		maxLen = o.maxLen
	}
	chunks := segment.Split(r.req.Text, maxLen)
	r.total = len(chunks)
	if !o.current(r.epoch) {
		return ErrSuperseded
	}
	o.events(protocol.Progress{Stage: protocol.StageStart, RequestEpoch: r.epoch, Chunks: len(chunks)})

	voiceKey := r.req.ServerURL + "|" + synth.VoiceKey(voice)
	for _, c := range chunks {
		if !o.current(r.epoch) {
			return ErrSuperseded
		}

		audio, err := r.audio(ctx, c, voice, voiceKey)
		if err != nil {
			if ctx.Err() != nil || IsCancelled(err) {
				return ErrSuperseded
			}
			return NewRequestError(KindSynthesis, err)
		}
		if !o.current(r.epoch) {
			return ErrSuperseded
		}

		info := wav.Inspect(audio)
		if !info.Valid {
			r.skipped++
			r.logger.Warn("skipping chunk with unreadable audio", "chunk", c.Index, "reason", info.Reason)
			continue
		}
		duration, _ := info.Duration()

		enq := protocol.Enqueue{AudioBytes: audio, DurationSec: duration, RequestEpoch: r.epoch}
		if err := o.sendCurrent(ctx, r.epoch, enq); err != nil {
			return r.sendErr(ctx, err)
		}
		r.enqueued++
		o.events(protocol.Progress{
			Stage:        protocol.StageChunk,
			RequestEpoch: r.epoch,
			Index:        c.Index + 1,
			Total:        c.Total,
			DurationSec:  duration,
		})
	}
	return nil
}

// audio returns the rendered chunk from the cache or the service.
func (r *run) audio(ctx context.Context, c segment.Chunk, voice synth.Voice, voiceKey string) ([]byte, error) {
	o := r.o
	key := cache.Key(c.Text, voiceKey)
	if o.cache != nil {
		if b, level, ok := o.cache.Get(key); ok {
			o.tel.CacheHit(ctx, level.String())
			r.logger.Debug("cache hit", "chunk", c.Index, "level", level)
			return b, nil
		}
	}

	ctx, span := o.tel.StartSpan(ctx, "synthesize",
		attribute.Int("chunk", c.Index),
		attribute.Int("chars", len(c.Text)))
	defer span.End()

	start := time.Now()
	b, err := o.synth.Synthesize(ctx, c.Text, voice)
	if IsCancelled(err) {
		return nil, err
	}
	o.tel.Synthesized(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if o.cache != nil && wav.Inspect(b).Valid {
		if err := o.cache.Put(key, b); err != nil {
			r.logger.Debug("cache put failed", "error", err)
		}
	}
	return b, nil
}

func (r *run) sendErr(ctx context.Context, err error) error {
	if errors.Is(err, ErrSuperseded) || ctx.Err() != nil {
		return ErrSuperseded
	}
	return NewRequestError(KindTransport, err)
}

func (r *run) begin(ctx context.Context, voice synth.Voice) {
	if r.o.hist == nil {
		return
	}
	id, err := r.o.hist.Begin(ctx, history.Entry{
		RequestID: uuid.NewString(),
		Epoch:     r.epoch,
		Source:    r.req.Source,
		Voice:     synth.VoiceKey(voice),
	})
	if err != nil {
		r.logger.Warn("failed to journal request", "error", err)
	}
	r.histID = id
}

func (r *run) finish(outcome history.Outcome, err error) {
	r.o.tel.RequestFinished(context.Background(), string(outcome))
	if r.o.hist == nil {
		return
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if herr := r.o.hist.Finish(context.Background(), r.histID, outcome, r.enqueued, errText); herr != nil {
		r.logger.Warn("failed to journal outcome", "error", herr)
	}
}

// String describes the request for logs.
func (req Request) String() string {
	src := req.Source
	if src == "" {
		src = "inline"
	}
	return fmt.Sprintf("%s (%d chars)", src, len([]rune(req.Text)))
}
