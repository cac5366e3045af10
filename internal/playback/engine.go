// Package playback owns the ordered queue of synthesized units and plays
// them back to back, tracking elapsed and total seconds across unit
// boundaries for the current request epoch.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/readaloud/internal/audio"
)

// ProgressInterval is the minimum spacing of periodic progress snapshots.
// State transitions are reported immediately regardless.
const ProgressInterval = 200 * time.Millisecond

// ErrInvalidRate is returned for a non-positive playback rate.
var ErrInvalidRate = errors.New("playback rate must be positive")

// Config configures an Engine.
type Config struct {
	Renderer audio.Renderer
	Listener Listener
	Logger   *log.Logger

	// Rate is the initial playback rate (default 1).
	Rate float64

	// ProgressInterval overrides the periodic snapshot spacing.
	ProgressInterval time.Duration
}

// Engine plays units strictly in enqueue order. All methods are safe for
// concurrent use.
type Engine struct {
	renderer audio.Renderer
	logger   *log.Logger
	notify   *notifier
	limiter  *rate.Limiter

	mu      sync.Mutex
	epoch   uint64
	status  Status
	played  float64
	total   float64
	skipped float64 // known seconds of units that failed to render
	rate    float64
	queue   []*Unit
	current *active

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// active is the unit currently bound to a track.
type active struct {
	unit  *Unit
	track audio.Track
	quit  chan struct{}
}

// NewEngine creates an idle engine bound to epoch 0.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = ProgressInterval
	}
	if cfg.Listener == nil {
		cfg.Listener = func(State) {}
	}

	e := &Engine{
		renderer: cfg.Renderer,
		logger:   cfg.Logger.With("component", "playback"),
		notify:   newNotifier(cfg.Listener),
		limiter:  rate.NewLimiter(rate.Every(cfg.ProgressInterval), 1),
		rate:     cfg.Rate,
		stop:     make(chan struct{}),
	}

	e.wg.Add(1)
	go e.tick(cfg.ProgressInterval / 4)
	return e
}

// Reset abandons everything and binds the engine to epoch.
func (e *Engine) Reset(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked(epoch)
}

// Enqueue appends u to the queue. A unit from another epoch first resets the
// engine to that epoch.
func (e *Engine) Enqueue(u Unit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if u.Epoch != 0 && u.Epoch != e.epoch {
		e.logger.Debug("enqueue for new epoch", "from", e.epoch, "to", u.Epoch)
		e.resetLocked(u.Epoch)
	}
	if u.PlaybackRate <= 0 {
		u.PlaybackRate = e.rate
	}
	if u.DurationSec > 0 {
		e.total += u.DurationSec
	}
	e.queue = append(e.queue, &u)

	if e.current == nil && e.status != StatusPaused {
		e.startNextLocked()
		return
	}
	e.emitLocked()
}

// Pause suspends the current unit. Pausing twice is harmless.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusPaused {
		return
	}
	if e.current != nil {
		if err := e.current.track.Pause(); err != nil {
			e.logger.Warn("pause failed", "err", err)
		}
	}
	e.status = StatusPaused
	e.emitLocked()
}

// Resume continues the current unit, or starts the head of the queue.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.current != nil:
		if e.status == StatusPlaying {
			return
		}
		if err := e.current.track.Play(); err != nil {
			e.logger.Warn("resume failed", "err", err)
			e.discardLocked(err)
			e.startNextLocked()
			return
		}
		e.status = StatusPlaying
		e.emitLocked()
	case len(e.queue) > 0:
		e.startNextLocked()
	default:
		e.settleLocked()
		e.emitLocked()
	}
}

// Stop empties the queue, drops the current unit without crediting it and
// zeroes the counters.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()
	e.status = StatusStopped
	e.emitLocked()
}

// SetPlaybackRate applies rate to the current track and every queued unit.
// Elapsed time is measured in media seconds, so it is unaffected.
func (e *Engine) SetPlaybackRate(r float64) error {
	if r <= 0 {
		return ErrInvalidRate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rate = r
	for _, u := range e.queue {
		u.PlaybackRate = r
	}
	if e.current != nil {
		e.current.unit.PlaybackRate = r
		if err := e.current.track.SetRate(r); err != nil {
			e.logger.Warn("set rate failed", "err", err)
		}
	}
	e.emitLocked()
	return nil
}

// Snapshot returns the current state, including the progress of the
// rendering unit.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Units lists the current unit (if any) followed by the queue.
func (e *Engine) Units() []UnitInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []UnitInfo
	if e.current != nil {
		out = append(out, UnitInfo{
			DurationSec:  e.current.unit.DurationSec,
			PlaybackRate: e.current.unit.PlaybackRate,
			Current:      true,
		})
	}
	for _, u := range e.queue {
		out = append(out, UnitInfo{DurationSec: u.DurationSec, PlaybackRate: u.PlaybackRate})
	}
	return out
}

// Close stops playback and releases the engine's goroutines. The listener
// receives every snapshot emitted before Close returns.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.clearLocked()
		e.mu.Unlock()

		close(e.stop)
		e.wg.Wait()
		e.notify.close()
	})
	return nil
}

func (e *Engine) resetLocked(epoch uint64) {
	e.clearLocked()
	e.epoch = epoch
	e.status = StatusIdle
	e.emitLocked()
}

// clearLocked drops the current unit and the queue and zeroes the counters.
func (e *Engine) clearLocked() {
	if e.current != nil {
		e.closeCurrentLocked()
	}
	e.queue = nil
	e.played, e.total, e.skipped = 0, 0, 0
}

func (e *Engine) closeCurrentLocked() {
	close(e.current.quit)
	if err := e.current.track.Close(); err != nil {
		e.logger.Debug("close track", "err", err)
	}
	e.current = nil
}

// startNextLocked opens units from the head of the queue until one plays.
func (e *Engine) startNextLocked() {
	for len(e.queue) > 0 {
		u := e.queue[0]
		e.queue = e.queue[1:]

		track, err := e.renderer.Open(u.Audio, u.PlaybackRate)
		if err != nil {
			e.logger.Warn("skipping unit that failed to open", "err", err)
			e.skipped += u.DurationSec
			continue
		}
		if u.DurationSec <= 0 {
			// Learn the duration from the decoder so totals stay consistent.
			if d := track.Duration(); d > 0 {
				u.DurationSec = d
				e.total += d
			}
		}

		if err := track.Play(); err != nil {
			e.logger.Warn("skipping unit that failed to play", "err", err)
			_ = track.Close()
			e.skipped += u.DurationSec
			continue
		}

		a := &active{unit: u, track: track, quit: make(chan struct{})}
		e.current = a
		e.status = StatusPlaying
		e.emitLocked()

		e.wg.Add(1)
		go e.watch(a)
		return
	}
	e.settleLocked()
	e.emitLocked()
}

// settleLocked picks the resting status once nothing is rendering.
func (e *Engine) settleLocked() {
	switch {
	case e.total > 0 && e.played+e.skipped >= e.total-Epsilon:
		e.status = StatusDone
	case e.total == 0 && len(e.queue) == 0 && e.status != StatusBuffering:
		e.status = StatusIdle
	default:
		e.status = StatusBuffering
	}
}

func (e *Engine) watch(a *active) {
	defer e.wg.Done()

	select {
	case err := <-a.track.Done():
		e.finish(a, err)
	case <-a.quit:
	case <-e.stop:
	}
}

// finish handles the end of a track. Tracks that are no longer current
// (reset, stopped or superseded) are ignored. A paused engine credits the
// unit and stays paused.
func (e *Engine) finish(a *active, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != a {
		return
	}
	if err != nil {
		e.logger.Warn("render failed, skipping unit", "err", err)
		e.discardLocked(err)
	} else {
		e.played += a.track.Duration()
		if e.total > 0 && e.played > e.total {
			e.played = e.total
		}
		e.closeCurrentLocked()
	}

	// A pause that landed while the track was ending holds the queue;
	// Resume starts the head.
	if e.status == StatusPaused {
		e.emitLocked()
		return
	}
	e.status = StatusBuffering
	e.emitLocked()
	e.startNextLocked()
}

// discardLocked drops the current unit without credit.
func (e *Engine) discardLocked(err error) {
	e.logger.Debug("discarding unit", "err", err)
	e.skipped += e.current.unit.DurationSec
	e.closeCurrentLocked()
}

func (e *Engine) snapshotLocked() State {
	played := e.played
	if e.current != nil {
		pos := e.current.track.Position()
		if d := e.current.unit.DurationSec; d > 0 && pos > d {
			pos = d
		}
		played += pos
	}
	if e.total > 0 && played > e.total+Epsilon {
		played = e.total
	}
	return State{
		Status:       e.status,
		PlayedSec:    played,
		TotalSec:     e.total,
		Epoch:        e.epoch,
		PlaybackRate: e.rate,
		Queued:       len(e.queue),
	}
}

func (e *Engine) emitLocked() {
	e.notify.push(e.snapshotLocked())
}

// tick emits throttled progress while a unit is playing.
func (e *Engine) tick(every time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
		e.mu.Lock()
		if e.status == StatusPlaying && e.limiter.Allow() {
			e.emitLocked()
		}
		e.mu.Unlock()
	}
}
