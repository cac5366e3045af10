// Package coordinator is the background context: it receives control
// messages, gathers source text and hands requests to the orchestrator.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/orchestrator"
	"github.com/dgnsrekt/readaloud/internal/page"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

// Playback rate bounds accepted from the control surface.
const (
	MinRate = 0.25
	MaxRate = 4.0
)

// ErrInvalidRate is returned for a rate outside [MinRate, MaxRate].
var ErrInvalidRate = fmt.Errorf("playback rate must be between %g and %g", MinRate, MaxRate)

// Sink delivers commands to the rendering surface.
type Sink interface {
	Send(ctx context.Context, cmd protocol.SurfaceCommand) error
}

// Defaults fill in what a speak message leaves out.
type Defaults struct {
	ServerURL   string
	ChunkMaxLen int
	Voice       protocol.VoiceParams
}

// Config wires a Service.
type Config struct {
	Bus          *transport.Bus
	Orchestrator *orchestrator.Orchestrator
	Surface      Sink
	Events       func(protocol.Progress)
	Defaults     Defaults
	Logger       *log.Logger

	// ControlSubject and PageSubject override the protocol defaults.
	ControlSubject string
	PageSubject    string

	// PageRetries bounds how often an absent page accessor is asked again.
	PageRetries    int
	PageRetryDelay time.Duration
}

// Service dispatches control messages.
type Service struct {
	cfg    Config
	orch   *orchestrator.Orchestrator
	logger *log.Logger

	defaultsMu sync.RWMutex
	defaults   Defaults

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *transport.Subscription
}

// New creates a Service. Start subscribes it to the bus.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Events == nil {
		cfg.Events = func(protocol.Progress) {}
	}
	if cfg.ControlSubject == "" {
		cfg.ControlSubject = protocol.SubjectControl
	}
	if cfg.PageSubject == "" {
		cfg.PageSubject = protocol.SubjectPage
	}
	if cfg.PageRetries <= 0 {
		cfg.PageRetries = 3
	}
	if cfg.PageRetryDelay <= 0 {
		cfg.PageRetryDelay = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		orch:     cfg.Orchestrator,
		logger:   cfg.Logger.With("component", "coordinator"),
		defaults: cfg.Defaults,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the control subject.
func (s *Service) Start() error {
	sub, err := s.cfg.Bus.HandleAsync(s.cfg.ControlSubject, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Debug("coordinator listening", "subject", s.cfg.ControlSubject)
	return nil
}

// Close stops listening, abandons the running request and waits for it.
func (s *Service) Close() error {
	err := s.sub.Unsubscribe()
	s.orch.Stop()
	s.cancel()
	s.wg.Wait()
	return err
}

// Defaults returns the values applied to speak messages that omit them.
func (s *Service) Defaults() Defaults {
	s.defaultsMu.RLock()
	defer s.defaultsMu.RUnlock()
	return s.defaults
}

// SetDefaults replaces the speak defaults. Running requests keep theirs.
func (s *Service) SetDefaults(d Defaults) {
	s.defaultsMu.Lock()
	s.defaults = d
	s.defaultsMu.Unlock()
	s.logger.Debug("defaults updated", "server", d.ServerURL, "chunk_max_len", d.ChunkMaxLen)
}

func (s *Service) handle(data []byte, respond func(protocol.Reply)) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		s.logger.Warn("ignoring message", "error", err)
		respond(protocol.Fail(err))
		return
	}

	// Speak replies when the request ends, so it must not hold up stop and
	// pause on this subscription.
	if sp, ok := msg.(protocol.Speak); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			respond(protocol.Fail(s.speak(s.ctx, sp)))
		}()
		return
	}
	respond(protocol.Fail(s.Dispatch(s.ctx, msg)))
}

// Dispatch executes one control message. Speak blocks until the request
// ends.
func (s *Service) Dispatch(ctx context.Context, msg protocol.Control) error {
	switch m := msg.(type) {
	case protocol.Speak:
		return s.speak(ctx, m)
	case protocol.Stop:
		s.orch.Stop()
		return s.send(ctx, protocol.StopPlayback{})
	case protocol.Pause:
		return s.send(ctx, protocol.PausePlayback{})
	case protocol.Resume:
		return s.send(ctx, protocol.ResumePlayback{})
	case protocol.SetPlaybackRate:
		if err := validateRate(m.Rate); err != nil {
			return err
		}
		s.orch.SetRate(m.Rate)
		return s.send(ctx, protocol.SetRate{Rate: m.Rate})
	case protocol.Ping:
		return nil
	}
	return fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, msg.MessageType())
}

func (s *Service) send(ctx context.Context, cmd protocol.SurfaceCommand) error {
	if err := s.cfg.Surface.Send(ctx, cmd); err != nil {
		s.logger.Warn("surface command failed", "type", cmd.MessageType(), "error", err)
		return err
	}
	return nil
}

func validateRate(rate float64) error {
	if rate < MinRate || rate > MaxRate {
		return fmt.Errorf("%w (got %g)", ErrInvalidRate, rate)
	}
	return nil
}

func (s *Service) speak(ctx context.Context, m protocol.Speak) error {
	if m.PlaybackRate != 0 {
		if err := validateRate(m.PlaybackRate); err != nil {
			return err
		}
	}

	defaults := s.Defaults()
	voiceParams := m.Voice
	if voiceParams == (protocol.VoiceParams{}) {
		voiceParams = defaults.Voice
	}
	voice, err := voiceParams.Voice()
	if err != nil {
		return orchestrator.NewRequestError(orchestrator.KindInvalidRequest, err)
	}

	text := m.SourceText
	if text == "" && m.Source != "" {
		before := s.orch.Epoch()
		text, err = s.pageText(ctx, m.Source)
		if err != nil {
			s.cfg.Events(protocol.Progress{Stage: protocol.StageStopped, Error: err.Error()})
			return err
		}
		if s.orch.Epoch() != before {
			s.logger.Debug("request abandoned while reading source", "source", m.Source)
			return nil
		}
	}

	serverURL := m.ServerURL
	if serverURL == "" {
		serverURL = defaults.ServerURL
	}
	chunkMaxLen := m.ChunkMaxLen
	if chunkMaxLen <= 0 {
		chunkMaxLen = defaults.ChunkMaxLen
	}

	return s.orch.Speak(ctx, orchestrator.Request{
		Text:        text,
		Source:      m.Source,
		ServerURL:   serverURL,
		ChunkMaxLen: chunkMaxLen,
		Voice:       voice,
		Rate:        m.PlaybackRate,
	})
}

// pageText asks the page accessor for the text behind source, retrying a
// bounded number of times while no accessor answers.
func (s *Service) pageText(ctx context.Context, source string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.PageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.PageRetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		r, err := s.cfg.Bus.Request(ctx, s.cfg.PageSubject, protocol.GetText{Source: source})
		if err == nil {
			if !r.OK {
				return "", orchestrator.NewRequestError(orchestrator.KindPageAccess, errors.New(r.Error))
			}
			return r.Text, nil
		}
		if !errors.Is(err, transport.ErrReceiverAbsent) {
			return "", orchestrator.NewRequestError(orchestrator.KindPageAccess, err)
		}
		lastErr = err
		s.logger.Debug("page accessor absent", "attempt", attempt+1)
	}
	return "", orchestrator.NewRequestError(orchestrator.KindPageAccess,
		&page.AccessError{Source: source, Err: fmt.Errorf("%w: %v", page.ErrUnavailable, lastErr)})
}
