// Package surface hosts the audio-rendering context and keeps it reachable.
//
// A Surface owns a playback engine and answers surface commands on the bus.
// Its host may tear it down at any time; Manager recreates it on demand.
package surface

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/playback"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/transport"
)

// Surface is one live rendering context.
type Surface struct {
	id     string
	bus    *transport.Bus
	engine *playback.Engine
	sub    *transport.Subscription
	logger *log.Logger

	closeOnce sync.Once
}

// Options tunes a new Surface.
type Options struct {
	Subject      string
	EventSubject string
	Rate         float64
	Logger       *log.Logger
}

// New starts a surface that plays through renderer and serves commands on
// opts.Subject.
func New(bus *transport.Bus, renderer audio.Renderer, opts Options) (*Surface, error) {
	if opts.Subject == "" {
		opts.Subject = protocol.SubjectSurface
	}
	if opts.EventSubject == "" {
		opts.EventSubject = protocol.SubjectProgress
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	s := &Surface{
		id:  uuid.NewString(),
		bus: bus,
	}
	s.logger = opts.Logger.With("component", "surface", "instance", s.id[:8])
	s.engine = playback.NewEngine(playback.Config{
		Renderer: renderer,
		Logger:   opts.Logger,
		Rate:     opts.Rate,
		Listener: func(st playback.State) {
			ev := protocol.PlaybackProgress{
				PlayedSec:    st.PlayedSec,
				TotalSec:     st.TotalSec,
				State:        st.Status.String(),
				RequestEpoch: st.Epoch,
				PlaybackRate: st.PlaybackRate,
			}
			if err := bus.Publish(opts.EventSubject, ev); err != nil {
				s.logger.Debug("progress not published", "error", err)
			}
		},
	})

	sub, err := bus.Handle(opts.Subject, s.handle)
	if err != nil {
		s.engine.Close()
		return nil, fmt.Errorf("serve surface: %w", err)
	}
	s.sub = sub
	s.logger.Debug("surface created")
	return s, nil
}

// ID is the instance id reported by ping.
func (s *Surface) ID() string { return s.id }

// Engine exposes the playback engine for inspection.
func (s *Surface) Engine() *playback.Engine { return s.engine }

// Close stops answering commands and silences playback.
func (s *Surface) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.sub.Unsubscribe()
		s.engine.Close()
		s.logger.Debug("surface closed")
	})
	return err
}

func (s *Surface) handle(data []byte) protocol.Reply {
	cmd, err := protocol.DecodeSurfaceCommand(data)
	if err != nil {
		s.logger.Warn("ignoring message", "error", err)
		return protocol.Fail(err)
	}

	switch cmd := cmd.(type) {
	case protocol.Enqueue:
		if current := s.engine.Snapshot().Epoch; cmd.RequestEpoch != 0 && cmd.RequestEpoch < current {
			s.logger.Debug("dropping stale unit", "epoch", cmd.RequestEpoch, "current", current)
			return protocol.OK()
		}
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
	case protocol.PausePlayback:
		s.engine.Pause()
	case protocol.ResumePlayback:
		s.engine.Resume()
	case protocol.SetRate:
		if err := s.engine.SetPlaybackRate(cmd.Rate); err != nil {
			return protocol.Fail(err)
		}
	case protocol.Ping:
		return protocol.Reply{OK: true, Instance: s.id}
	}
	return protocol.OK()
}
