package ui

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/playback"
	"github.com/dgnsrekt/readaloud/internal/protocol"
)

// ErrEventsClosed is returned when the event stream ends before the request.
var ErrEventsClosed = errors.New("event stream closed")

// RunHeadless issues the configured speak request and logs its progress
// until everything it produced has played. Cancelling ctx stops playback.
func RunHeadless(ctx context.Context, cfg Config, remote Remote, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.SpeakTimeout <= 0 {
		cfg.SpeakTimeout = time.Hour
	}

	status := NewStatusDisplay()
	replies := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, cfg.SpeakTimeout)
		defer cancel()
		replies <- remote.Send(sctx, cfg.Speak)
	}()

	started := time.Now()
	replied := false
	last := status.State()
	events := remote.Events()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()
			if err := remote.Send(sctx, protocol.Stop{}); err != nil {
				logger.Warn("stop failed", "error", err)
			}
			return ctx.Err()

		case err := <-replies:
			if err != nil {
				return err
			}
			replied = true
			replies = nil

		case ev, ok := <-events:
			if !ok {
				return ErrEventsClosed
			}
			status.Update(ev)
			logEvent(logger, ev)
			if st := status.State(); st != last {
				logger.Debug("playback state", "state", st)
				last = st
			}
			if status.Finished() && status.Error() != "" {
				return errors.New(status.Error())
			}
		}

		if replied && status.Finished() {
			logger.Info("finished", "elapsed", time.Since(started).Round(time.Millisecond))
			return nil
		}
	}
}

func logEvent(logger *log.Logger, ev protocol.Event) {
	switch m := ev.(type) {
	case protocol.Progress:
		switch m.Stage {
		case protocol.StageStart:
			logger.Info("synthesizing", "chunks", m.Chunks, "epoch", m.RequestEpoch)
		case protocol.StageChunk:
			logger.Debug("chunk ready", "index", m.Index, "total", m.Total, "seconds", m.DurationSec)
		case protocol.StageDone:
			logger.Info("synthesis complete", "chunks", m.Total)
		case protocol.StageStopped:
			if m.Error != "" {
				logger.Error("request stopped", "error", m.Error)
				return
			}
			logger.Info("request stopped")
		}
	case protocol.PlaybackProgress:
		if m.State == playback.StatusDone.String() {
			logger.Debug("playback drained", "played", m.PlayedSec, "total", m.TotalSec)
		}
	}
}
