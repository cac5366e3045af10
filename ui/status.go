package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/dgnsrekt/readaloud/internal/playback"
	"github.com/dgnsrekt/readaloud/internal/protocol"
)

// StatusDisplay folds progress and playback events into what the control
// surface shows. Events from requests older than the latest start are
// ignored.
type StatusDisplay struct {
	state playback.Status
	stage string
	epoch uint64

	chunk    int
	chunks   int
	expected float64 // seconds of audio announced by chunk events

	played float64
	total  float64
	rate   float64

	errorMessage string
}

// NewStatusDisplay creates a new status display.
func NewStatusDisplay() *StatusDisplay {
	return &StatusDisplay{state: playback.StatusIdle, rate: 1}
}

// Update applies one event.
func (s *StatusDisplay) Update(ev protocol.Event) {
	switch m := ev.(type) {
	case protocol.Progress:
		s.updateProgress(m)
	case protocol.PlaybackProgress:
		s.updatePlayback(m)
	}
}

func (s *StatusDisplay) updateProgress(p protocol.Progress) {
	if p.RequestEpoch != 0 && p.RequestEpoch < s.epoch {
		return
	}
	switch p.Stage {
	case protocol.StageStart:
		s.epoch = p.RequestEpoch
		s.chunk = 0
		s.chunks = p.Chunks
		s.expected = 0
		s.played, s.total = 0, 0
		s.errorMessage = ""
	case protocol.StageChunk:
		s.chunk = p.Index
		if p.Total > 0 {
			s.chunks = p.Total
		}
		s.expected += p.DurationSec
	case protocol.StageDone, protocol.StageStopped:
		if p.Error != "" {
			s.errorMessage = p.Error
		}
	default:
		return
	}
	s.stage = p.Stage
}

func (s *StatusDisplay) updatePlayback(p protocol.PlaybackProgress) {
	if p.RequestEpoch != 0 && p.RequestEpoch < s.epoch {
		return
	}
	if st, ok := playback.ParseStatus(p.State); ok {
		s.state = st
	}
	s.played = p.PlayedSec
	s.total = p.TotalSec
	if p.PlaybackRate > 0 {
		s.rate = p.PlaybackRate
	}
}

// SetError shows err until the next request starts.
func (s *StatusDisplay) SetError(err error) {
	if err != nil {
		s.errorMessage = err.Error()
	}
}

// Error returns the message on display, if any.
func (s *StatusDisplay) Error() string { return s.errorMessage }

// State returns the last playback state.
func (s *StatusDisplay) State() playback.Status { return s.state }

// Rate returns the last reported playback rate.
func (s *StatusDisplay) Rate() float64 { return s.rate }

// Synthesizing reports whether chunks are still being produced.
func (s *StatusDisplay) Synthesizing() bool {
	return s.stage == protocol.StageStart || s.stage == protocol.StageChunk
}

// Finished reports whether the request has ended: it was stopped, or
// synthesis completed and everything it produced has played.
func (s *StatusDisplay) Finished() bool {
	switch s.stage {
	case protocol.StageStopped:
		return true
	case protocol.StageDone:
		if s.chunk == 0 {
			return true
		}
		return s.state == playback.StatusDone && s.total >= s.expected-playback.Epsilon
	}
	return s.state == playback.StatusStopped
}

// Fraction returns played/total in [0, 1].
func (s *StatusDisplay) Fraction() float64 {
	if s.total <= 0 {
		return 0
	}
	return min(s.played/s.total, 1)
}

// CompactStatus returns a one-line status.
func (s *StatusDisplay) CompactStatus() string {
	if s.stage == "" && s.state == playback.StatusIdle {
		return ""
	}

	color := s.stateColor()
	statusStyle := lipgloss.NewStyle().Foreground(color).Bold(true)
	status := statusStyle.Render(fmt.Sprintf("%s %s", s.stateIcon(), s.state))

	if s.chunks > 0 {
		status += subtleStyle.Render(fmt.Sprintf("  chunk %d/%d", s.chunk, s.chunks))
	}
	status += subtleStyle.Render(fmt.Sprintf("  %.2fx", s.rate))
	return status
}

// DetailedStatus returns the multi-line panel.
func (s *StatusDisplay) DetailedStatus(width int) string {
	var lines []string
	if c := s.CompactStatus(); c != "" {
		lines = append(lines, c)
	}

	if s.total > 0 {
		lines = append(lines, fmt.Sprintf("%s / %s",
			formatDuration(secs(s.played)), formatDuration(secs(s.total))))
	}

	if s.errorMessage != "" && width > 10 {
		errorLine := truncate.StringWithTail(s.errorMessage, uint(width-9), ellipsis) //nolint:gosec
		lines = append(lines, errorStyle.Render("Error: "+errorLine))
	}
	return strings.Join(lines, "\n")
}

func (s *StatusDisplay) stateColor() lipgloss.Color {
	switch s.state {
	case playback.StatusPlaying:
		return green
	case playback.StatusPaused:
		return yellow
	case playback.StatusBuffering:
		return blue
	case playback.StatusStopped:
		return orange
	case playback.StatusDone:
		return gray
	default:
		return darkGray
	}
}

func (s *StatusDisplay) stateIcon() string {
	switch s.state {
	case playback.StatusPlaying:
		return "▶"
	case playback.StatusPaused:
		return "⏸"
	case playback.StatusBuffering:
		return "⟳"
	case playback.StatusStopped:
		return "◼"
	case playback.StatusDone:
		return "■"
	default:
		return "○"
	}
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0:00"
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
