// Package ui provides the readaloud control surface: a Bubble Tea program
// that starts a request, shows its progress and sends playback controls.
package ui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-runewidth"

	"github.com/dgnsrekt/readaloud/internal/coordinator"
	"github.com/dgnsrekt/readaloud/internal/playback"
	"github.com/dgnsrekt/readaloud/internal/protocol"
)

const (
	controlTimeout = 5 * time.Second
	maxBarWidth    = 60
)

// NewProgram returns a new Tea program.
func NewProgram(cfg Config, remote Remote) *tea.Program {
	log.Debug("Starting readaloud", "title", cfg.Title, "alt_screen", cfg.AltScreen)

	var opts []tea.ProgramOption
	if cfg.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	return tea.NewProgram(newModel(cfg, remote), opts...)
}

type (
	eventMsg        struct{ ev protocol.Event }
	eventsClosedMsg struct{}

	// speakDoneMsg carries the reply to the speak issued as number seq.
	speakDoneMsg struct {
		seq int
		err error
	}

	controlDoneMsg struct {
		msg protocol.Control
		err error
	}
)

type model struct {
	cfg    Config
	remote Remote
	status *StatusDisplay
	keys   keyMap

	help    help.Model
	spinner spinner.Model
	bar     progress.Model

	width    int
	rate     float64
	speakSeq int
	quitting bool
}

func newModel(cfg Config, remote Remote) model {
	if cfg.SpeakTimeout <= 0 {
		cfg.SpeakTimeout = time.Hour
	}
	if cfg.RateStep <= 0 {
		cfg.RateStep = 0.25
	}
	rate := cfg.Speak.PlaybackRate
	if rate <= 0 {
		rate = 1
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = subtleStyle

	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 40

	return model{
		cfg:      cfg,
		remote:   remote,
		status:   NewStatusDisplay(),
		keys:     newKeyMap(),
		help:     help.New(),
		spinner:  sp,
		bar:      bar,
		rate:     rate,
		speakSeq: 1,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForEvent(m.remote.Events()),
		speakCmd(m.remote, m.speakMsg(), m.cfg.SpeakTimeout, m.speakSeq),
	)
}

func (m model) speakMsg() protocol.Speak {
	msg := m.cfg.Speak
	msg.PlaybackRate = m.rate
	return msg
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.bar.Width = min(max(msg.Width-8, 10), maxBarWidth)
		return m, nil

	case eventMsg:
		m.status.Update(msg.ev)
		if pp, ok := msg.ev.(protocol.PlaybackProgress); ok && pp.PlaybackRate > 0 {
			m.rate = pp.PlaybackRate
		}
		return m, waitForEvent(m.remote.Events())

	case eventsClosedMsg:
		return m, nil

	case speakDoneMsg:
		if msg.seq == m.speakSeq && msg.err != nil {
			log.Warn("speak failed", "error", msg.err)
			m.status.SetError(msg.err)
		}
		return m, nil

	case controlDoneMsg:
		if msg.err != nil {
			log.Warn("control failed", "type", msg.msg.MessageType(), "error", msg.err)
			m.status.SetError(msg.err)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Sequence(controlCmd(m.remote, protocol.Stop{}), tea.Quit)

	case key.Matches(msg, m.keys.Toggle):
		switch m.status.State() {
		case playback.StatusPaused:
			return m, controlCmd(m.remote, protocol.Resume{})
		case playback.StatusPlaying, playback.StatusBuffering:
			return m, controlCmd(m.remote, protocol.Pause{})
		}
		return m, nil

	case key.Matches(msg, m.keys.Stop):
		return m, controlCmd(m.remote, protocol.Stop{})

	case key.Matches(msg, m.keys.Faster):
		return m.changeRate(m.cfg.RateStep)

	case key.Matches(msg, m.keys.Slower):
		return m.changeRate(-m.cfg.RateStep)

	case key.Matches(msg, m.keys.Restart):
		m.speakSeq++
		return m, speakCmd(m.remote, m.speakMsg(), m.cfg.SpeakTimeout, m.speakSeq)

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}
	return m, nil
}

func (m model) changeRate(delta float64) (tea.Model, tea.Cmd) {
	rate := clampRate(m.rate + delta)
	if rate == m.rate {
		return m, nil
	}
	m.rate = rate
	return m, controlCmd(m.remote, protocol.SetPlaybackRate{Rate: rate})
}

// clampRate keeps r within the accepted range, rounded to hundredths.
func clampRate(r float64) float64 {
	r = math.Round(r*100) / 100
	return min(max(r, coordinator.MinRate), coordinator.MaxRate)
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("readaloud"))
	if m.cfg.Title != "" {
		w := m.width - 14
		if w <= 0 {
			w = 60
		}
		b.WriteString(" ")
		b.WriteString(subtleStyle.Render(runewidth.Truncate(m.cfg.Title, w, ellipsis)))
	}
	b.WriteString("\n\n")

	status := m.status.CompactStatus()
	if status == "" {
		status = subtleStyle.Render("starting")
	}
	if m.status.Synthesizing() {
		status += " " + m.spinner.View()
	}
	b.WriteString(status)
	b.WriteString("\n")

	b.WriteString(m.bar.ViewAs(m.status.Fraction()))
	if m.status.total > 0 {
		b.WriteString(subtleStyle.Render(fmt.Sprintf("  %s / %s",
			formatDuration(secs(m.status.played)), formatDuration(secs(m.status.total)))))
	}
	b.WriteString("\n")

	if e := m.status.Error(); e != "" {
		b.WriteString("\n")
		b.WriteString(errorTitleStyle.Render("ERROR"))
		b.WriteString(" ")
		b.WriteString(errorStyle.Render(e))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return indent(b.String(), 2)
}

// COMMANDS

func waitForEvent(ch <-chan protocol.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func speakCmd(r Remote, msg protocol.Speak, timeout time.Duration, seq int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return speakDoneMsg{seq: seq, err: r.Send(ctx, msg)}
	}
}

func controlCmd(r Remote, msg protocol.Control) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		return controlDoneMsg{msg: msg, err: r.Send(ctx, msg)}
	}
}

// Lightweight version of reflow's indent function.
func indent(s string, n int) string {
	if n <= 0 || s == "" {
		return s
	}
	l := strings.Split(s, "\n")
	b := strings.Builder{}
	i := strings.Repeat(" ", n)
	for _, v := range l {
		fmt.Fprintf(&b, "%s%s\n", i, v)
	}
	return b.String()
}
