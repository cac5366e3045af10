package ui

import (
	"time"

	"github.com/dgnsrekt/readaloud/internal/protocol"
)

// Config contains TUI-specific configuration.
type Config struct {
	// Request issued at start and on restart.
	Speak protocol.Speak

	// Title names the source on screen.
	Title string

	// SpeakTimeout bounds a whole request, synthesis included.
	SpeakTimeout time.Duration `env:"READALOUD_SPEAK_TIMEOUT" envDefault:"1h"`

	// RateStep is how much + and - change the playback rate.
	RateStep float64 `env:"READALOUD_RATE_STEP" envDefault:"0.25"`

	// For debugging the UI
	AltScreen bool `env:"READALOUD_ALT_SCREEN" envDefault:"true"`
}
