package playback

import "math"

// Epsilon is the slack allowed between played and total seconds.
const Epsilon = 0.05

// Status is the engine's coarse playback state.
type Status int

const (
	// StatusIdle means nothing is queued for the current epoch.
	StatusIdle Status = iota
	// StatusBuffering means playback waits for the next unit.
	StatusBuffering
	// StatusPlaying means a unit is rendering.
	StatusPlaying
	// StatusPaused means rendering is suspended.
	StatusPaused
	// StatusStopped means playback was stopped explicitly.
	StatusStopped
	// StatusDone means every queued unit has played.
	StatusDone
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBuffering:
		return "buffering"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusIdle; st <= StatusDone; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StatusIdle, false
}

// Unit is one synthesized chunk waiting to be played.
type Unit struct {
	Audio        []byte
	DurationSec  float64 // 0 when unknown
	PlaybackRate float64 // 0 means the engine's rate
	Epoch        uint64  // 0 means the engine's current epoch
}

// State is a snapshot of the engine.
type State struct {
	Status       Status
	PlayedSec    float64
	TotalSec     float64
	Epoch        uint64
	PlaybackRate float64
	Queued       int
}

// Remaining returns the seconds left to play, never negative.
func (s State) Remaining() float64 {
	return math.Max(s.TotalSec-s.PlayedSec, 0)
}

// Fraction returns played/total in [0, 1].
func (s State) Fraction() float64 {
	if s.TotalSec <= 0 {
		return 0
	}
	return math.Min(s.PlayedSec/s.TotalSec, 1)
}

// UnitInfo describes a unit held by the engine.
type UnitInfo struct {
	DurationSec  float64
	PlaybackRate float64
	Current      bool
}
