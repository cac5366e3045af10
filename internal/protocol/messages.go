// Package protocol defines the messages exchanged between the control
// surface, the coordinator, the page accessor and the audio surface. Each
// direction is a closed set of types; on the wire every message is an
// envelope of {"type": tag, "payload": {...}}.
package protocol

import (
	"github.com/dgnsrekt/readaloud/internal/synth"
)

// Bus subjects.
const (
	SubjectControl  = "readaloud.control"
	SubjectSurface  = "readaloud.surface"
	SubjectPage     = "readaloud.page"
	SubjectProgress = "readaloud.progress"
)

// Message tags.
const (
	TypeSpeak            = "speak"
	TypeStop             = "stop"
	TypePause            = "pause"
	TypeResume           = "resume"
	TypeSetPlaybackRate  = "set_playback_rate"
	TypePing             = "ping"
	TypeGetText          = "get_text"
	TypeProgress         = "progress"
	TypePlaybackProgress = "playback_progress"
	TypeEnqueue          = "offscreen_enqueue"
	TypeReset            = "offscreen_reset"
	TypeStopPlayback     = "offscreen_stop"
	TypePausePlayback    = "offscreen_pause"
	TypeResumePlayback   = "offscreen_resume"
	TypeSetRate          = "offscreen_set_rate"
)

// Message is anything that can travel in an envelope.
type Message interface {
	MessageType() string
}

// Control is a message from the control surface to the coordinator.
type Control interface {
	Message
	isControl()
}

// SurfaceCommand is a message from the coordinator to the audio surface.
type SurfaceCommand interface {
	Message
	isSurfaceCommand()
}

// PageQuery is a message from the coordinator to the page accessor.
type PageQuery interface {
	Message
	isPageQuery()
}

// Event is a broadcast with no reply.
type Event interface {
	Message
	isEvent()
}

// VoiceParams is the wire form of a synth.Voice.
type VoiceParams struct {
	Mode        string `json:"mode,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	ModelSize   string `json:"modelSize,omitempty"`
	RefAudioB64 string `json:"refAudioB64,omitempty"`
	RefText     string `json:"refText,omitempty"`
}

// Voice converts the parameters into a synth.Voice.
func (v VoiceParams) Voice() (synth.Voice, error) {
	switch v.Mode {
	case synth.ModeDesign:
		return synth.Design{Instruction: v.Instruction}, nil
	case synth.ModeClone:
		audio, err := synth.DecodeRefAudio(v.RefAudioB64)
		if err != nil {
			return nil, err
		}
		return synth.Clone{RefAudio: audio, RefText: v.RefText}, nil
	default:
		return synth.Builtin{Speaker: v.Speaker, Instruction: v.Instruction, ModelSize: v.ModelSize}, nil
	}
}

// Speak starts reading SourceText, or the text behind Source when
// SourceText is empty.
type Speak struct {
	ServerURL    string      `json:"serverUrl,omitempty"`
	SourceText   string      `json:"sourceText,omitempty"`
	Source       string      `json:"source,omitempty"`
	ChunkMaxLen  int         `json:"chunkMaxLen,omitempty"`
	Voice        VoiceParams `json:"voice"`
	PlaybackRate float64     `json:"playbackRate,omitempty"`
}

// Stop cancels the current request and silences playback.
type Stop struct{}

// Pause suspends playback.
type Pause struct{}

// Resume continues playback.
type Resume struct{}

// SetPlaybackRate changes the speed of current and future audio.
type SetPlaybackRate struct {
	Rate float64 `json:"rate"`
}

// Ping probes a receiver for liveness.
type Ping struct{}

// GetText asks the page accessor for the text behind Source.
type GetText struct {
	Source string `json:"source"`
}

// Progress stages.
const (
	StageStart   = "start"
	StageChunk   = "chunk"
	StageDone    = "done"
	StageStopped = "stopped"
)

// Progress reports how far the coordinator has got with a request.
type Progress struct {
	Stage        string  `json:"stage"`
	RequestEpoch uint64  `json:"requestEpoch,omitempty"`
	Chunks       int     `json:"chunks,omitempty"`
	Index        int     `json:"index,omitempty"`
	Total        int     `json:"total,omitempty"`
	DurationSec  float64 `json:"durationSec,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// PlaybackProgress is a snapshot of the playback engine.
type PlaybackProgress struct {
	PlayedSec    float64 `json:"playedSec"`
	TotalSec     float64 `json:"totalSec"`
	State        string  `json:"state"`
	RequestEpoch uint64  `json:"requestEpoch,omitempty"`
	PlaybackRate float64 `json:"playbackRate,omitempty"`
}

// Enqueue hands one synthesized unit to the audio surface.
type Enqueue struct {
	AudioBytes   []byte  `json:"audioBytes"`
	PlaybackRate float64 `json:"playbackRate,omitempty"`
	DurationSec  float64 `json:"durationSec,omitempty"`
	RequestEpoch uint64  `json:"requestEpoch,omitempty"`
}

// Reset clears the audio surface and binds it to RequestEpoch.
type Reset struct {
	RequestEpoch uint64 `json:"requestEpoch,omitempty"`
}

// StopPlayback silences the audio surface.
type StopPlayback struct{}

// PausePlayback suspends the audio surface.
type PausePlayback struct{}

// ResumePlayback continues the audio surface.
type ResumePlayback struct{}

// SetRate changes the audio surface's playback rate.
type SetRate struct {
	Rate float64 `json:"rate"`
}

func (Speak) MessageType() string            { return TypeSpeak }
func (Stop) MessageType() string             { return TypeStop }
func (Pause) MessageType() string            { return TypePause }
func (Resume) MessageType() string           { return TypeResume }
func (SetPlaybackRate) MessageType() string  { return TypeSetPlaybackRate }
func (Ping) MessageType() string             { return TypePing }
func (GetText) MessageType() string          { return TypeGetText }
func (Progress) MessageType() string         { return TypeProgress }
func (PlaybackProgress) MessageType() string { return TypePlaybackProgress }
func (Enqueue) MessageType() string          { return TypeEnqueue }
func (Reset) MessageType() string            { return TypeReset }
func (StopPlayback) MessageType() string     { return TypeStopPlayback }
func (PausePlayback) MessageType() string    { return TypePausePlayback }
func (ResumePlayback) MessageType() string   { return TypeResumePlayback }
func (SetRate) MessageType() string          { return TypeSetRate }

func (Speak) isControl()           {}
func (Stop) isControl()            {}
func (Pause) isControl()           {}
func (Resume) isControl()          {}
func (SetPlaybackRate) isControl() {}
func (Ping) isControl()            {}

func (Enqueue) isSurfaceCommand()        {}
func (Reset) isSurfaceCommand()          {}
func (StopPlayback) isSurfaceCommand()   {}
func (PausePlayback) isSurfaceCommand()  {}
func (ResumePlayback) isSurfaceCommand() {}
func (SetRate) isSurfaceCommand()        {}
func (Ping) isSurfaceCommand()           {}

func (GetText) isPageQuery() {}
func (Ping) isPageQuery()    {}

func (Progress) isEvent()         {}
func (PlaybackProgress) isEvent() {}

// Reply answers every request.
type Reply struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Text     string `json:"text,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// OK is the plain success reply.
func OK() Reply { return Reply{OK: true} }

// Fail builds an error reply.
func Fail(err error) Reply {
	if err == nil {
		return OK()
	}
	return Reply{OK: false, Error: err.Error()}
}
