package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned when an envelope's tag is not part of the
// expected direction. Receivers log and ignore such messages.
var ErrUnknownMessage = errors.New("unknown message type")

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	controls = map[string]func() Control{
		TypeSpeak:           func() Control { return &Speak{} },
		TypeStop:            func() Control { return &Stop{} },
		TypePause:           func() Control { return &Pause{} },
		TypeResume:          func() Control { return &Resume{} },
		TypeSetPlaybackRate: func() Control { return &SetPlaybackRate{} },
		TypePing:            func() Control { return &Ping{} },
	}
	surfaceCommands = map[string]func() SurfaceCommand{
		TypeEnqueue:        func() SurfaceCommand { return &Enqueue{} },
		TypeReset:          func() SurfaceCommand { return &Reset{} },
		TypeStopPlayback:   func() SurfaceCommand { return &StopPlayback{} },
		TypePausePlayback:  func() SurfaceCommand { return &PausePlayback{} },
		TypeResumePlayback: func() SurfaceCommand { return &ResumePlayback{} },
		TypeSetRate:        func() SurfaceCommand { return &SetRate{} },
		TypePing:           func() SurfaceCommand { return &Ping{} },
	}
	pageQueries = map[string]func() PageQuery{
		TypeGetText: func() PageQuery { return &GetText{} },
		TypePing:    func() PageQuery { return &Ping{} },
	}
	events = map[string]func() Event{
		TypeProgress:         func() Event { return &Progress{} },
		TypePlaybackProgress: func() Event { return &PlaybackProgress{} },
	}
)

// Encode wraps msg in an envelope.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(envelope{Type: msg.MessageType(), Payload: payload})
}

// DecodeControl decodes a message sent to the coordinator.
func DecodeControl(b []byte) (Control, error) { return decode(b, controls) }

// DecodeSurfaceCommand decodes a message sent to the audio surface.
func DecodeSurfaceCommand(b []byte) (SurfaceCommand, error) { return decode(b, surfaceCommands) }

// DecodePageQuery decodes a message sent to the page accessor.
func DecodePageQuery(b []byte) (PageQuery, error) { return decode(b, pageQueries) }

// DecodeEvent decodes a broadcast.
func DecodeEvent(b []byte) (Event, error) { return decode(b, events) }

// decode returns the message by value, so callers can type switch on the
// plain struct types.
func decode[T Message](b []byte, registry map[string]func() T) (T, error) {
	var zero T
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return zero, fmt.Errorf("decode envelope: %w", err)
	}
	newMsg, ok := registry[env.Type]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	msg := newMsg()
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return zero, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return deref(msg).(T), nil
}

// deref turns the pointer produced by a registry constructor back into the
// value type that implements the interface.
func deref(m Message) Message {
	switch m := m.(type) {
	case *Speak:
		return *m
	case *Stop:
		return *m
	case *Pause:
		return *m
	case *Resume:
		return *m
	case *SetPlaybackRate:
		return *m
	case *Ping:
		return *m
	case *GetText:
		return *m
	case *Progress:
		return *m
	case *PlaybackProgress:
		return *m
	case *Enqueue:
		return *m
	case *Reset:
		return *m
	case *StopPlayback:
		return *m
	case *PausePlayback:
		return *m
	case *ResumePlayback:
		return *m
	case *SetRate:
		return *m
	}
	return m
}

// EncodeReply serializes a reply.
func EncodeReply(r Reply) ([]byte, error) { return json.Marshal(r) }

// DecodeReply parses a reply.
func DecodeReply(b []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}
