package synth

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Synthesis modes understood by the service.
const (
	ModeDefault = "default"
	ModeCustom  = "custom"
	ModeDesign  = "design"
	ModeClone   = "clone"
)

// Model sizes accepted for built-in voices.
const (
	ModelSizeSmall = "0.6b"
	ModelSizeLarge = "1.7b"
)

// Voice selects how the service renders speech. It is one of Builtin, Design
// or Clone.
type Voice interface {
	// Mode reports the service mode the voice maps to.
	Mode() string
	apply(req *ttsRequest) error
}

// Builtin is one of the service's stock speakers, optionally steered by an
// instruction. The zero value uses the service default.
type Builtin struct {
	Speaker     string
	Instruction string
	ModelSize   string
}

// Mode implements Voice.
func (b Builtin) Mode() string {
	if b.Speaker == "" && b.Instruction == "" && b.ModelSize == "" {
		return ModeDefault
	}
	return ModeCustom
}

func (b Builtin) apply(req *ttsRequest) error {
	switch b.ModelSize {
	case "", ModelSizeSmall, ModelSizeLarge:
	default:
		return fmt.Errorf("%w: model size %q", ErrInvalidVoice, b.ModelSize)
	}
	req.Mode = b.Mode()
	req.Speaker = b.Speaker
	req.Instruction = b.Instruction
	req.CustomModelSize = b.ModelSize
	return nil
}

// Design describes a voice in natural language.
type Design struct {
	Instruction string
}

// Mode implements Voice.
func (Design) Mode() string { return ModeDesign }

func (d Design) apply(req *ttsRequest) error {
	if strings.TrimSpace(d.Instruction) == "" {
		return fmt.Errorf("%w: design voice needs an instruction", ErrInvalidVoice)
	}
	req.Mode = ModeDesign
	req.Instruction = d.Instruction
	return nil
}

// Clone imitates the speaker of a reference recording.
type Clone struct {
	RefAudio []byte
	RefText  string
}

// Mode implements Voice.
func (Clone) Mode() string { return ModeClone }

func (c Clone) apply(req *ttsRequest) error {
	if len(c.RefAudio) == 0 || strings.TrimSpace(c.RefText) == "" {
		return fmt.Errorf("%w: clone voice needs reference audio and its transcript", ErrInvalidVoice)
	}
	req.Mode = ModeClone
	req.RefAudioB64 = base64.StdEncoding.EncodeToString(c.RefAudio)
	req.RefText = c.RefText
	return nil
}

// StripDataURL removes a "data:...;base64," prefix from an encoded payload.
func StripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return s
}

// DecodeRefAudio decodes base64 reference audio, accepting data URLs.
func DecodeRefAudio(encoded string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(StripDataURL(encoded)))
	if err != nil {
		return nil, fmt.Errorf("%w: reference audio is not base64: %v", ErrInvalidVoice, err)
	}
	return b, nil
}

// LoadRefAudio reads a reference recording from disk. A leading ~ is expanded
// to the user's home directory.
func LoadRefAudio(path string) ([]byte, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %q: %w", path, err)
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference audio: %w", err)
	}
	return b, nil
}

// VoiceKey returns a stable description of v for cache keys and logs.
func VoiceKey(v Voice) string {
	switch v := v.(type) {
	case Builtin:
		return fmt.Sprintf("%s|%s|%s|%s", v.Mode(), v.Speaker, v.ModelSize, v.Instruction)
	case Design:
		return ModeDesign + "|" + v.Instruction
	case Clone:
		return fmt.Sprintf("%s|%d|%s", ModeClone, len(v.RefAudio), v.RefText)
	case nil:
		return ModeDefault
	}
	return v.Mode()
}
