package synth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinMode(t *testing.T) {
	if m := (Builtin{}).Mode(); m != ModeDefault {
		t.Errorf("zero Builtin mode = %q", m)
	}
	if m := (Builtin{Speaker: "Ryan"}).Mode(); m != ModeCustom {
		t.Errorf("Builtin with speaker mode = %q", m)
	}
}

func TestStripDataURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"UklGRg==", "UklGRg=="},
		{"data:audio/wav;base64,UklGRg==", "UklGRg=="},
		{"data:nocomma", "data:nocomma"},
	}
	for _, tt := range tests {
		if got := StripDataURL(tt.in); got != tt.want {
			t.Errorf("StripDataURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeRefAudio(t *testing.T) {
	b, err := DecodeRefAudio("data:audio/wav;base64,UklGRg==")
	if err != nil || string(b) != "RIFF" {
		t.Errorf("DecodeRefAudio() = %q, %v", b, err)
	}
	if _, err := DecodeRefAudio("not base64!"); !errors.Is(err, ErrInvalidVoice) {
		t.Errorf("expected ErrInvalidVoice, got %v", err)
	}
}

func TestLoadRefAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := LoadRefAudio(path)
	if err != nil || string(b) != "RIFF" {
		t.Errorf("LoadRefAudio() = %q, %v", b, err)
	}
	if _, err := LoadRefAudio(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestVoiceKeyDistinct(t *testing.T) {
	keys := map[string]bool{}
	for _, v := range []Voice{
		nil,
		Builtin{Speaker: "Vivian"},
		Builtin{Speaker: "Ryan"},
		Design{Instruction: "warm"},
		Clone{RefAudio: []byte{1, 2}, RefText: "a"},
	} {
		k := VoiceKey(v)
		if keys[k] {
			t.Errorf("duplicate key %q", k)
		}
		keys[k] = true
	}
}

func TestResolveSpeaker(t *testing.T) {
	speakers := []string{"Vivian", "Ryan", "Serena", "Uncle_Fu"}
	tests := []struct {
		name    string
		query   string
		want    string
		wantErr bool
	}{
		{"exact", "Ryan", "Ryan", false},
		{"case insensitive", "serena", "Serena", false},
		{"fuzzy prefix", "viv", "Vivian", false},
		{"fuzzy subsequence", "unclf", "Uncle_Fu", false},
		{"no match", "zzz", "", true},
		{"empty", " ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSpeaker(tt.query, speakers)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSpeakerNotFound) {
				t.Errorf("expected ErrSpeakerNotFound, got %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
