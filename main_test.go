package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/config"
)

func TestSpeakFromArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		stdin      string
		piped      bool
		wantSource string
		wantText   string
		wantTitle  string
	}{
		{"file", []string{"notes/today.md"}, "", false, "notes/today.md", "", "today.md"},
		{"url", []string{"https://example.com/a"}, "", false, "https://example.com/a", "", "https://example.com/a"},
		{"dash reads stdin", []string{"-"}, "hello there", true, "", "hello there", "stdin"},
		{"pipe without argument", nil, "piped text", true, "", "piped text", "stdin"},
		{"clipboard by default", nil, "", false, "clipboard:", "", "clipboard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, title, err := speakFromArgs(tt.args, strings.NewReader(tt.stdin), tt.piped)
			if err != nil {
				t.Fatal(err)
			}
			if msg.Source != tt.wantSource || msg.SourceText != tt.wantText || title != tt.wantTitle {
				t.Errorf("got source=%q text=%q title=%q", msg.Source, msg.SourceText, title)
			}
		})
	}
}

func TestSpeakFromArgsEmptyStdin(t *testing.T) {
	if _, _, err := speakFromArgs([]string{"-"}, strings.NewReader("  \n"), true); err == nil {
		t.Error("expected an error for blank stdin")
	}
}

func TestDefaultConfigTemplateLoads(t *testing.T) {
	file := filepath.Join(t.TempDir(), "readaloud.yml")
	if err := ensureConfigFile(file); err != nil {
		t.Fatal(err)
	}

	loader, err := config.NewLoader(config.Options{
		File:    file,
		DotEnv:  []string{},
		Environ: map[string]string{},
		Logger:  log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := loader.Load()
	if err != nil {
		t.Fatalf("template should load: %v", err)
	}

	want := config.DefaultConfig()
	if got.ServerURL != want.ServerURL || got.ChunkMaxLen != want.ChunkMaxLen ||
		got.Synth.Timeout != want.Synth.Timeout || got.Cache.TTL != want.Cache.TTL ||
		got.Page.RetryDelay != want.Page.RetryDelay || got.Voice.Speaker != want.Voice.Speaker ||
		got.Bus.MaxPayload != want.Bus.MaxPayload {
		t.Errorf("template drifted from the defaults: %+v", got)
	}
}

func TestEnsureConfigFileKeepsExisting(t *testing.T) {
	file := filepath.Join(t.TempDir(), "readaloud.yml")
	if err := os.WriteFile(file, []byte("chunk_max_len: 100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ensureConfigFile(file); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "chunk_max_len: 100\n" {
		t.Error("existing file should not be overwritten")
	}

	if err := ensureConfigFile(filepath.Join(t.TempDir(), "readaloud.toml")); err == nil {
		t.Error("expected an error for a non-yaml extension")
	}
}
