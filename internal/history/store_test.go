package history

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, log.New(io.Discard))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEphemeral(t *testing.T) {
	s := openStore(t, Config{Ephemeral: true, Path: filepath.Join(t.TempDir(), "h.db")})
	if s.Enabled() {
		t.Fatal("ephemeral store should not be enabled")
	}
	id, err := s.Begin(context.Background(), Entry{RequestID: "r"})
	if err != nil || id != 0 {
		t.Fatalf("Begin = %d, %v", id, err)
	}
	if err := s.Finish(context.Background(), id, OutcomeDone, 1, ""); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Recent(context.Background(), 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("Recent = %v, %v", entries, err)
	}
}

func TestBeginFinishRecent(t *testing.T) {
	s := openStore(t, Config{Path: filepath.Join(t.TempDir(), "nested", "history.db")})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return base.Add(3 * time.Second) }

	first, err := s.Begin(ctx, Entry{RequestID: "a", Epoch: 1, Source: "text:one", Voice: "custom|Vivian", StartedAt: base})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Begin(ctx, Entry{RequestID: "b", Epoch: 2, Source: "clipboard:", StartedAt: base})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, first, OutcomeStopped, 1, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, second, OutcomeFailed, 0, "TTS server error 500"); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].RequestID != "b" || entries[0].Outcome != OutcomeFailed || entries[0].Error != "TTS server error 500" {
		t.Errorf("newest = %+v", entries[0])
	}
	if entries[1].Epoch != 1 || entries[1].Chunks != 1 || entries[1].Voice != "custom|Vivian" {
		t.Errorf("oldest = %+v", entries[1])
	}
	if d := entries[1].Duration(); d != 3*time.Second {
		t.Errorf("duration = %v", d)
	}
}

func TestRunningEntry(t *testing.T) {
	s := openStore(t, Config{Path: filepath.Join(t.TempDir(), "h.db")})
	if _, err := s.Begin(context.Background(), Entry{RequestID: "r", Epoch: 9}); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Recent(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Outcome != OutcomeRunning || !entries[0].FinishedAt.IsZero() || entries[0].Duration() != 0 {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	s := openStore(t, Config{Path: path, MaxEntries: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := s.Begin(ctx, Entry{RequestID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].RequestID != "d" || entries[1].RequestID != "c" {
		t.Errorf("entries = %+v", entries)
	}
}
