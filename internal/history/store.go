// Package history journals speak requests and how they ended.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

// Outcome is how a request ended.
type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeDone    Outcome = "done"
	OutcomeStopped Outcome = "stopped"
	OutcomeFailed  Outcome = "failed"
)

// Entry is one journaled request.
type Entry struct {
	ID         int64
	RequestID  string
	Epoch      uint64
	Source     string
	Voice      string
	Chunks     int
	Outcome    Outcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time the request took, or zero while running.
func (e Entry) Duration() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Config configures a Store.
type Config struct {
	Path       string `yaml:"path" mapstructure:"path"`
	Ephemeral  bool   `yaml:"ephemeral" mapstructure:"ephemeral"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
}

// Store is a SQLite-backed request journal. An ephemeral store accepts
// every call and keeps nothing.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *log.Logger
	clock  func() time.Time
}

// Open prepares the journal at cfg.Path.
func Open(ctx context.Context, cfg Config, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{cfg: cfg, logger: logger.With("component", "history"), clock: time.Now}
	if cfg.Ephemeral || cfg.Path == "" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		s.logger.Warn("history prune on open failed", "error", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    epoch INTEGER NOT NULL,
    source TEXT,
    voice TEXT,
    chunks INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL,
    error TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_request_id ON requests(request_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether entries are persisted.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Begin records a new running request and returns its row id.
func (s *Store) Begin(ctx context.Context, e Entry) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, epoch, source, voice, chunks, outcome, started_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, int64(e.Epoch), e.Source, e.Voice, e.Chunks, string(OutcomeRunning), formatTime(e.StartedAt))
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	return res.LastInsertId()
}

// Finish stores the outcome of the request at id.
func (s *Store) Finish(ctx context.Context, id int64, outcome Outcome, chunks int, errText string) error {
	if !s.Enabled() || id == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET outcome = ?, chunks = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(outcome), chunks, errText, formatTime(s.clock()), id)
	if err != nil {
		return fmt.Errorf("update request %d: %w", id, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, epoch, source, voice, chunks, outcome, error, started_at, finished_at
		 FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			epoch             int64
			source, voice     sql.NullString
			outcome           string
			errText, finished sql.NullString
			started           string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &epoch, &source, &voice, &e.Chunks, &outcome, &errText, &started, &finished); err != nil {
			return nil, err
		}
		e.Epoch = uint64(epoch)
		e.Source = source.String
		e.Voice = voice.String
		e.Outcome = Outcome(outcome)
		e.Error = errText.String
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune keeps only the newest MaxEntries rows.
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() || s.cfg.MaxEntries <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id IN (
		SELECT id FROM requests ORDER BY id DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxEntries)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
