// Package learning persists diagnostic patterns and recovery outcomes in a
// local SQLite database. It is a success tally, not a model.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Pattern is one fingerprinted issue shape and how often it was seen.
type Pattern struct {
	Hash        string          `json:"hash"`
	Component   string          `json:"component"`
	Severity    string          `json:"severity"`
	Metrics     json.RawMessage `json:"metrics"`
	Occurrences int             `json:"occurrences"`
	LastSeen    time.Time       `json:"last_seen"`
}

// HistoryEntry records a single recovery attempt.
type HistoryEntry struct {
	ID              int64     `json:"id"`
	IssueID         string    `json:"issue_id"`
	Component       string    `json:"component"`
	Action          string    `json:"action"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// ActionStat aggregates history for one action.
type ActionStat struct {
	Action      string
	SuccessRate float64
	Attempts    int
}

// Store is a SQLite-backed pattern and history store.
type Store struct {
	db     *sql.DB
	dbPath string
}

var nowFn = time.Now

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open learning database: %w", err)
	}

	// Single writer; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", path).Msg("Learning store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		pattern_hash TEXT PRIMARY KEY,
		component TEXT NOT NULL,
		severity TEXT NOT NULL,
		metrics TEXT NOT NULL,
		occurrences INTEGER NOT NULL DEFAULT 1,
		last_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recovery_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_id TEXT NOT NULL,
		component TEXT NOT NULL,
		action TEXT NOT NULL,
		success INTEGER NOT NULL,
		duration REAL NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_component ON recovery_history(component);
	CREATE INDEX IF NOT EXISTS idx_history_timestamp ON recovery_history(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPattern inserts the pattern or bumps its occurrence count and
// last-seen time.
func (s *Store) UpsertPattern(ctx context.Context, hash, component, severity string, metrics json.RawMessage) error {
	if len(metrics) == 0 {
		metrics = json.RawMessage("{}")
	}
	now := nowFn().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (pattern_hash, component, severity, metrics, occurrences, last_seen)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(pattern_hash) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen`,
		hash, component, severity, string(metrics), now)
	if err != nil {
		return fmt.Errorf("upsert pattern %s: %w", hash, err)
	}
	return nil
}

// AppendHistory records a recovery attempt. Duplicates are allowed.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = nowFn()
	}
	success := 0
	if entry.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_history (issue_id, component, action, success, duration, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.IssueID, entry.Component, entry.Action, success, entry.DurationSeconds, ts.Unix())
	if err != nil {
		return fmt.Errorf("append recovery history for %s: %w", entry.IssueID, err)
	}
	return nil
}

// ActionStats returns per-action success rates over history rows whose
// component contains substr, best first (rate, then attempts). Matching is a
// plain case-sensitive substring test.
func (s *Store) ActionStats(ctx context.Context, substr string) ([]ActionStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, AVG(success) AS rate, COUNT(*) AS attempts
		FROM recovery_history
		WHERE instr(component, ?) > 0
		GROUP BY action
		ORDER BY rate DESC, attempts DESC, action ASC`, substr)
	if err != nil {
		return nil, fmt.Errorf("query action stats: %w", err)
	}
	defer rows.Close()

	var stats []ActionStat
	for rows.Next() {
		var st ActionStat
		if err := rows.Scan(&st.Action, &st.SuccessRate, &st.Attempts); err != nil {
			return nil, fmt.Errorf("scan action stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Patterns lists stored patterns, most frequent first.
func (s *Store) Patterns(ctx context.Context, limit int) ([]Pattern, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_hash, component, severity, metrics, occurrences, last_seen
		FROM patterns
		ORDER BY occurrences DESC, last_seen DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		var (
			p        Pattern
			metrics  string
			lastSeen int64
		)
		if err := rows.Scan(&p.Hash, &p.Component, &p.Severity, &metrics, &p.Occurrences, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Metrics = json.RawMessage(metrics)
		p.LastSeen = time.Unix(lastSeen, 0)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// History lists recovery attempts, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, component, action, success, duration, timestamp
		FROM recovery_history
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recovery history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e       HistoryEntry
			success int
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.IssueID, &e.Component, &e.Action, &success, &e.DurationSeconds, &ts); err != nil {
			return nil, fmt.Errorf("scan recovery history: %w", err)
		}
		e.Success = success == 1
		e.Timestamp = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
