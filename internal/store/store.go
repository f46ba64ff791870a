// Package store is the persistence and integrity layer: a transactional
// SQLite schema for teams, athletes, courses, sessions, runs and
// segments, written to survive contention between the network ingest
// path and the control path.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agilityfleet/conectl/internal/clock"
)

const schemaVersion = 1

// Store owns all persistent records.
type Store struct {
	DB    *sql.DB
	clock clock.Clock
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string, clk clock.Clock) (*Store, error) {
	db, err := openSQLite(dbPath, DefaultSQLiteConfig())
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	s := &Store{DB: db, clock: clk}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		age_group TEXT,
		sport TEXT,
		coach TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS athletes (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL REFERENCES teams(id),
		name TEXT NOT NULL,
		jersey_number INTEGER,
		age INTEGER,
		position TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_athletes_team ON athletes(team_id);

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		type TEXT NOT NULL,
		mode TEXT NOT NULL,
		category TEXT,
		total_devices INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS course_actions (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		action TEXT NOT NULL,
		action_type TEXT,
		audio_clip TEXT,
		min_time REAL NOT NULL DEFAULT 0,
		max_time REAL NOT NULL DEFAULT 0,
		triggers_next_athlete INTEGER NOT NULL DEFAULT 0,
		marks_run_complete INTEGER NOT NULL DEFAULT 0,
		group_identifier TEXT,
		behavior_config TEXT,
		UNIQUE(course_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL REFERENCES teams(id),
		course_id TEXT NOT NULL REFERENCES courses(id),
		status TEXT NOT NULL,
		audio_voice TEXT,
		pattern_config TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		athlete_id TEXT NOT NULL REFERENCES athletes(id),
		queue_position INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT,
		timer_start_at TEXT,
		completed_at TEXT,
		total_time REAL,
		UNIQUE(session_id, queue_position)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);

	CREATE TABLE IF NOT EXISTS segments (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		from_device TEXT NOT NULL,
		to_device TEXT NOT NULL,
		expected_min_time REAL NOT NULL DEFAULT 0,
		expected_max_time REAL NOT NULL DEFAULT 0,
		actual_time REAL,
		cumulative_time REAL,
		touch_detected INTEGER NOT NULL DEFAULT 0,
		touch_timestamp TEXT,
		alert_raised INTEGER NOT NULL DEFAULT 0,
		alert_type TEXT,
		UNIQUE(run_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_segments_run ON segments(run_id);
	CREATE INDEX IF NOT EXISTS idx_segments_open ON segments(run_id, to_device, touch_detected);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- time helpers: all persisted timestamps are UTC ISO-8601 text ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func nullToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, fmt.Errorf("store: invalid timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
