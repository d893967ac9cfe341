package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/synodos/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: pragmas below are per connection, and serialized
	// writers never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets readers proceed during writes; busy_timeout makes writers
	// retry instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT,
			transport   TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id   TEXT NOT NULL,
			role        TEXT NOT NULL,
			agent_id    TEXT,
			trace_id    TEXT,
			content     TEXT NOT NULL,
			metadata    TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, id)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id           TEXT PRIMARY KEY,
			thread_id    TEXT,
			mode         TEXT NOT NULL,
			policy       TEXT NOT NULL,
			status       TEXT DEFAULT 'running',
			steps        TEXT NOT NULL,
			result       TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		// payload holds the JSON session record, sealed when a vault is
		// configured (nonce is then non-null).
		`CREATE TABLE IF NOT EXISTS handoff_sessions (
			id          TEXT PRIMARY KEY,
			thread_id   TEXT NOT NULL,
			state       TEXT NOT NULL,
			payload     BLOB NOT NULL,
			nonce       BLOB,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		// At most one blocking session per thread. Inserts that would
		// violate this are the conflict signal.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_handoff_blocking
			ON handoff_sessions(thread_id)
			WHERE state IN ('pending', 'active', 'returning')`,
		`CREATE INDEX IF NOT EXISTS idx_handoff_thread ON handoff_sessions(thread_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
