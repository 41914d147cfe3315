package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codervisor/clawden/internal/config"
	"github.com/codervisor/clawden/internal/vault"
	_ "modernc.org/sqlite"
)

// Store persists channel state, fleet agents and the audit trail in SQLite.
type Store struct {
	db    *sql.DB
	vault *vault.Vault
}

// New opens the database at cfg.Path. Channel credentials are only written
// when v is non-nil.
func New(cfg config.StoreConfig, v *vault.Vault) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db, vault: v}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS channel_configs (
			instance_name TEXT PRIMARY KEY,
			channel_type  TEXT NOT NULL,
			credentials   TEXT,
			options       TEXT,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channel_bindings (
			id               TEXT PRIMARY KEY,
			instance_id      TEXT NOT NULL,
			channel_type     TEXT NOT NULL,
			token_hash       TEXT NOT NULL,
			status           TEXT NOT NULL,
			bound_at_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_key ON channel_bindings(channel_type, token_hash)`,
		`CREATE TABLE IF NOT EXISTS channel_assignments (
			agent_id      TEXT NOT NULL,
			instance_name TEXT NOT NULL,
			position      INTEGER NOT NULL,
			PRIMARY KEY (agent_id, instance_name)
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			runtime    TEXT NOT NULL,
			state      TEXT NOT NULL,
			config     TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			actor        TEXT NOT NULL,
			action       TEXT NOT NULL,
			target       TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// BackupTo writes a consistent copy of the database to path, which must
// not exist yet.
func (s *Store) BackupTo(path string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return nil
}
