package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/kizuna/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Init initializes the SQLite database at baseDir/kizuna.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.kizuna.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Create exports subdirectory
	exportsDir := filepath.Join(baseDir, "exports")
	if err := os.MkdirAll(exportsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	_ = os.Chmod(exportsDir, 0700)

	// Open database with pragmas in connection string (applies to all connections).
	// Transactions start IMMEDIATE so read-modify-write upserts from concurrent
	// workers queue on busy_timeout instead of failing on lock upgrade.
	dbPath := filepath.Join(baseDir, "kizuna.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify WAL mode is active
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS jobs (
		  id         TEXT PRIMARY KEY,
		  title      TEXT,
		  created_at TEXT
		);

		CREATE TABLE IF NOT EXISTS character_registry (
		  id               TEXT PRIMARY KEY,
		  canonical_name   TEXT NOT NULL,
		  aliases          TEXT,
		  summary          TEXT,
		  voice_style      TEXT,
		  relationships    TEXT,
		  first_chunk      INTEGER NOT NULL,
		  last_seen_chunk  INTEGER NOT NULL,
		  confidence_score REAL DEFAULT 1,
		  status           TEXT DEFAULT 'active',
		  metadata         TEXT,
		  created_at       TEXT,
		  updated_at       TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_character_registry_status
		ON character_registry(status);

		CREATE INDEX IF NOT EXISTS idx_character_registry_last_seen
		ON character_registry(last_seen_chunk);

		CREATE TABLE IF NOT EXISTS chunk_state (
		  job_id             TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		  chunk_index        INTEGER NOT NULL,
		  masked_text        TEXT,
		  extraction         TEXT,
		  confidence         REAL,
		  tier_used          INTEGER,
		  tokens_used        INTEGER,
		  processing_time_ms INTEGER,
		  created_at         TEXT,
		  PRIMARY KEY (job_id, chunk_index)
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS alias_fts USING fts5(
		  char_id UNINDEXED,
		  alias_text,
		  context_words,
		  tokenize = 'unicode61 remove_diacritics 2'
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
