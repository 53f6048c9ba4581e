package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// NewSQLiteStore opens (creating if needed) a sqlite graph store. Use
// ":memory:" for a throwaway store.
func NewSQLiteStore(ctx context.Context, path string, logger *logrus.Logger) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000"
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	// Enable foreign keys and WAL mode for better concurrency
	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	store := newSQLStore(db, dialectSQLite, logger)
	if err := store.initSchema(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS scan_runs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		root TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		files INTEGER NOT NULL DEFAULT 0,
		diagnostics INTEGER NOT NULL DEFAULT 0,
		relationships INTEGER NOT NULL DEFAULT 0,
		dropped INTEGER NOT NULL DEFAULT 0,
		pruned INTEGER NOT NULL DEFAULT 0,
		counts TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		language TEXT NOT NULL,
		file TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		attributes TEXT NOT NULL DEFAULT '{}',
		confidence REAL NOT NULL,
		content_hash TEXT NOT NULL,
		first_seen_run INTEGER NOT NULL,
		last_seen_run INTEGER NOT NULL,
		updated_run INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relationships (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		confidence REAL NOT NULL,
		last_seen_run INTEGER NOT NULL,
		PRIMARY KEY (source_id, target_id, kind)
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		file TEXT NOT NULL,
		removed_run INTEGER NOT NULL,
		PRIMARY KEY (id, removed_run)
	);

	CREATE TABLE IF NOT EXISTS change_requests (
		id TEXT PRIMARY KEY,
		pattern TEXT NOT NULL,
		confidence REAL NOT NULL,
		supersedes TEXT,
		snapshot_seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		record TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		source TEXT,
		body TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requirements (
		id TEXT PRIMARY KEY,
		feature_area TEXT NOT NULL,
		priority TEXT NOT NULL,
		source TEXT,
		body TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
	CREATE INDEX IF NOT EXISTS idx_entities_file ON entities(file);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);
	CREATE INDEX IF NOT EXISTS idx_change_requests_pattern ON change_requests(pattern);
`
