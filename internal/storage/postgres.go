package storage

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// NewPostgresStore connects to a PostgreSQL graph store
func NewPostgresStore(ctx context.Context, dsn string, logger *logrus.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := newSQLStore(db, dialectPostgres, logger)
	if err := store.initSchema(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS scan_runs (
		seq BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL UNIQUE,
		root TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
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
		confidence DOUBLE PRECISION NOT NULL,
		content_hash TEXT NOT NULL,
		first_seen_run BIGINT NOT NULL,
		last_seen_run BIGINT NOT NULL,
		updated_run BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relationships (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		last_seen_run BIGINT NOT NULL,
		PRIMARY KEY (source_id, target_id, kind)
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		file TEXT NOT NULL,
		removed_run BIGINT NOT NULL,
		PRIMARY KEY (id, removed_run)
	);

	CREATE TABLE IF NOT EXISTS change_requests (
		id TEXT PRIMARY KEY,
		pattern TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		supersedes TEXT,
		snapshot_seq BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		record TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		source TEXT,
		body TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requirements (
		id TEXT PRIMARY KEY,
		feature_area TEXT NOT NULL,
		priority TEXT NOT NULL,
		source TEXT,
		body TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
	CREATE INDEX IF NOT EXISTS idx_entities_file ON entities(file);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);
	CREATE INDEX IF NOT EXISTS idx_change_requests_pattern ON change_requests(pattern);
`
