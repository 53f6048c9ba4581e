// Package storage persists the feature graph: entities, relationships,
// scan runs, change request records and declared contracts.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// SQLStore implements Store on sqlite or postgres through sqlx. Queries
// are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	logger  *logrus.Logger

	// writeMu serializes write transactions
	writeMu sync.Mutex
	snap    atomic.Pointer[Snapshot]
}

var _ Store = (*SQLStore)(nil)

// Open creates the store selected by cfg.Storage.Type
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*SQLStore, error) {
	var (
		store *SQLStore
		err   error
	)
	switch cfg.Storage.Type {
	case "", "sqlite":
		store, err = NewSQLiteStore(ctx, cfg.GraphPath(), logger)
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.Storage.PostgresDSN, logger)
	default:
		return nil, errors.ConfigErrorf("unknown storage type %q", cfg.Storage.Type)
	}
	if err != nil {
		return nil, errors.DatabaseError(err, "failed to open graph store")
	}
	return store, nil
}

func newSQLStore(db *sqlx.DB, dialect string, logger *logrus.Logger) *SQLStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

func (s *SQLStore) initSchema(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

type entityRow struct {
	ID           string  `db:"id"`
	Kind         string  `db:"kind"`
	Name         string  `db:"name"`
	Language     string  `db:"language"`
	File         string  `db:"file"`
	StartLine    int     `db:"start_line"`
	EndLine      int     `db:"end_line"`
	Attributes   string  `db:"attributes"`
	Confidence   float64 `db:"confidence"`
	ContentHash  string  `db:"content_hash"`
	FirstSeenRun int64   `db:"first_seen_run"`
	LastSeenRun  int64   `db:"last_seen_run"`
	UpdatedRun   int64   `db:"updated_run"`
}

func (r *entityRow) toModel() (models.Entity, error) {
	e := models.Entity{
		ID:          r.ID,
		Kind:        models.EntityKind(r.Kind),
		Name:        r.Name,
		Language:    r.Language,
		Location:    models.Location{File: r.File, StartLine: r.StartLine, EndLine: r.EndLine},
		Confidence:  r.Confidence,
		ContentHash: r.ContentHash,
	}
	if r.Attributes != "" && r.Attributes != "{}" {
		if err := json.Unmarshal([]byte(r.Attributes), &e.Attributes); err != nil {
			return e, errors.DatabaseErrorf(err, "decode attributes of entity %s", r.ID)
		}
	}
	return e, nil
}

func encodeAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys, so equal maps encode identically
	b, err := json.Marshal(attrs)
	if err != nil {
		return "{}"
	}
	return string(b)
}

const entityColumns = `id, kind, name, language, file, start_line, end_line, attributes,
	confidence, content_hash, first_seen_run, last_seen_run, updated_run`

// UpsertCounts reports what an upsert batch changed
type UpsertCounts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// UpsertEntities writes entities in one transaction. A row is rewritten
// only when its content hash changed; last_seen_run is always bumped.
func (s *SQLStore) UpsertEntities(ctx context.Context, run *Run, entities []models.Entity) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(entities) == 0 {
		return counts, nil
	}
	if run == nil {
		return counts, errors.ValidationError("upsert requires an active run")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return counts, errors.DatabaseError(err, "begin transaction")
	}
	defer tx.Rollback()

	for i := range entities {
		e := &entities[i]
		if e.ID == "" || !e.Kind.Valid() {
			return counts, errors.ValidationErrorf("invalid entity %q of kind %q", e.ID, e.Kind)
		}
		if e.ContentHash == "" {
			e.ContentHash = e.Hash()
		}

		var hash string
		err := tx.GetContext(ctx, &hash, tx.Rebind(`SELECT content_hash FROM entities WHERE id = ?`), e.ID)
		switch {
		case stderrors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO entities (`+entityColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				e.ID, string(e.Kind), e.Name, e.Language, e.Location.File,
				e.Location.StartLine, e.Location.EndLine, encodeAttributes(e.Attributes),
				e.Confidence, e.ContentHash, run.Seq, run.Seq, run.Seq)
			counts.Inserted++
		case err != nil:
			return counts, errors.DatabaseErrorf(err, "look up entity %s", e.ID)
		case hash == e.ContentHash:
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE entities SET last_seen_run = ? WHERE id = ?`), run.Seq, e.ID)
			counts.Unchanged++
		default:
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE entities SET kind = ?, name = ?, language = ?, file = ?, start_line = ?,
					end_line = ?, attributes = ?, confidence = ?, content_hash = ?,
					last_seen_run = ?, updated_run = ?
				WHERE id = ?`),
				string(e.Kind), e.Name, e.Language, e.Location.File, e.Location.StartLine,
				e.Location.EndLine, encodeAttributes(e.Attributes), e.Confidence, e.ContentHash,
				run.Seq, run.Seq, e.ID)
			counts.Updated++
		}
		if err != nil {
			return counts, errors.DatabaseErrorf(err, "upsert entity %s", e.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return counts, errors.DatabaseError(err, "commit entities")
	}
	return counts, nil
}

func toModels(rows []entityRow) ([]models.Entity, error) {
	out := make([]models.Entity, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// upsertRelationship writes one resolved edge under seq. Within a run the
// highest confidence wins; a later run replaces the confidence.
func upsertRelationship(ctx context.Context, db sqlx.ExtContext, seq int64, rel models.Relationship) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO relationships (source_id, target_id, kind, confidence, last_seen_run)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id, target_id, kind) DO UPDATE SET
			confidence = CASE
				WHEN relationships.last_seen_run < excluded.last_seen_run
					OR excluded.confidence > relationships.confidence
				THEN excluded.confidence
				ELSE relationships.confidence
			END,
			last_seen_run = excluded.last_seen_run`),
		rel.SourceID, rel.TargetID, string(rel.Kind), rel.Confidence, seq)
	if err != nil {
		return fmt.Errorf("upsert relationship %s: %w", rel.Key(), err)
	}
	return nil
}

// BufferRelationship holds edges until run finalizes, when symbolic
// endpoints can be resolved against every file of the run.
func (s *SQLStore) BufferRelationship(run *Run, rels ...models.PendingRelationship) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.pending = append(run.pending, rels...)
}
