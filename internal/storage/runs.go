package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

const (
	runStatusRunning   = "running"
	runStatusFinalized = "finalized"
	runStatusFailed    = "failed"
)

// Run is an open scan run. Entities upserted under it are stamped with
// its sequence number; entities it never stamps are pruned by Finalize.
type Run struct {
	ID        string
	Seq       int64
	Root      string
	StartedAt time.Time

	mu        sync.Mutex
	pending   []models.PendingRelationship
	finalized bool // Finalize or FailRun was called
	committed bool // Finalize committed
}

// Pending returns the number of buffered relationships
func (r *Run) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

type runRow struct {
	Seq           int64        `db:"seq"`
	RunID         string       `db:"run_id"`
	Root          string       `db:"root"`
	Status        string       `db:"status"`
	StartedAt     time.Time    `db:"started_at"`
	FinishedAt    sql.NullTime `db:"finished_at"`
	Files         int          `db:"files"`
	Diagnostics   int          `db:"diagnostics"`
	Relationships int          `db:"relationships"`
	Dropped       int          `db:"dropped"`
	Pruned        int          `db:"pruned"`
	Counts        string       `db:"counts"`
}

func (r *runRow) toModel() (*models.ScanRun, error) {
	run := &models.ScanRun{
		RunID:                r.RunID,
		Seq:                  r.Seq,
		Root:                 r.Root,
		StartedAt:            r.StartedAt.UTC(),
		Files:                r.Files,
		Diagnostics:          r.Diagnostics,
		Relationships:        r.Relationships,
		DroppedRelationships: r.Dropped,
		Pruned:               r.Pruned,
		Counts:               map[models.EntityKind]int{},
	}
	if r.FinishedAt.Valid {
		run.FinishedAt = r.FinishedAt.Time.UTC()
	}
	if r.Counts != "" {
		if err := json.Unmarshal([]byte(r.Counts), &run.Counts); err != nil {
			return nil, errors.DatabaseErrorf(err, "decode counts of run %s", r.RunID)
		}
	}
	return run, nil
}

const runColumns = `seq, run_id, root, status, started_at, finished_at, files, diagnostics,
	relationships, dropped, pruned, counts`

// BeginRun opens a scan run and assigns its sequence number
func (s *SQLStore) BeginRun(ctx context.Context, root string) (*Run, error) {
	run := &Run{ID: uuid.New().String(), Root: root, StartedAt: time.Now().UTC()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO scan_runs (run_id, root, status, started_at, counts)
		VALUES (?, ?, ?, ?, '{}') RETURNING seq`),
		run.ID, root, runStatusRunning, run.StartedAt).Scan(&run.Seq)
	if err != nil {
		return nil, errors.DatabaseError(err, "begin scan run")
	}

	s.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"seq":    run.Seq,
		"root":   root,
	}).Debug("scan run started")
	return run, nil
}

// Finalize closes run: buffered relationships are resolved, derived links
// added, unobserved entities pruned with tombstones, and a new snapshot
// published.
func (s *SQLStore) Finalize(ctx context.Context, run *Run, opts FinalizeOptions) (*models.ScanRun, error) {
	run.mu.Lock()
	if run.finalized {
		run.mu.Unlock()
		return nil, errors.ValidationErrorf("run %s already finalized", run.ID)
	}
	pending := run.pending
	run.pending = nil
	run.finalized = true
	run.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.DatabaseError(err, "begin finalize")
	}
	defer tx.Rollback()

	var rows []entityRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+entityColumns+` FROM entities ORDER BY id`); err != nil {
		return nil, errors.DatabaseError(err, "load entities")
	}

	retained := make(map[string]bool, len(opts.Retain))
	for _, f := range opts.Retain {
		retained[f] = true
	}

	var live, stale []models.Entity
	keep := make(map[string]bool)
	for i := range rows {
		e, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		if rows[i].LastSeenRun == run.Seq || retained[e.Location.File] {
			live = append(live, e)
			if rows[i].LastSeenRun != run.Seq {
				keep[e.ID] = true
			}
			continue
		}
		stale = append(stale, e)
	}

	// Resolve buffered relationships against everything this run observed
	res := newResolver(live)
	dropped := 0
	for _, p := range pending {
		src, err := res.resolve(p.Source)
		if err == nil {
			var tgt string
			if tgt, err = res.resolve(p.Target); err == nil {
				if src == tgt {
					continue
				}
				rel := models.Relationship{SourceID: src, TargetID: tgt, Kind: p.Kind, Confidence: p.Confidence}
				if err := upsertRelationship(ctx, tx, run.Seq, rel); err != nil {
					return nil, errors.DatabaseError(err, "store relationship")
				}
				continue
			}
		}
		dropped++
		s.logger.WithFields(logrus.Fields{
			"file":   p.File,
			"kind":   p.Kind,
			"source": p.Source.String(),
			"target": p.Target.String(),
		}).Debug(err.Error())
	}
	if dropped > 0 {
		s.logger.WithFields(logrus.Fields{"run_id": run.ID, "dropped": dropped}).
			Warn("unresolved relationships dropped")
	}

	// Prune entities the run no longer observes
	for _, e := range stale {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO tombstones (id, kind, name, file, removed_run) VALUES (?, ?, ?, ?, ?)`),
			e.ID, string(e.Kind), e.Name, e.Location.File, run.Seq); err != nil {
			return nil, errors.DatabaseErrorf(err, "tombstone %s", e.ID)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM relationships WHERE source_id = ? OR target_id = ?`), e.ID, e.ID); err != nil {
			return nil, errors.DatabaseErrorf(err, "delete edges of %s", e.ID)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM entities WHERE id = ?`), e.ID); err != nil {
			return nil, errors.DatabaseErrorf(err, "prune %s", e.ID)
		}
	}

	if opts.Link != nil {
		for _, rel := range opts.Link(live) {
			if rel.SourceID == rel.TargetID {
				continue
			}
			if err := upsertRelationship(ctx, tx, run.Seq, rel); err != nil {
				return nil, errors.DatabaseError(err, "store derived link")
			}
		}
	}

	if err := deleteStaleRelationships(ctx, tx, run.Seq, keep); err != nil {
		return nil, err
	}

	var relCount int
	if err := tx.GetContext(ctx, &relCount, `SELECT COUNT(*) FROM relationships`); err != nil {
		return nil, errors.DatabaseError(err, "count relationships")
	}

	counts := make(map[models.EntityKind]int)
	for _, e := range live {
		counts[e.Kind]++
	}
	scanRun := &models.ScanRun{
		RunID:                run.ID,
		Seq:                  run.Seq,
		Root:                 run.Root,
		StartedAt:            run.StartedAt,
		FinishedAt:           time.Now().UTC(),
		Counts:               counts,
		Files:                opts.Files,
		Diagnostics:          opts.Diagnostics,
		Relationships:        relCount,
		DroppedRelationships: dropped,
		Pruned:               len(stale),
	}
	if err := recordScanRun(ctx, tx, scanRun, runStatusFinalized); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.DatabaseError(err, "commit finalize")
	}
	run.mu.Lock()
	run.committed = true
	run.mu.Unlock()

	snap, err := s.loadSnapshot(ctx, scanRun)
	if err != nil {
		return nil, err
	}
	s.snap.Store(snap)

	s.logger.WithFields(logrus.Fields{
		"run_id":        run.ID,
		"seq":           run.Seq,
		"entities":      len(live),
		"relationships": relCount,
		"pruned":        len(stale),
	}).Info("scan run finalized")
	return scanRun, nil
}

// deleteStaleRelationships removes edges the run did not re-emit unless
// one endpoint belongs to a retained file
func deleteStaleRelationships(ctx context.Context, tx *sqlx.Tx, seq int64, keep map[string]bool) error {
	var stale []models.Relationship
	if err := tx.SelectContext(ctx, &stale, tx.Rebind(`
		SELECT source_id, target_id, kind, confidence FROM relationships WHERE last_seen_run < ?`), seq); err != nil {
		return errors.DatabaseError(err, "load stale relationships")
	}
	for _, rel := range stale {
		if keep[rel.SourceID] || keep[rel.TargetID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM relationships WHERE source_id = ? AND target_id = ? AND kind = ?`),
			rel.SourceID, rel.TargetID, string(rel.Kind)); err != nil {
			return errors.DatabaseErrorf(err, "delete relationship %s", rel.Key())
		}
	}
	return nil
}

// resolver maps entity references onto the entities of one run
type resolver struct {
	byID   map[string]models.Entity
	byName map[string][]models.Entity
}

func newResolver(entities []models.Entity) *resolver {
	r := &resolver{
		byID:   make(map[string]models.Entity, len(entities)),
		byName: make(map[string][]models.Entity),
	}
	for _, e := range entities {
		r.byID[e.ID] = e
		key := string(e.Kind) + "|" + e.Name
		r.byName[key] = append(r.byName[key], e)
	}
	return r
}

// resolve returns the id ref points at. Symbolic references must match a
// unique (kind, name), preferring the reference's own language.
func (r *resolver) resolve(ref models.EntityRef) (string, error) {
	if ref.ID != "" {
		if _, ok := r.byID[ref.ID]; ok {
			return ref.ID, nil
		}
		return "", errors.GraphIntegrityErrorf("unknown entity %s", ref.ID)
	}

	candidates := r.byName[string(ref.Kind)+"|"+ref.Name]
	switch len(candidates) {
	case 0:
		return "", errors.GraphIntegrityErrorf("no %s named %q", ref.Kind, ref.Name)
	case 1:
		return candidates[0].ID, nil
	}

	var same []models.Entity
	for _, c := range candidates {
		if c.Language == ref.Language {
			same = append(same, c)
		}
	}
	if len(same) == 1 {
		return same[0].ID, nil
	}
	return "", errors.GraphIntegrityErrorf("%d entities match %s %q", len(candidates), ref.Kind, ref.Name)
}

// FailRun closes a run that cannot be finalized, including one whose
// Finalize returned an error. Its row is marked failed with the time of
// failure; entities it stamped stay until the next finalized run prunes
// or re-observes them.
func (s *SQLStore) FailRun(ctx context.Context, run *Run, cause error) error {
	run.mu.Lock()
	if run.committed {
		run.mu.Unlock()
		return errors.ValidationErrorf("run %s already finalized", run.ID)
	}
	run.pending = nil
	run.finalized = true
	run.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	failed := &models.ScanRun{
		RunID:      run.ID,
		Seq:        run.Seq,
		Root:       run.Root,
		StartedAt:  run.StartedAt,
		FinishedAt: time.Now().UTC(),
	}
	if err := recordScanRun(ctx, s.db, failed, runStatusFailed); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"seq":    run.Seq,
		"cause":  cause,
	}).Warn("scan run failed")
	return nil
}

func recordScanRun(ctx context.Context, db sqlx.ExtContext, run *models.ScanRun, status string) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return errors.InternalErrorf("encode run counts: %v", err)
	}
	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt
	}

	result, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE scan_runs SET root = ?, status = ?, finished_at = ?, files = ?, diagnostics = ?,
			relationships = ?, dropped = ?, pruned = ?, counts = ?
		WHERE run_id = ?`),
		run.Root, status, finished, run.Files, run.Diagnostics,
		run.Relationships, run.DroppedRelationships, run.Pruned, string(counts), run.RunID)
	if err != nil {
		return errors.DatabaseErrorf(err, "record run %s", run.RunID)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	started := run.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	err = sqlx.GetContext(ctx, db, &run.Seq, db.Rebind(`
		INSERT INTO scan_runs (run_id, root, status, started_at, finished_at, files, diagnostics,
			relationships, dropped, pruned, counts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		run.RunID, run.Root, status, started, finished, run.Files, run.Diagnostics,
		run.Relationships, run.DroppedRelationships, run.Pruned, string(counts))
	if err != nil {
		return errors.DatabaseErrorf(err, "record run %s", run.RunID)
	}
	return nil
}

// LatestRun returns the most recent finalized run
func (s *SQLStore) LatestRun(ctx context.Context) (*models.ScanRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT `+runColumns+` FROM scan_runs WHERE status = ? ORDER BY seq DESC LIMIT 1`), runStatusFinalized)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.DatabaseError(err, "latest run")
	}
	return row.toModel()
}

// ListRuns returns finalized runs, newest first
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]*models.ScanRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+runColumns+` FROM scan_runs WHERE status = ? ORDER BY seq DESC LIMIT ?`),
		runStatusFinalized, limit)
	if err != nil {
		return nil, errors.DatabaseError(err, "list runs")
	}
	runs := make([]*models.ScanRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// DiffSince lists entity ids added, changed or removed after runID
func (s *SQLStore) DiffSince(ctx context.Context, runID string) (*models.Diff, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, s.q(`SELECT seq FROM scan_runs WHERE run_id = ?`), runID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.DatabaseErrorf(err, "look up run %s", runID)
	}

	diff := &models.Diff{SinceRunID: runID, Added: []string{}, Changed: []string{}, Removed: []string{}}
	if err := s.db.SelectContext(ctx, &diff.Added, s.q(`
		SELECT id FROM entities WHERE first_seen_run > ? ORDER BY id`), seq); err != nil {
		return nil, errors.DatabaseError(err, "diff added")
	}
	if err := s.db.SelectContext(ctx, &diff.Changed, s.q(`
		SELECT id FROM entities WHERE first_seen_run <= ? AND updated_run > ? ORDER BY id`), seq, seq); err != nil {
		return nil, errors.DatabaseError(err, "diff changed")
	}
	if err := s.db.SelectContext(ctx, &diff.Removed, s.q(`
		SELECT DISTINCT id FROM tombstones
		WHERE removed_run > ? AND id NOT IN (SELECT id FROM entities)
		ORDER BY id`), seq); err != nil {
		return nil, errors.DatabaseError(err, "diff removed")
	}
	sort.Strings(diff.Removed)
	return diff, nil
}
