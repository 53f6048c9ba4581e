package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sort"
	"time"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

// AppendChangeRequest stores a new change request record. Records are
// immutable: appending an id that already exists returns ErrConflict.
func (s *SQLStore) AppendChangeRequest(ctx context.Context, rec *models.ChangeRequestRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.ValidationError("change request record requires an id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.InternalErrorf("encode change request: %v", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError(err, "begin transaction")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM change_requests WHERE id = ?`), rec.ID); err != nil {
		return errors.DatabaseError(err, "check change request")
	}
	if exists > 0 {
		return ErrConflict
	}

	var supersedes interface{}
	if rec.Supersedes != "" {
		supersedes = rec.Supersedes
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO change_requests (id, pattern, confidence, supersedes, snapshot_seq, created_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.DetectedPattern, rec.Confidence, supersedes, rec.SnapshotSeq, rec.CreatedAt.UTC(), string(body))
	if err != nil {
		return errors.DatabaseErrorf(err, "append change request %s", rec.ID)
	}
	return tx.Commit()
}

// GetChangeRequest returns the record with id
func (s *SQLStore) GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequestRecord, error) {
	var body string
	err := s.db.GetContext(ctx, &body, s.q(`SELECT record FROM change_requests WHERE id = ?`), id)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.DatabaseErrorf(err, "get change request %s", id)
	}
	var rec models.ChangeRequestRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, errors.InternalErrorf("decode change request %s: %v", id, err)
	}
	return &rec, nil
}

// ListChangeRequests returns records oldest first
func (s *SQLStore) ListChangeRequests(ctx context.Context, filter ChangeRequestFilter) ([]*models.ChangeRequestRecord, error) {
	query := `SELECT record FROM change_requests`
	var args []interface{}
	if filter.Pattern != "" {
		query += ` WHERE pattern = ?`
		args = append(args, filter.Pattern)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, s.q(query), args...); err != nil {
		return nil, errors.DatabaseError(err, "list change requests")
	}
	out := make([]*models.ChangeRequestRecord, 0, len(bodies))
	for _, body := range bodies {
		var rec models.ChangeRequestRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, errors.InternalErrorf("decode change request: %v", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// UpsertContracts stores declared contracts, replacing any with the same id
func (s *SQLStore) UpsertContracts(ctx context.Context, contracts []models.Contract) error {
	if len(contracts) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError(err, "begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range contracts {
		if c.ID == "" {
			return errors.ValidationErrorf("contract %s %s has no id", c.Method, c.Path)
		}
		body, err := json.Marshal(c)
		if err != nil {
			return errors.InternalErrorf("encode contract %s: %v", c.ID, err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO contracts (id, method, path, source, body, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				method = excluded.method,
				path = excluded.path,
				source = excluded.source,
				body = excluded.body,
				updated_at = excluded.updated_at`),
			c.ID, c.Method, c.Path, c.Source, string(body), now)
		if err != nil {
			return errors.DatabaseErrorf(err, "save contract %s", c.ID)
		}
	}
	return tx.Commit()
}

// ListContracts returns stored contracts ordered by id
func (s *SQLStore) ListContracts(ctx context.Context) ([]models.Contract, error) {
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, `SELECT body FROM contracts ORDER BY id`); err != nil {
		return nil, errors.DatabaseError(err, "list contracts")
	}
	out := make([]models.Contract, 0, len(bodies))
	for _, body := range bodies {
		var c models.Contract
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, errors.InternalErrorf("decode contract: %v", err)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertRequirements stores requirement records, replacing any with the
// same id
func (s *SQLStore) UpsertRequirements(ctx context.Context, reqs []models.Requirement) error {
	if len(reqs) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError(err, "begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, r := range reqs {
		if r.ID == "" {
			return errors.ValidationErrorf("requirement %q has no id", r.Title)
		}
		body, err := json.Marshal(r)
		if err != nil {
			return errors.InternalErrorf("encode requirement %s: %v", r.ID, err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO requirements (id, feature_area, priority, source, body, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				feature_area = excluded.feature_area,
				priority = excluded.priority,
				source = excluded.source,
				body = excluded.body,
				updated_at = excluded.updated_at`),
			r.ID, r.FeatureArea, r.Priority, r.Source, string(body), now)
		if err != nil {
			return errors.DatabaseErrorf(err, "save requirement %s", r.ID)
		}
	}
	return tx.Commit()
}

// ListRequirements returns stored requirements ordered by id. A non-empty
// area keeps only that feature area.
func (s *SQLStore) ListRequirements(ctx context.Context, area string) ([]models.Requirement, error) {
	query := `SELECT body FROM requirements`
	var args []interface{}
	if area != "" {
		query += ` WHERE feature_area = ?`
		args = append(args, area)
	}
	query += ` ORDER BY id`

	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, s.q(query), args...); err != nil {
		return nil, errors.DatabaseError(err, "list requirements")
	}
	out := make([]models.Requirement, 0, len(bodies))
	for _, body := range bodies {
		var r models.Requirement
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, errors.InternalErrorf("decode requirement: %v", err)
		}
		out = append(out, r)
	}
	return out, nil
}
