package storage

import (
	"context"
	stderrors "errors"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

type countRow struct {
	Key   string `db:"k"`
	Count int    `db:"n"`
}

// Stats counts entities by kind and language, relationships by kind and
// change requests by pattern
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByKind:         make(map[models.EntityKind]int),
		ByLanguage:     make(map[string]int),
		ByRelation:     make(map[models.RelationKind]int),
		ChangeRequests: make(map[string]int),
	}

	var rows []countRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT kind AS k, COUNT(*) AS n FROM entities GROUP BY kind`); err != nil {
		return nil, errors.DatabaseError(err, "count entities")
	}
	for _, r := range rows {
		stats.ByKind[models.EntityKind(r.Key)] = r.Count
		stats.Entities += r.Count
	}

	rows = nil
	if err := s.db.SelectContext(ctx, &rows, `SELECT language AS k, COUNT(*) AS n FROM entities GROUP BY language`); err != nil {
		return nil, errors.DatabaseError(err, "count languages")
	}
	for _, r := range rows {
		stats.ByLanguage[r.Key] = r.Count
	}

	rows = nil
	if err := s.db.SelectContext(ctx, &rows, `SELECT kind AS k, COUNT(*) AS n FROM relationships GROUP BY kind`); err != nil {
		return nil, errors.DatabaseError(err, "count relationships")
	}
	for _, r := range rows {
		stats.ByRelation[models.RelationKind(r.Key)] = r.Count
		stats.Relationships += r.Count
	}

	rows = nil
	if err := s.db.SelectContext(ctx, &rows, `SELECT pattern AS k, COUNT(*) AS n FROM change_requests GROUP BY pattern`); err != nil {
		return nil, errors.DatabaseError(err, "count change requests")
	}
	for _, r := range rows {
		stats.ChangeRequests[r.Key] = r.Count
	}

	if err := s.db.GetContext(ctx, &stats.Contracts, `SELECT COUNT(*) FROM contracts`); err != nil {
		return nil, errors.DatabaseError(err, "count contracts")
	}
	if err := s.db.GetContext(ctx, &stats.Requirements, `SELECT COUNT(*) FROM requirements`); err != nil {
		return nil, errors.DatabaseError(err, "count requirements")
	}
	if err := s.db.GetContext(ctx, &stats.Runs, s.q(`SELECT COUNT(*) FROM scan_runs WHERE status = ?`), runStatusFinalized); err != nil {
		return nil, errors.DatabaseError(err, "count runs")
	}

	latest, err := s.LatestRun(ctx)
	switch {
	case err == nil:
		stats.LatestRun = latest
	case !stderrors.Is(err, ErrNotFound):
		return nil, err
	}
	return stats, nil
}
