package storage

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

// Snapshot is an immutable view of the graph as of one finalized run.
// Readers share it freely; a later Finalize publishes a new Snapshot
// instead of mutating this one.
type Snapshot struct {
	Seq   int64
	RunID string

	entities map[string]models.Entity
	ordered  []string
	rels     []models.Relationship
	out      map[string][]models.Relationship
	in       map[string][]models.Relationship
}

// NewSnapshot indexes entities and relationships. Relationships whose
// endpoints are missing are ignored.
func NewSnapshot(seq int64, runID string, entities []models.Entity, rels []models.Relationship) *Snapshot {
	s := &Snapshot{
		Seq:      seq,
		RunID:    runID,
		entities: make(map[string]models.Entity, len(entities)),
		out:      make(map[string][]models.Relationship),
		in:       make(map[string][]models.Relationship),
	}
	for _, e := range entities {
		if _, dup := s.entities[e.ID]; !dup {
			s.ordered = append(s.ordered, e.ID)
		}
		s.entities[e.ID] = e
	}
	sort.Strings(s.ordered)

	for _, r := range rels {
		if _, ok := s.entities[r.SourceID]; !ok {
			continue
		}
		if _, ok := s.entities[r.TargetID]; !ok {
			continue
		}
		s.rels = append(s.rels, r)
		s.out[r.SourceID] = append(s.out[r.SourceID], r)
		s.in[r.TargetID] = append(s.in[r.TargetID], r)
	}
	sort.Slice(s.rels, func(i, j int) bool { return s.rels[i].Key() < s.rels[j].Key() })
	return s
}

// Len returns the number of entities
func (s *Snapshot) Len() int { return len(s.ordered) }

// Entity looks up one entity by id
func (s *Snapshot) Entity(id string) (models.Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Entities returns all entities ordered by id
func (s *Snapshot) Entities() []models.Entity {
	out := make([]models.Entity, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, s.entities[id])
	}
	return out
}

// ByKind returns entities of kind ordered by id
func (s *Snapshot) ByKind(kind models.EntityKind) []models.Entity {
	var out []models.Entity
	for _, id := range s.ordered {
		if e := s.entities[id]; e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Relationships returns all edges ordered by key
func (s *Snapshot) Relationships() []models.Relationship {
	return append([]models.Relationship(nil), s.rels...)
}

// Edges returns the relationships touching id in dir, optionally
// restricted to kind
func (s *Snapshot) Edges(id string, kind models.RelationKind, dir Direction) []models.Relationship {
	var out []models.Relationship
	if dir == DirectionOut || dir == DirectionBoth || dir == "" {
		for _, r := range s.out[id] {
			if kind == "" || r.Kind == kind {
				out = append(out, r)
			}
		}
	}
	if dir == DirectionIn || dir == DirectionBoth || dir == "" {
		for _, r := range s.in[id] {
			if kind == "" || r.Kind == kind {
				out = append(out, r)
			}
		}
	}
	return out
}

// Neighbors returns distinct entities one edge away from id, ordered by id
func (s *Snapshot) Neighbors(id string, kind models.RelationKind, dir Direction) []models.Entity {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range s.Edges(id, kind, dir) {
		other := r.TargetID
		if other == id {
			other = r.SourceID
		}
		if !seen[other] {
			seen[other] = true
			ids = append(ids, other)
		}
	}
	sort.Strings(ids)
	out := make([]models.Entity, 0, len(ids))
	for _, nid := range ids {
		out = append(out, s.entities[nid])
	}
	return out
}

// Snapshot returns the graph as of the latest finalized run. An empty
// snapshot with Seq 0 is returned before the first run.
func (s *SQLStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := s.snap.Load(); snap != nil {
		return snap, nil
	}

	latest, err := s.LatestRun(ctx)
	if err != nil && !stderrors.Is(err, ErrNotFound) {
		return nil, err
	}
	snap, err := s.loadSnapshot(ctx, latest)
	if err != nil {
		return nil, err
	}
	// Another goroutine may have published a newer snapshot meanwhile
	if s.snap.CompareAndSwap(nil, snap) {
		return snap, nil
	}
	return s.snap.Load(), nil
}

func (s *SQLStore) loadSnapshot(ctx context.Context, run *models.ScanRun) (*Snapshot, error) {
	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+entityColumns+` FROM entities`); err != nil {
		return nil, errors.DatabaseError(err, "load snapshot entities")
	}
	var rels []models.Relationship
	if err := s.db.SelectContext(ctx, &rels, `
		SELECT source_id, target_id, kind, confidence FROM relationships`); err != nil {
		return nil, errors.DatabaseError(err, "load snapshot relationships")
	}

	var seq int64
	var runID string
	if run != nil {
		seq, runID = run.Seq, run.RunID
	}
	entities, err := toModels(rows)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(seq, runID, entities, rels), nil
}
