package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := NewSQLiteStore(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func entity(file string, kind models.EntityKind, name string, attrs map[string]string) models.Entity {
	e := models.Entity{
		ID:         models.EntityID(file, kind, name),
		Kind:       kind,
		Name:       name,
		Language:   "dart",
		Location:   models.Location{File: file, StartLine: 1, EndLine: 10},
		Attributes: attrs,
		Confidence: 1,
	}
	e.ContentHash = e.Hash()
	return e
}

// scan runs one complete pass over entities and pending relationships
func scan(t *testing.T, s *SQLStore, entities []models.Entity, pending []models.PendingRelationship, opts FinalizeOptions) (*Run, *models.ScanRun) {
	t.Helper()
	ctx := context.Background()
	run, err := s.BeginRun(ctx, "/repo")
	require.NoError(t, err)
	_, err = s.UpsertEntities(ctx, run, entities)
	require.NoError(t, err)
	s.BufferRelationship(run, pending...)
	result, err := s.Finalize(ctx, run, opts)
	require.NoError(t, err)
	return run, result
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	screen := entity("lib/kyc.dart", models.KindWidget, "KycScreen", nil)
	bloc := entity("lib/kyc_bloc.dart", models.KindStateComponent, "KycBloc", map[string]string{"events": "Submit"})

	run1, err := s.BeginRun(ctx, "/repo")
	require.NoError(t, err)
	counts, err := s.UpsertEntities(ctx, run1, []models.Entity{screen, bloc})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 2}, counts)
	_, err = s.Finalize(ctx, run1, FinalizeOptions{})
	require.NoError(t, err)

	run2, err := s.BeginRun(ctx, "/repo")
	require.NoError(t, err)
	assert.Greater(t, run2.Seq, run1.Seq)

	changed := entity("lib/kyc_bloc.dart", models.KindStateComponent, "KycBloc", map[string]string{"events": "Submit,Retry"})
	counts, err = s.UpsertEntities(ctx, run2, []models.Entity{screen, changed})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Updated: 1, Unchanged: 1}, counts)
	_, err = s.Finalize(ctx, run2, FinalizeOptions{})
	require.NoError(t, err)

	diff, err := s.DiffSince(ctx, run1.ID)
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
	assert.Equal(t, []string{changed.ID}, diff.Changed)
	assert.Empty(t, diff.Removed)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	got, ok := snap.Entity(changed.ID)
	require.True(t, ok)
	assert.Equal(t, "Submit,Retry", got.Attr("events"))
}

func TestFinalizeResolvesRelationships(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	screen := entity("lib/kyc.dart", models.KindWidget, "KycScreen", nil)
	bloc := entity("lib/kyc_bloc.dart", models.KindStateComponent, "KycBloc", nil)

	pending := []models.PendingRelationship{
		{Source: models.EntityRef{ID: screen.ID}, Target: models.EntityRef{Kind: models.KindStateComponent, Name: "KycBloc", Language: "dart"}, Kind: models.RelUses, Confidence: 0.9},
		{Source: models.EntityRef{ID: screen.ID}, Target: models.EntityRef{Kind: models.KindStateComponent, Name: "KycBloc"}, Kind: models.RelUses, Confidence: 0.5},
		{Source: models.EntityRef{ID: screen.ID}, Target: models.EntityRef{Kind: models.KindRoute, Name: "/missing"}, Kind: models.RelNavigates, Confidence: 0.8},
	}
	_, result := scan(t, s, []models.Entity{screen, bloc}, pending, FinalizeOptions{Files: 2})

	assert.Equal(t, 1, result.Relationships)
	assert.Equal(t, 1, result.DroppedRelationships)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, map[models.EntityKind]int{models.KindWidget: 1, models.KindStateComponent: 1}, result.Counts)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	neighbors := snap.Neighbors(screen.ID, models.RelUses, DirectionOut)
	require.Len(t, neighbors, 1)
	assert.Equal(t, bloc.ID, neighbors[0].ID)

	incoming := snap.Neighbors(bloc.ID, "", DirectionIn)
	require.Len(t, incoming, 1)
	assert.Equal(t, screen.ID, incoming[0].ID)

	edges := snap.Edges(screen.ID, models.RelUses, DirectionOut)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.9, edges[0].Confidence, "highest confidence wins")
}

func TestSymbolicResolutionPrefersLanguage(t *testing.T) {
	r := newResolver([]models.Entity{
		{ID: "a", Kind: models.KindModel, Name: "Mandate", Language: "python"},
		{ID: "b", Kind: models.KindModel, Name: "Mandate", Language: "typescript"},
		{ID: "c", Kind: models.KindModel, Name: "Shared", Language: "python"},
		{ID: "d", Kind: models.KindModel, Name: "Shared", Language: "python"},
	})

	id, err := r.resolve(models.EntityRef{Kind: models.KindModel, Name: "Mandate", Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	_, err = r.resolve(models.EntityRef{Kind: models.KindModel, Name: "Shared", Language: "python"})
	assert.Error(t, err, "ambiguous within one language")

	_, err = r.resolve(models.EntityRef{ID: "zzz"})
	assert.Error(t, err)
}

func TestDeletedFileIsPruned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	screen := entity("lib/kyc.dart", models.KindWidget, "KycScreen", nil)
	bloc := entity("lib/kyc_bloc.dart", models.KindStateComponent, "KycBloc", nil)
	uses := models.PendingRelationship{Source: models.EntityRef{ID: screen.ID}, Target: models.EntityRef{ID: bloc.ID}, Kind: models.RelUses, Confidence: 1}

	run1, _ := scan(t, s, []models.Entity{screen, bloc}, []models.PendingRelationship{uses}, FinalizeOptions{})
	before, err := s.Snapshot(ctx)
	require.NoError(t, err)

	_, result := scan(t, s, []models.Entity{screen}, nil, FinalizeOptions{})
	assert.Equal(t, 1, result.Pruned)
	assert.Equal(t, 0, result.Relationships)

	diff, err := s.DiffSince(ctx, run1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bloc.ID}, diff.Removed)

	after, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Len())
	_, ok := after.Entity(bloc.ID)
	assert.False(t, ok)
	_, ok = before.Entity(bloc.ID)
	assert.True(t, ok, "earlier snapshots are not mutated")
	assert.Greater(t, after.Seq, before.Seq)
}

func TestRetainedFilesSurviveFailedExtraction(t *testing.T) {
	s := newTestStore(t)
	screen := entity("lib/kyc.dart", models.KindWidget, "KycScreen", nil)
	bloc := entity("lib/kyc_bloc.dart", models.KindStateComponent, "KycBloc", nil)
	uses := models.PendingRelationship{Source: models.EntityRef{ID: screen.ID}, Target: models.EntityRef{ID: bloc.ID}, Kind: models.RelUses, Confidence: 1}
	scan(t, s, []models.Entity{screen, bloc}, []models.PendingRelationship{uses}, FinalizeOptions{})

	_, result := scan(t, s, []models.Entity{screen}, nil, FinalizeOptions{Retain: []string{"lib/kyc_bloc.dart"}})
	assert.Equal(t, 0, result.Pruned)
	assert.Equal(t, 1, result.Relationships)
}

func TestFinalizeLinkFunc(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	call := entity("lib/api.dart", models.KindClientCall, "POST /kyc", map[string]string{"method": "POST", "path": "/kyc"})
	endpoint := entity("app/kyc.py", models.KindEndpoint, "POST /kyc", map[string]string{"method": "POST", "path": "/kyc"})

	link := func(entities []models.Entity) []models.Relationship {
		var calls, endpoints []models.Entity
		for _, e := range entities {
			switch e.Kind {
			case models.KindClientCall:
				calls = append(calls, e)
			case models.KindEndpoint:
				endpoints = append(endpoints, e)
			}
		}
		var out []models.Relationship
		for _, c := range calls {
			for _, ep := range endpoints {
				if c.Name == ep.Name {
					out = append(out, models.Relationship{SourceID: c.ID, TargetID: ep.ID, Kind: models.RelCalls, Confidence: 1})
				}
			}
		}
		return out
	}
	_, result := scan(t, s, []models.Entity{call, endpoint}, nil, FinalizeOptions{Link: link})
	assert.Equal(t, 1, result.Relationships)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	neighbors := snap.Neighbors(endpoint.ID, models.RelCalls, DirectionIn)
	require.Len(t, neighbors, 1)
	assert.Equal(t, call.ID, neighbors[0].ID)
}

func TestFinalizeTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	run, _ := scan(t, s, nil, nil, FinalizeOptions{})
	_, err := s.Finalize(ctx, run, FinalizeOptions{})
	assert.Error(t, err)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	scan(t, s, nil, nil, FinalizeOptions{})
	_, second := scan(t, s, nil, nil, FinalizeOptions{Diagnostics: 3})

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, latest.RunID)
	assert.Equal(t, 3, latest.Diagnostics)
	assert.False(t, latest.FinishedAt.IsZero())

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = s.DiffSince(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first, _ := scan(t, s, nil, nil, FinalizeOptions{})

	run, err := s.BeginRun(ctx, "/repo")
	require.NoError(t, err)
	s.BufferRelationship(run, models.PendingRelationship{
		Source: models.EntityRef{ID: "a"}, Target: models.EntityRef{ID: "b"}, Kind: models.RelUses, Confidence: 1,
	})
	require.NoError(t, s.FailRun(ctx, run, assert.AnError))
	assert.Zero(t, run.Pending())

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.RunID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Runs)

	_, err = s.Finalize(ctx, run, FinalizeOptions{})
	assert.Error(t, err, "a failed run cannot be finalized")

	assert.Error(t, s.FailRun(ctx, first, assert.AnError), "a committed run cannot fail")
}

func TestUndecodableColumnsFail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	screen := entity("lib/kyc.dart", models.KindWidget, "KycScreen", map[string]string{"route": "/kyc"})
	scan(t, s, []models.Entity{screen}, nil, FinalizeOptions{})

	_, err := s.db.ExecContext(ctx, `UPDATE entities SET attributes = '{"route":'`)
	require.NoError(t, err)
	_, err = s.loadSnapshot(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDatabase))

	_, err = s.db.ExecContext(ctx, `UPDATE scan_runs SET counts = '[1'`)
	require.NoError(t, err)
	_, err = s.LatestRun(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDatabase))
	_, err = s.ListRuns(ctx, 5)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDatabase))
}

func TestChangeRequestsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := &models.ChangeRequestRecord{
		ID:              "cr-1",
		RawText:         "Add UPI AutoPay",
		DetectedPattern: "upi_autopay",
		Confidence:      0.8,
		States:          []models.CRState{models.CRReceived, models.CRPlanned},
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.AppendChangeRequest(ctx, rec))
	assert.ErrorIs(t, s.AppendChangeRequest(ctx, rec), ErrConflict)

	revised := &models.ChangeRequestRecord{
		ID:              "cr-2",
		RawText:         "Add KYC",
		DetectedPattern: "kyc_enhancement",
		Supersedes:      "cr-1",
		CreatedAt:       rec.CreatedAt.Add(time.Minute),
	}
	require.NoError(t, s.AppendChangeRequest(ctx, revised))

	got, err := s.GetChangeRequest(ctx, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RawText, got.RawText)
	assert.Equal(t, rec.States, got.States)

	_, err = s.GetChangeRequest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListChangeRequests(ctx, ChangeRequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cr-1", all[0].ID)

	kyc, err := s.ListChangeRequests(ctx, ChangeRequestFilter{Pattern: "kyc_enhancement"})
	require.NoError(t, err)
	require.Len(t, kyc, 1)
	assert.Equal(t, "cr-1", kyc[0].Supersedes)
}

func TestContractsAndStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertContracts(ctx, []models.Contract{
		{ID: "upi.create", Method: "POST", Path: "/upi/mandate/create"},
		{ID: "kyc.verify", Method: "POST", Path: "/kyc/verify"},
	}))
	require.NoError(t, s.UpsertContracts(ctx, []models.Contract{
		{ID: "upi.create", Method: "POST", Path: "/upi/mandates"},
	}))
	contracts, err := s.ListContracts(ctx)
	require.NoError(t, err)
	require.Len(t, contracts, 2)
	assert.Equal(t, "kyc.verify", contracts[0].ID)
	assert.Equal(t, "/upi/mandates", contracts[1].Path)

	screen := entity("lib/kyc.dart", models.KindWidget, "KycScreen", nil)
	bloc := entity("lib/kyc_bloc.dart", models.KindStateComponent, "KycBloc", nil)
	uses := models.PendingRelationship{Source: models.EntityRef{ID: screen.ID}, Target: models.EntityRef{ID: bloc.ID}, Kind: models.RelUses, Confidence: 1}
	scan(t, s, []models.Entity{screen, bloc}, []models.PendingRelationship{uses}, FinalizeOptions{})
	require.NoError(t, s.AppendChangeRequest(ctx, &models.ChangeRequestRecord{ID: "cr-1", DetectedPattern: "kyc_enhancement", CreatedAt: time.Now()}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 1, stats.ByKind[models.KindWidget])
	assert.Equal(t, 2, stats.ByLanguage["dart"])
	assert.Equal(t, 1, stats.ByRelation[models.RelUses])
	assert.Equal(t, 1, stats.ChangeRequests["kyc_enhancement"])
	assert.Equal(t, 2, stats.Contracts)
	assert.Equal(t, 0, stats.Requirements)
	assert.Equal(t, 1, stats.Runs)
	require.NotNil(t, stats.LatestRun)
}

func TestRequirements(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertRequirements(ctx, []models.Requirement{
		{ID: "brd-2", Title: "Mandate limits", FeatureArea: "payments", Priority: "P1", AcceptanceCriteria: []string{"limit shown"}},
		{ID: "brd-1", Title: "UPI AutoPay", FeatureArea: "payments", Priority: "P2"},
		{ID: "kyc", Title: "PAN capture", FeatureArea: "onboarding", Priority: "P2"},
	}))
	require.NoError(t, s.UpsertRequirements(ctx, []models.Requirement{
		{ID: "brd-1", Title: "UPI AutoPay mandates", FeatureArea: "payments", Priority: "P0"},
	}))

	all, err := s.ListRequirements(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"brd-1", "brd-2", "kyc"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "UPI AutoPay mandates", all[0].Title)
	assert.Equal(t, "P0", all[0].Priority)
	assert.Equal(t, []string{"limit shown"}, all[1].AcceptanceCriteria)

	payments, err := s.ListRequirements(ctx, "payments")
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	err = s.UpsertRequirements(ctx, []models.Requirement{{Title: "no id"}})
	assert.Error(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Requirements)
}

func TestSnapshotBeforeFirstRun(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Seq)
	assert.Equal(t, 0, snap.Len())
}
