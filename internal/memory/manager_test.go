package memory

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/semantic"
	"github.com/brutev/fd-agent/internal/storage"
)

type fakeSearcher struct {
	hits       []semantic.Hit
	err        error
	k          int
	collection string
}

func (f *fakeSearcher) Query(ctx context.Context, collection, text string, k int) ([]semantic.Hit, error) {
	f.k = k
	f.collection = collection
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func ent(id string, kind models.EntityKind, name string, attrs map[string]string) models.Entity {
	return models.Entity{ID: id, Kind: kind, Name: name, Language: "dart", Attributes: attrs}
}

// upi screen -> bloc -> client call; kyc screen stands alone
func testSnapshot() *storage.Snapshot {
	return storage.NewSnapshot(7, "run-7", []models.Entity{
		ent("screen", models.KindWidget, "UpiMandateScreen", nil),
		ent("bloc", models.KindStateComponent, "MandateBloc", map[string]string{"events": "CreateMandate"}),
		ent("call", models.KindClientCall, "POST /upi/mandate/create", map[string]string{"path": "/upi/mandate/create"}),
		ent("kyc", models.KindWidget, "KycScreen", nil),
	}, []models.Relationship{
		{SourceID: "screen", TargetID: "bloc", Kind: models.RelUses, Confidence: 1},
		{SourceID: "bloc", TargetID: "call", Kind: models.RelCalls, Confidence: 0.8},
	})
}

func TestRetrieveExpandsOneHop(t *testing.T) {
	searcher := &fakeSearcher{hits: []semantic.Hit{
		{ID: "gone", Score: 0.99},
		{ID: "screen", Score: 0.9},
		{ID: "kyc", Score: 0.2},
	}}
	m := NewManager(searcher, config.MemoryConfig{TopK: 4})

	bundle, err := m.Retrieve(context.Background(), testSnapshot(), "upi mandate", 2)
	require.NoError(t, err)
	assert.False(t, bundle.Degraded)
	assert.Equal(t, int64(7), bundle.SnapshotSeq)
	assert.Equal(t, 8, searcher.k)

	require.Len(t, bundle.Items, 3)
	assert.Equal(t, []string{"screen", "bloc", "kyc"}, bundle.EntityIDs())
	assert.Equal(t, 0, bundle.Items[0].Distance)
	assert.Equal(t, 1, bundle.Items[1].Distance)
	assert.Equal(t, 0, bundle.Items[1].Rank)
	assert.Equal(t, "screen", bundle.Items[1].Via)
	assert.Equal(t, 1, bundle.Items[2].Rank)
}

func TestRetrieveKeepsBestRank(t *testing.T) {
	searcher := &fakeSearcher{hits: []semantic.Hit{
		{ID: "bloc", Score: 0.9},
		{ID: "screen", Score: 0.8},
	}}
	m := NewManager(searcher, config.MemoryConfig{})

	bundle, err := m.Retrieve(context.Background(), testSnapshot(), "mandate", 2)
	require.NoError(t, err)

	byID := map[string]Item{}
	for _, it := range bundle.Items {
		byID[it.Entity.ID] = it
	}
	require.Len(t, byID, 3)
	// screen is a seed at rank 1 and a neighbor of the rank 0 seed
	assert.Equal(t, 0, byID["screen"].Rank)
	assert.Equal(t, 1, byID["screen"].Distance)
	assert.Equal(t, 0, byID["call"].Rank)
	assert.Equal(t, []string{"bloc", "call", "screen"}, bundle.EntityIDs())
}

func TestRetrieveDropsUnrelatedHits(t *testing.T) {
	searcher := &fakeSearcher{hits: []semantic.Hit{
		{ID: "screen", Score: 0.4},
		{ID: "kyc", Score: 0.05},
		{ID: "bloc", Score: 0},
		{ID: "call", Score: -0.3},
	}}

	m := NewManager(searcher, config.MemoryConfig{TopK: 8, MinScore: 0.1})
	items, degraded, err := m.Search(context.Background(), testSnapshot(), "upi mandate", 0)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, items, 1)
	assert.Equal(t, "screen", items[0].Entity.ID)

	m = NewManager(searcher, config.MemoryConfig{TopK: 8})
	items, _, err = m.Search(context.Background(), testSnapshot(), "upi mandate", 0)
	require.NoError(t, err)
	var ids []string
	for _, it := range items {
		ids = append(ids, it.Entity.ID)
	}
	assert.Equal(t, []string{"screen", "kyc"}, ids)

	searcher.hits = []semantic.Hit{{ID: "kyc", Score: 0}, {ID: "bloc", Score: -0.1}}
	bundle, err := m.Retrieve(context.Background(), testSnapshot(), "theme colours", 0)
	require.NoError(t, err)
	assert.Empty(t, bundle.Items)
}

func TestRetrieveDegradesWithoutIndex(t *testing.T) {
	searcher := &fakeSearcher{err: errors.IndexUnavailable(stderrors.New("dial tcp"), "embedding backend unavailable")}
	m := NewManager(searcher, config.MemoryConfig{TopK: 1})

	bundle, err := m.Retrieve(context.Background(), testSnapshot(), "kyc screen", 0)
	require.NoError(t, err)
	assert.True(t, bundle.Degraded)
	require.NotEmpty(t, bundle.Items)
	assert.Equal(t, "kyc", bundle.Items[0].Entity.ID)
	assert.Equal(t, 1.0, bundle.Items[0].Score)
}

func TestRetrievePropagatesOtherErrors(t *testing.T) {
	searcher := &fakeSearcher{err: stderrors.New("disk full")}
	m := NewManager(searcher, config.MemoryConfig{})
	_, err := m.Retrieve(context.Background(), testSnapshot(), "kyc", 3)
	assert.Error(t, err)
}

func TestSearchNilIndex(t *testing.T) {
	m := NewManager(nil, config.MemoryConfig{})
	items, degraded, err := m.Search(context.Background(), testSnapshot(), "create mandate", 5)
	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, items, 3)
	// bloc and call match both keywords, the screen only "mandate"
	assert.Equal(t, "bloc", items[0].Entity.ID)
	assert.Equal(t, "call", items[1].Entity.ID)
	assert.Equal(t, "screen", items[2].Entity.ID)

	items, _, err = m.Search(context.Background(), testSnapshot(), "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRelatedRequirements(t *testing.T) {
	reqs := []models.Requirement{
		{ID: "brd-1", Title: "UPI AutoPay", Description: "Recurring mandates from the payments tab"},
		{ID: "brd-2", Title: "Mandate limits", AcceptanceCriteria: []string{"Mandates above 15000 need an extra factor"}},
		{ID: "kyc", Title: "PAN capture", Description: "Collect PAN during onboarding"},
	}
	searcher := &fakeSearcher{hits: []semantic.Hit{
		{ID: "brd-2", Score: 0.5},
		{ID: "deleted", Score: 0.45},
		{ID: "brd-1", Score: 0.3},
		{ID: "kyc", Score: 0.02},
	}}
	m := NewManager(searcher, config.MemoryConfig{TopK: 8, MinScore: 0.1})

	got, err := m.RelatedRequirements(context.Background(), reqs, "upi mandate limits", 0)
	require.NoError(t, err)
	assert.Equal(t, semantic.CollectionRequirements, searcher.collection)
	require.Len(t, got, 2)
	assert.Equal(t, "brd-2", got[0].ID)
	assert.Equal(t, "brd-1", got[1].ID)

	got, err = m.RelatedRequirements(context.Background(), reqs, "upi mandate limits", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = m.RelatedRequirements(context.Background(), nil, "upi", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	searcher.err = stderrors.New("bolt: database not open")
	_, err = m.RelatedRequirements(context.Background(), reqs, "upi", 0)
	assert.Error(t, err)
}

func TestRelatedRequirementsByKeyword(t *testing.T) {
	reqs := []models.Requirement{
		{ID: "brd-1", Title: "UPI AutoPay", Description: "Recurring mandates from the payments tab"},
		{ID: "kyc", Title: "PAN capture", Description: "Collect PAN during onboarding"},
	}
	m := NewManager(nil, config.MemoryConfig{TopK: 8, MinScore: 0.1})

	got, err := m.RelatedRequirements(context.Background(), reqs, "recurring UPI mandates", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "brd-1", got[0].ID)

	got, err = m.RelatedRequirements(context.Background(), reqs, "dark theme", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
