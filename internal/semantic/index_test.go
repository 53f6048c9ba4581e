package semantic

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

// countingEmbedder counts texts passed to the wrapped embedder
type countingEmbedder struct {
	Embedder
	texts atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.texts.Add(int64(len(texts)))
	return c.Embedder.Embed(ctx, texts)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("connection refused")
}

func (failingEmbedder) Model() string { return "local-hash-256" }

func openTestIndex(t *testing.T, embedder Embedder) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	ix, err := OpenIndex(path, embedder, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix, path
}

func TestIndexQueryRanking(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, NewHashEmbedder(1024))

	require.NoError(t, ix.Upsert(ctx, CollectionEntities, "a", "widget UpiMandateScreen mandate autopay", nil))
	require.NoError(t, ix.Upsert(ctx, CollectionEntities, "b", "widget KycScreen kyc document upload", nil))
	require.NoError(t, ix.Upsert(ctx, CollectionEntities, "c", "endpoint POST /upi/mandate/create", map[string]string{"kind": "endpoint"}))

	hits, err := ix.Query(ctx, CollectionEntities, "upi autopay mandate", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)
	assert.Equal(t, "endpoint", hits[1].Labels["kind"])
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	all, err := ix.Query(ctx, CollectionEntities, "upi", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, ix.Delete(ctx, CollectionEntities, "a"))
	require.NoError(t, ix.Delete(ctx, CollectionEntities, "missing"))
	n, err := ix.Count(CollectionEntities)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIndexTiesBrokenByID(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, NewHashEmbedder(64))
	for _, id := range []string{"z", "m", "a"} {
		require.NoError(t, ix.Upsert(ctx, CollectionChangeRequests, id, "same text", nil))
	}
	hits, err := ix.Query(ctx, CollectionChangeRequests, "same text", 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"a", "m", "z"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})
}

func TestIndexSyncSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	emb := &countingEmbedder{Embedder: NewHashEmbedder(128)}
	ix, _ := openTestIndex(t, emb)

	docs := []Document{
		{ID: "a", Text: "widget KycScreen"},
		{ID: "b", Text: "state_component KycBloc"},
		{ID: "c", Text: "endpoint POST /kyc/verify"},
	}
	stats, err := ix.Sync(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Embedded: 3}, *stats)
	assert.Equal(t, int64(3), emb.texts.Load())

	docs[1].Text = "state_component KycBloc events: Submit"
	stats, err = ix.Sync(ctx, docs[:2])
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Embedded: 1, Skipped: 1, Deleted: 1}, *stats)
	assert.Equal(t, int64(4), emb.texts.Load())

	n, err := ix.Count(CollectionEntities)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIndexModelChangeReembeds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	ix, err := OpenIndex(path, NewHashEmbedder(64), time.Second)
	require.NoError(t, err)
	_, err = ix.Sync(ctx, []Document{{ID: "a", Text: "widget KycScreen"}})
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	ix, err = OpenIndex(path, NewHashEmbedder(128), time.Second)
	require.NoError(t, err)
	defer ix.Close()
	stats, err := ix.Sync(ctx, []Document{{ID: "a", Text: "widget KycScreen"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Embedded)
}

func TestIndexUnavailable(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTestIndex(t, failingEmbedder{})

	_, err := ix.Query(ctx, CollectionEntities, "kyc", 5)
	require.Error(t, err)
	assert.True(t, apperrors.IsIndexUnavailable(err))

	_, err = ix.Sync(ctx, []Document{{ID: "a", Text: "kyc"}})
	assert.True(t, apperrors.IsIndexUnavailable(err))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	emb := NewHashEmbedder(0)
	assert.Equal(t, "local-hash-256", emb.Model())

	v, err := emb.Embed(ctx, []string{"UPI mandate screen", "UPI mandate screen", "tax statement download"})
	require.NoError(t, err)
	require.Len(t, v, 3)
	assert.Len(t, v[0], 256)
	assert.Equal(t, v[0], v[1])
	assert.InDelta(t, 1.0, Cosine(v[0], v[1]), 1e-6)
	assert.Less(t, Cosine(v[0], v[2]), 0.5)
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestCanonicalText(t *testing.T) {
	e := models.Entity{
		ID:       "x",
		Kind:     models.KindEndpoint,
		Name:     "POST /kyc/verify",
		Language: "python",
		Location: models.Location{File: "app/kyc.py", StartLine: 10, EndLine: 20},
		Attributes: map[string]string{
			models.AttrPath:    "/kyc/verify",
			models.AttrMethod:  "POST",
			models.AttrHandler: "verify",
			"router":           "router",
		},
	}
	assert.Equal(t, "endpoint POST /kyc/verify (python)\nhandler: verify\nmethod: POST\npath: /kyc/verify", CanonicalText(e))

	moved := e
	moved.Location = models.Location{File: "app/kyc.py", StartLine: 40, EndLine: 50}
	assert.Equal(t, TextHash(CanonicalText(e)), TextHash(CanonicalText(moved)))

	doc := EntityDocument(e)
	assert.Equal(t, "x", doc.ID)
	assert.Equal(t, "endpoint", doc.Labels["kind"])
}
