package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/storage"
)

type fakeBackend struct {
	mu      sync.Mutex
	nodes   map[string]GraphNode
	edges   map[string]GraphEdge
	batches int
	failOn  string
	closed  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nodes: map[string]GraphNode{}, edges: map[string]GraphEdge{}}
}

func (f *fakeBackend) MergeNodes(ctx context.Context, label string, nodes []GraphNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if label == f.failOn {
		return errors.New("boom")
	}
	f.batches++
	for _, n := range nodes {
		f.nodes[n.ID] = n
	}
	return nil
}

func (f *fakeBackend) MergeEdges(ctx context.Context, relType string, edges []GraphEdge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range edges {
		if _, ok := f.nodes[e.From]; !ok {
			return errors.New("missing source node")
		}
		f.edges[e.From+"|"+e.To+"|"+relType] = e
	}
	return nil
}

func (f *fakeBackend) RemoveStale(ctx context.Context, seq int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, e := range f.edges {
		if e.Properties["snapshot_seq"].(int64) < seq {
			delete(f.edges, k)
		}
	}
	removed := 0
	for id, n := range f.nodes {
		if n.Properties["snapshot_seq"].(int64) < seq {
			delete(f.nodes, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeBackend) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func testEntity(id string, kind models.EntityKind, name string) models.Entity {
	return models.Entity{
		ID:         id,
		Kind:       kind,
		Name:       name,
		Language:   "dart",
		Location:   models.Location{File: "lib/" + id + ".dart", StartLine: 1, EndLine: 5},
		Attributes: map[string]string{"events": "Submit"},
		Confidence: 1,
	}
}

func TestMirrorSync(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mirror := NewMirror(backend, BatchConfig{NodeBatchSize: 1})

	screen := testEntity("a", models.KindWidget, "KycScreen")
	bloc := testEntity("b", models.KindStateComponent, "KycBloc")
	first := storage.NewSnapshot(1, "run-1", []models.Entity{screen, bloc}, []models.Relationship{
		{SourceID: "a", TargetID: "b", Kind: models.RelUses, Confidence: 0.9},
	})

	stats, err := mirror.Sync(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, 2, backend.batches, "one batch per node with batch size 1")

	require.Contains(t, backend.nodes, "b")
	assert.Equal(t, "StateComponent", backend.nodes["b"].Label)
	assert.Equal(t, "Submit", backend.nodes["b"].Properties["attr_events"])
	assert.Contains(t, backend.edges, "a|b|USES")

	second := storage.NewSnapshot(2, "run-2", []models.Entity{screen}, nil)
	stats, err = mirror.Sync(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.NotContains(t, backend.nodes, "b")
	assert.Empty(t, backend.edges)

	require.NoError(t, mirror.Close(ctx))
	assert.True(t, backend.closed)
}

func TestMirrorSyncFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failOn = "Widget"
	mirror := NewMirror(backend, DefaultBatchConfig())

	snap := storage.NewSnapshot(1, "run-1", []models.Entity{testEntity("a", models.KindWidget, "KycScreen")}, nil)
	_, err := mirror.Sync(context.Background(), snap)
	assert.Error(t, err)
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "StateComponent", KindLabel("state_component"))
	assert.Equal(t, "ClientCall", KindLabel("client_call"))
	assert.Equal(t, "Widget", KindLabel("widget"))
	assert.Equal(t, "TESTED_BY", RelType("tested_by"))
}

func TestCypherBuilderRejectsInjection(t *testing.T) {
	b := NewCypherBuilder()

	_, err := b.BuildMergeNodes("Widget) DETACH DELETE n //")
	assert.Error(t, err)
	_, err = b.BuildMergeEdges("")
	assert.Error(t, err)

	q, err := b.BuildMergeNodes("Widget")
	require.NoError(t, err)
	assert.Contains(t, q, "MERGE (n:Entity {id: node.id})")
	assert.Contains(t, q, "n:Widget")

	q, err = b.BuildMergeEdges("USES")
	require.NoError(t, err)
	assert.Contains(t, q, "MERGE (a)-[r:USES]->(b)")
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 2}, {2, 4}, {4, 5}}, chunk(5, 2))
	assert.Empty(t, chunk(0, 2))
}
