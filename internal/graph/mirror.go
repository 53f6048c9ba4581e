package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/storage"
)

// Mirror copies finalized snapshots into a graph backend
type Mirror struct {
	backend Backend
	config  BatchConfig
	logger  *slog.Logger
}

// MirrorStats summarizes one sync
type MirrorStats struct {
	Seq      int64         `json:"seq"`
	Nodes    int           `json:"nodes"`
	Edges    int           `json:"edges"`
	Removed  int           `json:"removed"`
	Duration time.Duration `json:"duration"`
}

// NewMirror creates a mirror writing through backend
func NewMirror(backend Backend, cfg BatchConfig) *Mirror {
	return &Mirror{
		backend: backend,
		config:  cfg.normalized(),
		logger:  slog.Default().With("component", "graph_mirror"),
	}
}

// Sync writes every entity and relationship of snap stamped with its
// sequence number, then removes whatever an older snapshot left behind.
// Nodes are merged before edges so every edge finds both endpoints.
func (m *Mirror) Sync(ctx context.Context, snap *storage.Snapshot) (*MirrorStats, error) {
	start := time.Now()
	stats := &MirrorStats{Seq: snap.Seq}

	nodesByLabel := make(map[string][]GraphNode)
	for _, e := range snap.Entities() {
		node := entityNode(e, snap.Seq)
		nodesByLabel[node.Label] = append(nodesByLabel[node.Label], node)
		stats.Nodes++
	}

	edgesByType := make(map[string][]GraphEdge)
	for _, r := range snap.Relationships() {
		edge := GraphEdge{
			Label: RelType(string(r.Kind)),
			From:  r.SourceID,
			To:    r.TargetID,
			Properties: map[string]any{
				"confidence":   r.Confidence,
				"snapshot_seq": snap.Seq,
			},
		}
		edgesByType[edge.Label] = append(edgesByType[edge.Label], edge)
		stats.Edges++
	}

	// Phase 1: nodes
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Parallelism)
	for _, label := range sortedKeys(nodesByLabel) {
		nodes := nodesByLabel[label]
		for _, span := range chunk(len(nodes), m.config.NodeBatchSize) {
			batch := nodes[span[0]:span[1]]
			label := label
			g.Go(func() error {
				return m.backend.MergeNodes(gctx, label, batch)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("mirror nodes: %w", err)
	}

	// Phase 2: edges
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(m.config.Parallelism)
	for _, relType := range sortedKeys(edgesByType) {
		edges := edgesByType[relType]
		for _, span := range chunk(len(edges), m.config.EdgeBatchSize) {
			batch := edges[span[0]:span[1]]
			relType := relType
			g.Go(func() error {
				return m.backend.MergeEdges(gctx, relType, batch)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("mirror edges: %w", err)
	}

	// Phase 3: sweep
	removed, err := m.backend.RemoveStale(ctx, snap.Seq)
	if err != nil {
		return nil, fmt.Errorf("mirror sweep: %w", err)
	}
	stats.Removed = removed
	stats.Duration = time.Since(start)

	m.logger.Info("graph mirror synced",
		"seq", stats.Seq,
		"nodes", stats.Nodes,
		"edges", stats.Edges,
		"removed", stats.Removed,
		"duration", stats.Duration)
	return stats, nil
}

// Close closes the underlying backend
func (m *Mirror) Close(ctx context.Context) error {
	return m.backend.Close(ctx)
}

func entityNode(e models.Entity, seq int64) GraphNode {
	props := map[string]any{
		"kind":         string(e.Kind),
		"name":         e.Name,
		"language":     e.Language,
		"file":         e.Location.File,
		"start_line":   int64(e.Location.StartLine),
		"end_line":     int64(e.Location.EndLine),
		"confidence":   e.Confidence,
		"content_hash": e.ContentHash,
		"snapshot_seq": seq,
	}
	for k, v := range e.Attributes {
		props["attr_"+k] = v
	}
	return GraphNode{Label: KindLabel(string(e.Kind)), ID: e.ID, Properties: props}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
