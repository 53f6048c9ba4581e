package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/semantic"
	"github.com/brutev/fd-agent/internal/storage"
)

// Searcher is the part of the semantic index the manager reads
type Searcher interface {
	Query(ctx context.Context, collection, text string, k int) ([]semantic.Hit, error)
}

// Item is one entity of a context bundle. Seeds have Distance 0; their
// neighbors have Distance 1 and inherit the seed's Rank.
type Item struct {
	Entity   models.Entity `json:"entity"`
	Rank     int           `json:"rank"`
	Distance int           `json:"distance"`
	Score    float64       `json:"score"`
	Via      string        `json:"via,omitempty"`
}

// Bundle is the context retrieved for a query against one snapshot
type Bundle struct {
	Query       string `json:"query"`
	SnapshotSeq int64  `json:"snapshot_seq"`
	Items       []Item `json:"items"`
	Degraded    bool   `json:"degraded"`
}

// EntityIDs returns the ids of every item in bundle order
func (b *Bundle) EntityIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		ids = append(ids, it.Entity.ID)
	}
	return ids
}

// Entities returns every entity in bundle order
func (b *Bundle) Entities() []models.Entity {
	out := make([]models.Entity, 0, len(b.Items))
	for _, it := range b.Items {
		out = append(out, it.Entity)
	}
	return out
}

// Manager assembles context bundles from the semantic index and a graph
// snapshot. It never writes to either.
type Manager struct {
	index    Searcher
	topK     int
	minScore float64
	logger   *slog.Logger
}

// NewManager creates a manager. index may be nil, in which case every
// retrieval takes the keyword path.
func NewManager(index Searcher, cfg config.MemoryConfig) *Manager {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 8
	}
	return &Manager{
		index:    index,
		topK:     topK,
		minScore: max(cfg.MinScore, 0),
		logger:   slog.Default().With("component", "memory"),
	}
}

// Retrieve returns the top-k seeds for text plus their one-hop neighbors
func (m *Manager) Retrieve(ctx context.Context, snap *storage.Snapshot, text string, k int) (*Bundle, error) {
	seeds, degraded, err := m.seeds(ctx, snap, text, k)
	if err != nil {
		return nil, err
	}

	best := make(map[string]Item)
	offer := func(it Item) {
		cur, ok := best[it.Entity.ID]
		if !ok || it.Rank < cur.Rank || (it.Rank == cur.Rank && it.Distance < cur.Distance) {
			best[it.Entity.ID] = it
		}
	}
	for _, s := range seeds {
		offer(s)
		for _, n := range snap.Neighbors(s.Entity.ID, "", storage.DirectionBoth) {
			offer(Item{Entity: n, Rank: s.Rank, Distance: 1, Score: s.Score, Via: s.Entity.ID})
		}
	}

	items := make([]Item, 0, len(best))
	for _, it := range best {
		items = append(items, it)
	}
	sortItems(items)

	m.logger.Debug("context retrieved",
		"seeds", len(seeds),
		"items", len(items),
		"degraded", degraded,
		"snapshot_seq", snap.Seq)
	return &Bundle{Query: text, SnapshotSeq: snap.Seq, Items: items, Degraded: degraded}, nil
}

// Search returns the ranked seeds for query without graph expansion
func (m *Manager) Search(ctx context.Context, snap *storage.Snapshot, query string, k int) ([]Item, bool, error) {
	return m.seeds(ctx, snap, query, k)
}

// seeds ranks entities present in snap by semantic similarity, falling
// back to keyword overlap when the index is unavailable. Hits scoring at
// or below the minimum score are unrelated and dropped.
func (m *Manager) seeds(ctx context.Context, snap *storage.Snapshot, text string, k int) ([]Item, bool, error) {
	if k <= 0 {
		k = m.topK
	}
	if m.index == nil {
		return keywordSeeds(snap, text, k), true, nil
	}

	// Over-fetch: the index may still hold ids the snapshot pruned
	hits, err := m.index.Query(ctx, semantic.CollectionEntities, text, k*4)
	if err != nil {
		if errors.IsIndexUnavailable(err) {
			m.logger.Warn("semantic index unavailable, using keyword retrieval", "error", err)
			return keywordSeeds(snap, text, k), true, nil
		}
		return nil, false, err
	}

	var seeds []Item
	for _, h := range hits {
		if h.Score <= m.minScore {
			continue
		}
		e, ok := snap.Entity(h.ID)
		if !ok {
			continue
		}
		seeds = append(seeds, Item{Entity: e, Rank: len(seeds), Score: h.Score})
		if len(seeds) == k {
			break
		}
	}
	return seeds, false, nil
}

// RelatedRequirements returns up to k of reqs ranked against text. Only
// requirements scoring above the minimum score are kept; without an index
// they are ranked by keyword overlap instead.
func (m *Manager) RelatedRequirements(ctx context.Context, reqs []models.Requirement, text string, k int) ([]models.Requirement, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = m.topK
	}

	var ranked []scoredRequirement
	if m.index == nil {
		ranked = keywordRequirements(reqs, text)
	} else {
		hits, err := m.index.Query(ctx, semantic.CollectionRequirements, text, 0)
		switch {
		case err == nil:
			byID := make(map[string]models.Requirement, len(reqs))
			for _, r := range reqs {
				byID[r.ID] = r
			}
			for _, h := range hits {
				if r, ok := byID[h.ID]; ok {
					ranked = append(ranked, scoredRequirement{r, h.Score})
				}
			}
		case errors.IsIndexUnavailable(err):
			m.logger.Warn("semantic index unavailable, ranking requirements by keyword", "error", err)
			ranked = keywordRequirements(reqs, text)
		default:
			return nil, err
		}
	}

	var out []models.Requirement
	for _, s := range ranked {
		if s.score <= m.minScore {
			continue
		}
		out = append(out, s.req)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

type scoredRequirement struct {
	req   models.Requirement
	score float64
}

func keywordRequirements(reqs []models.Requirement, text string) []scoredRequirement {
	query := semantic.Keywords(text)
	ranked := make([]scoredRequirement, 0, len(reqs))
	for _, r := range reqs {
		doc := semantic.RequirementDocument(r)
		ranked = append(ranked, scoredRequirement{r, semantic.Overlap(query, semantic.Keywords(doc.Text))})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

// keywordSeeds scores entities by the share of query keywords found in
// their name and attribute values
func keywordSeeds(snap *storage.Snapshot, text string, k int) []Item {
	query := semantic.Keywords(text)
	if len(query) == 0 {
		return nil
	}

	var scored []Item
	for _, e := range snap.Entities() {
		score := semantic.Overlap(query, entityKeywords(e))
		if score > 0 {
			scored = append(scored, Item{Entity: e, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entity.ID < scored[j].Entity.ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	for i := range scored {
		scored[i].Rank = i
	}
	return scored
}

func entityKeywords(e models.Entity) map[string]bool {
	var sb strings.Builder
	sb.WriteString(e.Name)
	for _, v := range e.Attributes {
		sb.WriteString(" ")
		sb.WriteString(v)
	}
	return semantic.Keywords(sb.String())
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Rank != items[j].Rank {
			return items[i].Rank < items[j].Rank
		}
		if items[i].Distance != items[j].Distance {
			return items[i].Distance < items[j].Distance
		}
		return items[i].Entity.ID < items[j].Entity.ID
	})
}
