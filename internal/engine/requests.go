package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brutev/fd-agent/internal/audit"
	"github.com/brutev/fd-agent/internal/classifier"
	"github.com/brutev/fd-agent/internal/contracts"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/gap"
	"github.com/brutev/fd-agent/internal/memory"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/planner"
	"github.com/brutev/fd-agent/internal/requirements"
	"github.com/brutev/fd-agent/internal/semantic"
	"github.com/brutev/fd-agent/internal/storage"
)

// maxRequirements caps how many requirements feed one plan
const (
	maxRequirements = 3
	recentRuns      = 5
)

// ReviseOptions adjusts how a prior change request is re-planned. An
// empty Text reuses the prior text; an empty Pattern classifies again.
type ReviseOptions struct {
	Pattern string
	Text    string
}

// HandleChangeRequest classifies text, retrieves context, checks gaps and
// plans against the snapshot current at the start of the call. The
// resulting record is stored before it is returned.
func (e *Engine) HandleChangeRequest(ctx context.Context, text string) (*models.ChangeRequestRecord, error) {
	return e.handle(ctx, text, "", "")
}

// ReviseChangeRequest re-plans a stored change request into a new record
// that supersedes it
func (e *Engine) ReviseChangeRequest(ctx context.Context, priorID string, opts ReviseOptions) (*models.ChangeRequestRecord, error) {
	prior, err := e.store.GetChangeRequest(ctx, priorID)
	if err != nil {
		return nil, err
	}
	text := prior.RawText
	if strings.TrimSpace(opts.Text) != "" {
		text = opts.Text
	}
	rec, err := e.handle(ctx, text, opts.Pattern, prior.ID)
	if err != nil {
		return nil, err
	}

	if opts.Pattern != "" && opts.Pattern != prior.DetectedPattern {
		event := audit.OverrideEvent{
			Timestamp:       rec.CreatedAt,
			ChangeRequestID: rec.ID,
			Supersedes:      prior.ID,
			DetectedPattern: prior.DetectedPattern,
			ForcedPattern:   opts.Pattern,
			Confidence:      prior.Confidence,
		}
		if err := e.audit.LogOverride(event); err != nil {
			e.logger.Warn("pattern override not audited", "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// GetChangeRequest returns a stored record
func (e *Engine) GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequestRecord, error) {
	return e.store.GetChangeRequest(ctx, id)
}

// ListChangeRequests returns stored records oldest first
func (e *Engine) ListChangeRequests(ctx context.Context, pattern string, limit int) ([]*models.ChangeRequestRecord, error) {
	return e.store.ListChangeRequests(ctx, storage.ChangeRequestFilter{Pattern: pattern, Limit: limit})
}

func (e *Engine) handle(ctx context.Context, text, forcePattern, supersedes string) (*models.ChangeRequestRecord, error) {
	states := []models.CRState{models.CRReceived}

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var cls *classifier.Classification
	if forcePattern != "" {
		cls, err = e.classifier.ClassifyAs(ctx, text, forcePattern)
	} else {
		cls, err = e.classifier.Classify(ctx, text)
	}
	if err != nil {
		if errors.IsUnclassifiable(err) {
			e.logger.Info("change request rejected", "state", models.CRUnclassifiable, "reason", err)
		}
		return nil, err
	}
	states = append(states, models.CRClassified)
	if cls.Ambiguous {
		e.logger.Info("ambiguous change request", "detail", cls.Err())
	}

	patterns := e.planningPatterns(cls)
	query := text
	for _, p := range patterns {
		if hints := p.Hints(); hints != "" {
			query += " " + hints
		}
	}
	bundle, err := e.memory.Retrieve(ctx, snap, query, 0)
	if err != nil {
		return nil, err
	}
	reqs, err := e.relatedRequirements(ctx, query)
	if err != nil {
		return nil, err
	}
	states = append(states, models.CRContextRetrieved)

	report, err := e.analyzeGaps(ctx, snap)
	if err != nil {
		return nil, err
	}
	states = append(states, models.CRGapChecked)

	plan := planner.Plan(planner.Input{
		Text:           text,
		Classification: cls,
		Patterns:       patterns,
		Bundle:         bundle,
		Snapshot:       snap,
		Gaps:           report.Entries,
		Requirements:   reqs,
		Config:         e.config.Planner,
	})
	states = append(states, models.CRPlanned)

	rec := &models.ChangeRequestRecord{
		ID:               uuid.New().String(),
		RawText:          text,
		DetectedPattern:  cls.Pattern,
		Confidence:       cls.Confidence,
		Scope:            planner.Scope(text),
		Priority:         planner.Priority(text),
		Candidates:       cls.Candidates,
		Ambiguous:        cls.Ambiguous,
		Degraded:         cls.Degraded || bundle.Degraded,
		MatchedEntityIDs: bundle.EntityIDs(),
		RequirementIDs:   requirementIDs(reqs),
		Plan:             plan,
		States:           states,
		SnapshotSeq:      snap.Seq,
		Supersedes:       supersedes,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.store.AppendChangeRequest(ctx, rec); err != nil {
		return nil, err
	}
	e.remember(ctx, rec)

	e.logger.Info("change request planned",
		"id", rec.ID,
		"pattern", rec.DetectedPattern,
		"confidence", rec.Confidence,
		"scope", rec.Scope,
		"priority", rec.Priority,
		"ambiguous", rec.Ambiguous,
		"degraded", rec.Degraded,
		"entities", len(rec.MatchedEntityIDs),
		"tasks", len(plan.Tasks),
		"snapshot_seq", rec.SnapshotSeq)
	return rec, nil
}

// relatedRequirements ranks the stored requirements against query
func (e *Engine) relatedRequirements(ctx context.Context, query string) ([]models.Requirement, error) {
	stored, err := e.store.ListRequirements(ctx, "")
	if err != nil {
		return nil, err
	}
	return e.memory.RelatedRequirements(ctx, stored, query, maxRequirements)
}

func requirementIDs(reqs []models.Requirement) []string {
	var ids []string
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids
}

// planningPatterns returns the patterns a plan is built from: none for
// unknown requests, every candidate for ambiguous ones
func (e *Engine) planningPatterns(cls *classifier.Classification) []classifier.Pattern {
	if !cls.Known() {
		return nil
	}
	registry := e.classifier.Registry()
	var out []classifier.Pattern
	for _, name := range cls.CandidateNames() {
		if p, ok := registry.Get(name); ok {
			out = append(out, p)
		}
	}
	return out
}

// remember adds a classified record to the change request history used
// for semantic scoring. Unknown and ambiguous records carry no pattern
// label.
func (e *Engine) remember(ctx context.Context, rec *models.ChangeRequestRecord) {
	if e.index == nil {
		return
	}
	label := rec.DetectedPattern
	if rec.Ambiguous {
		label = models.PatternUnknown
	}
	labels := map[string]string{classifier.LabelPattern: label}
	if err := e.index.Upsert(ctx, semantic.CollectionChangeRequests, rec.ID, rec.RawText, labels); err != nil {
		e.logger.Warn("change request not added to history", "id", rec.ID, "error", err)
	}
}

// GapReport compares stored contracts, endpoints and client calls of the
// current snapshot
func (e *Engine) GapReport(ctx context.Context) ([]gap.Entry, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	report, err := e.analyzeGaps(ctx, snap)
	if err != nil {
		return nil, err
	}
	return report.Entries, nil
}

func (e *Engine) analyzeGaps(ctx context.Context, snap *storage.Snapshot) (*gap.Report, error) {
	declared, err := e.store.ListContracts(ctx)
	if err != nil {
		return nil, err
	}
	return e.gaps.Analyze(declared,
		snap.ByKind(models.KindEndpoint),
		snap.ByKind(models.KindClientCall)), nil
}

// IngestContracts loads declared contracts from path and stores them
func (e *Engine) IngestContracts(ctx context.Context, path string) (int, error) {
	declared, err := contracts.Load(path)
	if err != nil {
		return 0, err
	}
	if err := e.store.UpsertContracts(ctx, declared); err != nil {
		return 0, err
	}
	e.logger.Info("contracts ingested", "path", path, "contracts", len(declared))
	return len(declared), nil
}

// IngestRequirements reads a requirements document, stores its sections
// and indexes them for change request retrieval. An index failure leaves
// the requirements stored and ranked by keyword.
func (e *Engine) IngestRequirements(ctx context.Context, path string, opts requirements.Options) (int, error) {
	reqs, err := requirements.Load(path, opts)
	if err != nil {
		return 0, err
	}
	if len(reqs) == 0 {
		return 0, errors.ValidationErrorf("%s has no requirement sections", path)
	}
	if err := e.store.UpsertRequirements(ctx, reqs); err != nil {
		return 0, err
	}
	if e.index != nil {
		docs := make([]semantic.Document, 0, len(reqs))
		for _, r := range reqs {
			docs = append(docs, semantic.RequirementDocument(r))
		}
		if _, err := e.index.SyncCollection(ctx, semantic.CollectionRequirements, docs, false); err != nil {
			e.logger.Warn("requirements not indexed", "path", path, "error", err)
		}
	}
	e.logger.Info("requirements ingested", "path", path, "requirements", len(reqs), "area", reqs[0].FeatureArea)
	return len(reqs), nil
}

// Search ranks entities of the current snapshot against query
func (e *Engine) Search(ctx context.Context, query string, k int) ([]memory.Item, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.ValidationError("search query is empty")
	}
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	items, degraded, err := e.memory.Search(ctx, snap, query, k)
	if err != nil {
		return nil, err
	}
	if degraded {
		e.logger.Warn("search used keyword fallback", "query", query)
	}
	if items == nil {
		items = []memory.Item{}
	}
	return items, nil
}

// Stats summarizes the store, the index and the pattern registry
type Stats struct {
	Store           *storage.Stats    `json:"store"`
	RecentRuns      []*models.ScanRun `json:"recent_runs"`
	IndexModel      string            `json:"index_model,omitempty"`
	IndexedEntities int               `json:"indexed_entities"`
	IndexedCRs      int               `json:"indexed_change_requests"`
	IndexedReqs     int               `json:"indexed_requirements"`
	Patterns        []string          `json:"patterns"`
	Mirror          bool              `json:"mirror"`
}

// Stats returns engine statistics
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	storeStats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := e.store.ListRuns(ctx, recentRuns)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Store:      storeStats,
		RecentRuns: runs,
		Patterns:   e.classifier.Registry().Names(),
		Mirror:     e.mirror != nil,
	}
	if e.index != nil {
		stats.IndexModel = e.index.Model()
		if stats.IndexedEntities, err = e.index.Count(semantic.CollectionEntities); err != nil {
			return nil, errors.DatabaseError(err, "count indexed entities")
		}
		if stats.IndexedCRs, err = e.index.Count(semantic.CollectionChangeRequests); err != nil {
			return nil, errors.DatabaseError(err, "count indexed change requests")
		}
		if stats.IndexedReqs, err = e.index.Count(semantic.CollectionRequirements); err != nil {
			return nil, errors.DatabaseError(err, "count indexed requirements")
		}
	}
	return stats, nil
}
