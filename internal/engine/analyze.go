package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/graph"
	"github.com/brutev/fd-agent/internal/ingestion"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/semantic"
	"github.com/brutev/fd-agent/internal/storage"
)

// FeatureGraph summarizes one Analyze pass
type FeatureGraph struct {
	Widgets         int `json:"widgets"`
	StateComponents int `json:"state_components"`
	Routes          int `json:"routes"`
	ClientCalls     int `json:"client_calls"`
	Endpoints       int `json:"endpoints"`
	Models          int `json:"models"`
	Validators      int `json:"validators"`
	Services        int `json:"services"`

	FilesParsed   int                 `json:"files_parsed"`
	Entities      int                 `json:"entities"`
	Relationships int                 `json:"relationships"`
	Run           *models.ScanRun     `json:"run"`
	Changes       *models.Diff        `json:"changes,omitempty"`
	Diagnostics   []models.Diagnostic `json:"diagnostics"`
	Index         *semantic.SyncStats `json:"index,omitempty"`
	IndexDegraded bool                `json:"index_degraded"`
	Mirror        *graph.MirrorStats  `json:"mirror,omitempty"`
	Duration      time.Duration       `json:"duration"`
}

// Analyze scans root, upserts what it finds and finalizes the run. The
// graph finalization and the index sync run concurrently; an index
// failure degrades the result instead of failing it.
func (e *Engine) Analyze(ctx context.Context, root string) (*FeatureGraph, error) {
	e.analyzeMu.Lock()
	defer e.analyzeMu.Unlock()

	start := time.Now()
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "resolve %s", root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "stat %s", abs)
	}
	if !info.IsDir() {
		return nil, errors.ValidationErrorf("%s is not a directory", abs)
	}

	previous, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	result, err := e.processor.Scan(ctx, abs)
	if err != nil {
		return nil, err
	}

	run, err := e.store.BeginRun(ctx, abs)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.UpsertEntities(ctx, run, result.Entities)
	if err != nil {
		return nil, e.failRun(ctx, run, err)
	}
	e.store.BufferRelationship(run, result.Relationships...)

	e.logger.Debug("scan results stored",
		"run_id", run.ID,
		"inserted", counts.Inserted,
		"updated", counts.Updated,
		"unchanged", counts.Unchanged,
		"pending_relationships", run.Pending())

	fg := &FeatureGraph{Diagnostics: result.Diagnostics, FilesParsed: result.FilesParsed()}
	if fg.Diagnostics == nil {
		fg.Diagnostics = []models.Diagnostic{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scanRun, err := e.store.Finalize(gctx, run, storage.FinalizeOptions{
			Retain:      result.Failed,
			Link:        e.link,
			Files:       len(result.Files),
			Diagnostics: len(result.Diagnostics),
		})
		if err != nil {
			return err
		}
		fg.Run = scanRun
		return nil
	})
	if e.index != nil {
		docs := indexDocuments(result.Entities, previous, result.Failed)
		g.Go(func() error {
			stats, err := e.index.Sync(gctx, docs)
			if err != nil {
				// Unsynced documents are picked up by the next scan
				e.logger.Warn("semantic index sync failed", "error", err)
				fg.IndexDegraded = true
				return nil
			}
			fg.Index = stats
			return nil
		})
	} else {
		fg.IndexDegraded = true
	}
	if err := g.Wait(); err != nil {
		return nil, e.failRun(ctx, run, err)
	}

	if n := fg.Run.DroppedRelationships; n > 0 {
		fg.Diagnostics = append(fg.Diagnostics, models.Diagnostic{
			File:    abs,
			Kind:    models.DiagGraphIntegrity,
			Message: fmt.Sprintf("%d unresolved relationships dropped", n),
		})
	}
	if previous.RunID != "" {
		changes, err := e.store.DiffSince(ctx, previous.RunID)
		if err != nil {
			e.logger.Warn("diff against previous run failed", "since", previous.RunID, "error", err)
		} else {
			fg.Changes = changes
		}
	}

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if e.mirror != nil {
		stats, err := e.mirror.Sync(ctx, snap)
		if err != nil {
			e.logger.Warn("graph mirror sync failed", "seq", snap.Seq, "error", err)
		} else {
			fg.Mirror = stats
		}
	}

	c := fg.Run.Counts
	fg.Widgets = c[models.KindWidget]
	fg.StateComponents = c[models.KindStateComponent]
	fg.Routes = c[models.KindRoute]
	fg.ClientCalls = c[models.KindClientCall]
	fg.Endpoints = c[models.KindEndpoint]
	fg.Models = c[models.KindModel]
	fg.Validators = c[models.KindValidator]
	fg.Services = c[models.KindService]
	fg.Entities = snap.Len()
	fg.Relationships = fg.Run.Relationships
	fg.Duration = time.Since(start)

	e.logger.Info("analysis complete",
		"root", abs,
		"seq", fg.Run.Seq,
		"files_parsed", fg.FilesParsed,
		"entities", fg.Entities,
		"relationships", fg.Relationships,
		"diagnostics", len(fg.Diagnostics),
		"index_degraded", fg.IndexDegraded,
		"duration", fg.Duration)
	return fg, nil
}

// failRun marks run failed so it never shows up as the latest run, and
// returns cause
func (e *Engine) failRun(ctx context.Context, run *storage.Run, cause error) error {
	if err := e.store.FailRun(context.WithoutCancel(ctx), run, cause); err != nil {
		e.logger.Warn("could not mark scan run failed", "error", err)
	}
	return cause
}

// CountFiles reports the files an Analyze of root would hand to the
// extractors without parsing any of them
func (e *Engine) CountFiles(root string) (*ingestion.FileStats, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "resolve %s", root)
	}
	stats, err := ingestion.CountFiles(abs, ingestion.WalkOptions{
		Registry: e.registry,
		SkipDirs: e.config.Scan.SkipDirs,
	})
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "count files under %s", abs)
	}
	return stats, nil
}

// indexDocuments lists the documents the entities collection should hold
// after this run: everything extracted plus the previous entities of
// files whose extraction failed and are therefore retained
func indexDocuments(extracted []models.Entity, previous *storage.Snapshot, failed []string) []semantic.Document {
	docs := make([]semantic.Document, 0, len(extracted))
	for _, ent := range extracted {
		docs = append(docs, semantic.EntityDocument(ent))
	}
	if len(failed) == 0 {
		return docs
	}

	retained := make(map[string]bool, len(failed))
	for _, f := range failed {
		retained[f] = true
	}
	for _, ent := range previous.Entities() {
		if retained[ent.Location.File] {
			docs = append(docs, semantic.EntityDocument(ent))
		}
	}
	return docs
}

// link derives the edges no single file can see: client calls to the
// endpoints they hit, and endpoints to the test calls that exercise them
func (e *Engine) link(entities []models.Entity) []models.Relationship {
	norm := e.gaps.Normalizer()

	endpoints := make(map[string][]models.Entity)
	for _, ent := range entities {
		if ent.Kind != models.KindEndpoint {
			continue
		}
		key := norm.Key(ent.Attr(models.AttrMethod), ent.Attr(models.AttrPath))
		endpoints[key] = append(endpoints[key], ent)
	}

	var rels []models.Relationship
	for _, call := range entities {
		if call.Kind != models.KindClientCall {
			continue
		}
		key := norm.Key(call.Attr(models.AttrMethod), call.Attr(models.AttrPath))
		for _, ep := range endpoints[key] {
			if call.Attr(models.AttrOrigin) == models.OriginTest {
				rels = append(rels, models.Relationship{
					SourceID: ep.ID, TargetID: call.ID, Kind: models.RelTestedBy, Confidence: call.Confidence,
				})
				continue
			}
			rels = append(rels, models.Relationship{
				SourceID: call.ID, TargetID: ep.ID, Kind: models.RelCalls, Confidence: call.Confidence,
			})
		}
	}
	return rels
}
