// Package engine wires extraction, storage, retrieval, gap analysis,
// classification and planning into the operations the CLI and the MCP
// server expose.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brutev/fd-agent/internal/audit"
	"github.com/brutev/fd-agent/internal/classifier"
	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/extract"
	"github.com/brutev/fd-agent/internal/extract/dart"
	"github.com/brutev/fd-agent/internal/extract/python"
	"github.com/brutev/fd-agent/internal/extract/typescript"
	"github.com/brutev/fd-agent/internal/gap"
	"github.com/brutev/fd-agent/internal/graph"
	"github.com/brutev/fd-agent/internal/ingestion"
	"github.com/brutev/fd-agent/internal/memory"
	"github.com/brutev/fd-agent/internal/semantic"
	"github.com/brutev/fd-agent/internal/storage"
)

// Engine owns the store, the index and every analysis component. All
// methods are safe for concurrent use; Analyze calls are serialized.
type Engine struct {
	config     *config.Config
	store      storage.Store
	index      *semantic.Index
	memory     *memory.Manager
	classifier *classifier.Classifier
	gaps       *gap.Analyzer
	processor  *ingestion.Processor
	registry   *extract.Registry
	mirror     *graph.Mirror
	audit      *audit.Log
	logger     *slog.Logger

	analyzeMu sync.Mutex
}

// New opens the graph store and the semantic index described by cfg and
// builds the analysis components. An embedding provider that cannot be
// constructed leaves the engine running without an index.
func New(ctx context.Context, cfg *config.Config, storeLogger *logrus.Logger) (*Engine, error) {
	if storeLogger == nil {
		storeLogger = logrus.New()
	}
	logger := slog.Default().With("component", "engine")

	registry, err := extract.NewRegistry(
		dart.New(extract.Confidence(cfg.Extract.Confidence)),
		python.New(extract.Confidence(cfg.Extract.Confidence)),
		typescript.New(extract.Confidence(cfg.Extract.Confidence)),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.SeverityCritical, "register extractors")
	}

	patterns, err := classifier.LoadRegistry(cfg.Classifier.PatternsFile)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg, storeLogger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   cfg,
		store:    store,
		gaps:     gap.NewAnalyzer(cfg.Gap),
		registry: registry,
		processor: ingestion.NewProcessor(&ingestion.ProcessorConfig{
			Workers:      cfg.Scan.Workers,
			FileTimeout:  cfg.Scan.FileTimeout,
			MaxFileBytes: cfg.Scan.MaxFileBytes,
			SkipDirs:     cfg.Scan.SkipDirs,
		}, registry),
		audit:  audit.NewLog(filepath.Join(cfg.Storage.DataDir, "audit", "overrides.jsonl")),
		logger: logger,
	}

	embedder, err := semantic.NewEmbedder(ctx, cfg.Index)
	if err != nil {
		logger.Warn("embedding provider unavailable, running without semantic index",
			"provider", cfg.Index.Provider, "error", err)
	} else {
		e.index, err = semantic.OpenIndex(cfg.IndexPath(), embedder, cfg.Index.Timeout)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	// A nil *semantic.Index must not reach the interfaces below
	if e.index != nil {
		e.memory = memory.NewManager(e.index, cfg.Memory)
		e.classifier = classifier.New(patterns, e.index, cfg.Classifier)
	} else {
		e.memory = memory.NewManager(nil, cfg.Memory)
		e.classifier = classifier.New(patterns, nil, cfg.Classifier)
	}

	if cfg.Neo4j.Enabled {
		backend, err := graph.NewNeo4jBackend(ctx, cfg.Neo4j)
		if err != nil {
			logger.Warn("neo4j mirror disabled", "uri", cfg.Neo4j.URI, "error", err)
		} else {
			e.mirror = graph.NewMirror(backend, graph.DefaultBatchConfig())
		}
	}

	if cfg.Gap.ContractsFile != "" {
		if _, err := e.IngestContracts(ctx, cfg.Gap.ContractsFile); err != nil {
			logger.Warn("configured contracts file not loaded", "path", cfg.Gap.ContractsFile, "error", err)
		}
	}

	logger.Info("engine ready",
		"storage", cfg.Storage.Type,
		"index", cfg.IndexPath(),
		"patterns", patterns.Len(),
		"mirror", e.mirror != nil)
	return e, nil
}

// Close releases the store, the index and the graph mirror
func (e *Engine) Close() error {
	var firstErr error
	if e.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.mirror.Close(ctx); err != nil {
			firstErr = err
		}
		cancel()
	}
	if e.index != nil {
		if err := e.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Config returns the engine configuration
func (e *Engine) Config() *config.Config {
	return e.config
}

// Overrides returns every forced-pattern revision recorded so far
func (e *Engine) Overrides() ([]audit.OverrideEvent, error) {
	return e.audit.Overrides()
}

// Patterns returns the change request pattern registry
func (e *Engine) Patterns() *classifier.Registry {
	return e.classifier.Registry()
}

// Wipe deletes the local graph store and index files so the next Analyze
// rebuilds them from scratch. It must run before New.
func Wipe(cfg *config.Config) error {
	paths := []string{cfg.IndexPath()}
	if cfg.Storage.Type == "" || cfg.Storage.Type == "sqlite" {
		graphPath := cfg.GraphPath()
		if graphPath != ":memory:" {
			paths = append(paths, graphPath, graphPath+"-wal", graphPath+"-shm")
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.FileSystemErrorf(err, "remove %s", filepath.Base(p))
		}
	}
	return nil
}
