package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/extract"
	"github.com/brutev/fd-agent/internal/models"
)

// ProcessorConfig holds configuration for source scanning
type ProcessorConfig struct {
	Workers      int           // Number of concurrent extractors (default: 8)
	FileTimeout  time.Duration // Per-file extraction budget (default: 10s)
	MaxFileBytes int64         // Files above this size are skipped (default: 2MB)
	SkipDirs     []string      // Extra directory names to skip
}

// DefaultProcessorConfig returns default configuration
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Workers:      8,
		FileTimeout:  10 * time.Second,
		MaxFileBytes: 2 << 20,
	}
}

// Processor runs registered extractors over a source tree
type Processor struct {
	config   *ProcessorConfig
	registry *extract.Registry
	log      *slog.Logger
}

// NewProcessor creates a new scanner over registry
func NewProcessor(config *ProcessorConfig, registry *extract.Registry) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Processor{
		config:   config,
		registry: registry,
		log:      slog.Default().With("component", "ingestion"),
	}
}

// ScanResult holds everything one pass over the tree produced, in
// deterministic order: files sorted by path, entities by position.
type ScanResult struct {
	Root          string
	Files         []string // every file handed to an extractor
	Failed        []string // files whose prior facts should be retained
	Entities      []models.Entity
	Relationships []models.PendingRelationship
	Diagnostics   []models.Diagnostic
	Duration      time.Duration
}

// FilesParsed returns the number of files extracted without error
func (r *ScanResult) FilesParsed() int {
	return len(r.Files) - len(r.Failed)
}

type fileOutcome struct {
	file       string
	result     *extract.FileResult
	diagnostic *models.Diagnostic
}

// Scan walks root and extracts every supported file. A bad file yields a
// diagnostic; only walking errors on root itself or cancellation of ctx
// fail the scan.
func (p *Processor) Scan(ctx context.Context, root string) (*ScanResult, error) {
	startTime := time.Now()

	p.log.Info("starting source scan",
		"root", root,
		"workers", p.config.Workers,
		"languages", p.registry.Languages(),
	)

	files, err := WalkSourceFiles(ctx, root, WalkOptions{Registry: p.registry, SkipDirs: p.config.SkipDirs})
	if err != nil {
		return nil, errors.FileSystemError(err, fmt.Sprintf("cannot scan %s", root))
	}

	outcomes := p.extractParallel(ctx, files)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ScanResult{Root: root}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].file < outcomes[j].file })
	for _, o := range outcomes {
		result.Files = append(result.Files, o.file)
		if o.diagnostic != nil {
			result.Failed = append(result.Failed, o.file)
			result.Diagnostics = append(result.Diagnostics, *o.diagnostic)
			continue
		}
		result.Entities = append(result.Entities, o.result.Entities...)
		result.Relationships = append(result.Relationships, o.result.Relationships...)
	}
	result.Duration = time.Since(startTime)

	p.log.Info("source scan complete",
		"files", len(result.Files),
		"failed", len(result.Failed),
		"entities", len(result.Entities),
		"relationships", len(result.Relationships),
		"duration", result.Duration,
	)
	return result, nil
}

// extractParallel extracts files using a worker pool. Results flow
// through one channel to a single collector.
func (p *Processor) extractParallel(ctx context.Context, files <-chan SourceEntry) []fileOutcome {
	results := make(chan fileOutcome, p.config.Workers)

	var wg sync.WaitGroup
	for w := 0; w < p.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range files {
				select {
				case <-ctx.Done():
					continue // drain so the walker can exit
				default:
				}
				results <- p.extractFile(ctx, entry)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var outcomes []fileOutcome
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// extractFile runs one extractor under the per-file budget
func (p *Processor) extractFile(ctx context.Context, entry SourceEntry) fileOutcome {
	out := fileOutcome{file: entry.RelPath}
	ex, ok := p.registry.ForFile(entry.RelPath)
	if !ok {
		out.diagnostic = diagnostic(entry.RelPath, "", models.DiagReadError, "no extractor registered")
		return out
	}
	lang := ex.Language()

	if entry.Err != nil {
		out.diagnostic = diagnostic(entry.RelPath, lang, models.DiagReadError, entry.Err.Error())
		return out
	}
	if p.config.MaxFileBytes > 0 && entry.Size > p.config.MaxFileBytes {
		out.diagnostic = diagnostic(entry.RelPath, lang, models.DiagTooLarge,
			fmt.Sprintf("%d bytes exceeds limit of %d", entry.Size, p.config.MaxFileBytes))
		return out
	}

	content, err := os.ReadFile(entry.Path)
	if err != nil {
		out.diagnostic = diagnostic(entry.RelPath, lang, models.DiagReadError, err.Error())
		return out
	}

	fileCtx, cancel := context.WithTimeout(ctx, p.config.FileTimeout)
	defer cancel()

	type extraction struct {
		result *extract.FileResult
		err    error
	}
	// Buffered so an abandoned extractor can still deliver and exit
	done := make(chan extraction, 1)
	go func() {
		res, err := ex.Extract(fileCtx, extract.SourceFile{Path: entry.RelPath, Content: content})
		done <- extraction{res, err}
	}()

	select {
	case <-fileCtx.Done():
		p.log.Warn("extraction timed out", "file", entry.RelPath, "timeout", p.config.FileTimeout)
		out.diagnostic = diagnostic(entry.RelPath, lang, models.DiagTimeout,
			fmt.Sprintf("extraction exceeded %s", p.config.FileTimeout))
	case got := <-done:
		switch {
		case got.err != nil && errors.IsParse(got.err):
			p.log.Debug("skipping malformed file", "file", entry.RelPath, "error", got.err)
			out.diagnostic = diagnostic(entry.RelPath, lang, models.DiagParseError, got.err.Error())
		case got.err != nil && fileCtx.Err() != nil:
			out.diagnostic = diagnostic(entry.RelPath, lang, models.DiagTimeout, got.err.Error())
		case got.err != nil:
			out.diagnostic = diagnostic(entry.RelPath, lang, models.DiagParseError, got.err.Error())
		default:
			out.result = got.result
		}
	}
	return out
}

func diagnostic(file, lang string, kind models.DiagnosticKind, msg string) *models.Diagnostic {
	return &models.Diagnostic{File: file, Language: lang, Kind: kind, Message: msg}
}
