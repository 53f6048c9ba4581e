// Package extract defines the contract every language extractor satisfies.
// An extractor turns one source file into entities and pending
// relationships; the ingestion processor and graph store never look at
// language-specific details.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/brutev/fd-agent/internal/models"
)

// SourceFile is one file handed to an extractor. Path is slash-separated
// and relative to the scan root; it is part of every entity id.
type SourceFile struct {
	Path    string
	Content []byte
}

// Extractor converts source text of one language into graph facts.
// Implementations must be safe for concurrent use; Extract should return
// promptly once ctx is done.
type Extractor interface {
	Language() string
	Extensions() []string
	Extract(ctx context.Context, file SourceFile) (*FileResult, error)
}

// FileResult holds what one file contributed to the feature graph
type FileResult struct {
	File          string
	Language      string
	Entities      []models.Entity
	Relationships []models.PendingRelationship
}

// NewFileResult starts an empty result for file
func NewFileResult(file SourceFile, language string) *FileResult {
	return &FileResult{File: file.Path, Language: language}
}

// EntitySpec describes an entity before its id and hash are derived
type EntitySpec struct {
	Kind       models.EntityKind
	Name       string
	SymbolPath string // defaults to Name
	StartLine  int
	EndLine    int
	Confidence float64
	Attributes map[string]string
}

// Add derives the stable id and content hash and records the entity.
// Adding the same symbol path twice keeps the first occurrence.
func (r *FileResult) Add(spec EntitySpec) models.Entity {
	symbol := spec.SymbolPath
	if symbol == "" {
		symbol = spec.Name
	}
	id := models.EntityID(r.File, spec.Kind, symbol)
	for _, existing := range r.Entities {
		if existing.ID == id {
			return existing
		}
	}

	end := spec.EndLine
	if end < spec.StartLine {
		end = spec.StartLine
	}
	e := models.Entity{
		ID:         id,
		Kind:       spec.Kind,
		Name:       spec.Name,
		Language:   r.Language,
		Location:   models.Location{File: r.File, StartLine: spec.StartLine, EndLine: end},
		Attributes: spec.Attributes,
		Confidence: clamp(spec.Confidence),
	}
	e.ContentHash = e.Hash()
	r.Entities = append(r.Entities, e)
	return e
}

// Relate records an edge; the target may be symbolic and is resolved when
// the scan run finalizes.
func (r *FileResult) Relate(source, target models.EntityRef, kind models.RelationKind, confidence float64) {
	if source.Language == "" {
		source.Language = r.Language
	}
	if target.Language == "" && target.ID == "" {
		target.Language = r.Language
	}
	r.Relationships = append(r.Relationships, models.PendingRelationship{
		Source:     source,
		Target:     target,
		Kind:       kind,
		Confidence: clamp(confidence),
		File:       r.File,
	})
}

// Ref returns a by-id reference to an entity in this result
func Ref(e models.Entity) models.EntityRef {
	return models.EntityRef{ID: e.ID}
}

// ByName returns a symbolic reference resolved at finalization
func ByName(kind models.EntityKind, name string) models.EntityRef {
	return models.EntityRef{Kind: kind, Name: name}
}

// Sort orders entities by position and relationships by source, target and kind
func (r *FileResult) Sort() {
	sort.SliceStable(r.Entities, func(i, j int) bool {
		a, b := r.Entities[i], r.Entities[j]
		if a.Location.StartLine != b.Location.StartLine {
			return a.Location.StartLine < b.Location.StartLine
		}
		return a.ID < b.ID
	})
	sort.SliceStable(r.Relationships, func(i, j int) bool {
		a, b := r.Relationships[i], r.Relationships[j]
		if a.Source.String() != b.Source.String() {
			return a.Source.String() < b.Source.String()
		}
		if a.Target.String() != b.Target.String() {
			return a.Target.String() < b.Target.String()
		}
		return a.Kind < b.Kind
	})
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Confidence holds per-heuristic overrides keyed like "dart.dio_call"
type Confidence map[string]float64

// Get returns the override for name or def
func (c Confidence) Get(name string, def float64) float64 {
	if v, ok := c[name]; ok && v > 0 && v <= 1 {
		return v
	}
	return def
}

// Registry maps file extensions to extractors
type Registry struct {
	byExt      map[string]Extractor
	extractors []Extractor
}

// NewRegistry registers extractors; two extractors claiming the same
// extension is a configuration error.
func NewRegistry(extractors ...Extractor) (*Registry, error) {
	r := &Registry{byExt: make(map[string]Extractor)}
	for _, ex := range extractors {
		if err := r.Register(ex); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an extractor
func (r *Registry) Register(ex Extractor) error {
	for _, ext := range ex.Extensions() {
		ext = strings.ToLower(ext)
		if prev, ok := r.byExt[ext]; ok {
			return fmt.Errorf("extension %s claimed by both %s and %s", ext, prev.Language(), ex.Language())
		}
		r.byExt[ext] = ex
	}
	r.extractors = append(r.extractors, ex)
	return nil
}

// ForFile returns the extractor responsible for path
func (r *Registry) ForFile(path string) (Extractor, bool) {
	ex, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return ex, ok
}

// Languages lists registered languages in registration order
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.extractors))
	for _, ex := range r.extractors {
		langs = append(langs, ex.Language())
	}
	return langs
}
