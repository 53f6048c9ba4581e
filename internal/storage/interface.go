package storage

import (
	"context"
	"errors"

	"github.com/brutev/fd-agent/internal/models"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Direction selects which edges Snapshot.Edges and Snapshot.Neighbors follow
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// LinkFunc derives edges from the entities of a finalized run, such as
// client calls matched to the endpoints they hit.
type LinkFunc func(entities []models.Entity) []models.Relationship

// FinalizeOptions adjusts how a run is closed
type FinalizeOptions struct {
	// Retain lists files that failed extraction this run; their previous
	// entities and edges are kept instead of pruned.
	Retain []string
	Link   LinkFunc
	// Files and Diagnostics are recorded on the ScanRun
	Files       int
	Diagnostics int
}

// ChangeRequestFilter narrows ListChangeRequests
type ChangeRequestFilter struct {
	Pattern string
	Limit   int
}

// Stats summarizes the store contents
type Stats struct {
	Entities       int                         `json:"entities"`
	ByKind         map[models.EntityKind]int   `json:"by_kind"`
	ByLanguage     map[string]int              `json:"by_language"`
	Relationships  int                         `json:"relationships"`
	ByRelation     map[models.RelationKind]int `json:"by_relation"`
	ChangeRequests map[string]int              `json:"change_requests"`
	Contracts      int                         `json:"contracts"`
	Requirements   int                         `json:"requirements"`
	Runs           int                         `json:"runs"`
	LatestRun      *models.ScanRun             `json:"latest_run,omitempty"`
}

// Store defines the entity graph storage interface
type Store interface {
	// Entity operations
	UpsertEntities(ctx context.Context, run *Run, entities []models.Entity) (UpsertCounts, error)

	// Relationship operations
	BufferRelationship(run *Run, rels ...models.PendingRelationship)

	// Run lifecycle
	BeginRun(ctx context.Context, root string) (*Run, error)
	Finalize(ctx context.Context, run *Run, opts FinalizeOptions) (*models.ScanRun, error)
	FailRun(ctx context.Context, run *Run, cause error) error
	LatestRun(ctx context.Context) (*models.ScanRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.ScanRun, error)
	DiffSince(ctx context.Context, runID string) (*models.Diff, error)
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Change request operations (append-only)
	AppendChangeRequest(ctx context.Context, rec *models.ChangeRequestRecord) error
	GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequestRecord, error)
	ListChangeRequests(ctx context.Context, filter ChangeRequestFilter) ([]*models.ChangeRequestRecord, error)

	// Contract operations
	UpsertContracts(ctx context.Context, contracts []models.Contract) error
	ListContracts(ctx context.Context) ([]models.Contract, error)

	// Requirement operations
	UpsertRequirements(ctx context.Context, reqs []models.Requirement) error
	ListRequirements(ctx context.Context, area string) ([]models.Requirement, error)

	Stats(ctx context.Context) (*Stats, error)

	// Close connection
	Close() error
}
