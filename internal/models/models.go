package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityKind is the category of an extracted code entity
type EntityKind string

const (
	KindWidget         EntityKind = "widget"
	KindStateComponent EntityKind = "state_component"
	KindRoute          EntityKind = "route"
	KindClientCall     EntityKind = "client_call"
	KindEndpoint       EntityKind = "endpoint"
	KindModel          EntityKind = "model"
	KindValidator      EntityKind = "validator"
	KindService        EntityKind = "service"
)

// AllKinds lists entity kinds in feature-graph order
var AllKinds = []EntityKind{
	KindWidget, KindStateComponent, KindRoute, KindClientCall,
	KindEndpoint, KindModel, KindValidator, KindService,
}

// Valid reports whether k is a known entity kind
func (k EntityKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RelationKind is the type of edge between two entities
type RelationKind string

const (
	RelUses      RelationKind = "uses"
	RelProvides  RelationKind = "provides"
	RelCalls     RelationKind = "calls"
	RelValidates RelationKind = "validates"
	RelNavigates RelationKind = "navigates"
	RelInjects   RelationKind = "injects"
	RelTestedBy  RelationKind = "tested_by"
)

// Attribute keys shared by extractors and downstream consumers
const (
	AttrMethod        = "method"
	AttrPath          = "path"
	AttrFields        = "fields"
	AttrEvents        = "events"
	AttrStates        = "states"
	AttrWidget        = "widget"
	AttrBase          = "base"
	AttrTable         = "table"
	AttrOrigin        = "origin"
	AttrHandler       = "handler"
	AttrResponseModel = "response_model"
	AttrValidators    = "validators"
	AttrFormFields    = "form_fields"
	AttrField         = "field"
)

// OriginTest marks client calls that live in test code
const OriginTest = "test"

// Location is where an entity was declared
type Location struct {
	File      string `json:"file" db:"file"`
	StartLine int    `json:"start_line" db:"start_line"`
	EndLine   int    `json:"end_line" db:"end_line"`
}

// Entity is a typed node of the feature graph
type Entity struct {
	ID          string            `json:"id"`
	Kind        EntityKind        `json:"kind"`
	Name        string            `json:"name"`
	Language    string            `json:"language"`
	Location    Location          `json:"location"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Confidence  float64           `json:"confidence"`
	ContentHash string            `json:"content_hash,omitempty"`
}

// EntityID derives a stable id from a source file and a symbol path
// (e.g. "KYCScreen" or "ApiClient/call:POST /kyc/verify#0").
func EntityID(file string, kind EntityKind, symbolPath string) string {
	sum := sha1.Sum([]byte(file + "|" + string(kind) + "|" + symbolPath))
	return hex.EncodeToString(sum[:10])
}

// Attr returns an attribute or "" when missing
func (e *Entity) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Hash computes ContentHash from everything except the id. Two scans of
// an unchanged symbol produce the same hash.
func (e *Entity) Hash() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%s|%s|%s|%d|%d|%.3f", e.Kind, e.Name, e.Language,
		e.Location.File, e.Location.StartLine, e.Location.EndLine, e.Confidence)
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%s", k, e.Attributes[k])
	}
	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Relationship is a resolved edge between two entities of one snapshot
type Relationship struct {
	SourceID   string       `json:"source_id" db:"source_id"`
	TargetID   string       `json:"target_id" db:"target_id"`
	Kind       RelationKind `json:"kind" db:"kind"`
	Confidence float64      `json:"confidence" db:"confidence"`
}

// Key is the deduplication key of a relationship
func (r Relationship) Key() string {
	return r.SourceID + "|" + r.TargetID + "|" + string(r.Kind)
}

// EntityRef points at an entity either by id or symbolically by kind and
// name, for targets that may live in a file not yet extracted.
type EntityRef struct {
	ID       string     `json:"id,omitempty"`
	Kind     EntityKind `json:"kind,omitempty"`
	Name     string     `json:"name,omitempty"`
	Language string     `json:"language,omitempty"`
}

func (r EntityRef) String() string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s:%s", r.Kind, r.Name)
}

// PendingRelationship is an edge emitted during extraction. It is resolved
// into a Relationship when the scan run finalizes.
type PendingRelationship struct {
	Source     EntityRef    `json:"source"`
	Target     EntityRef    `json:"target"`
	Kind       RelationKind `json:"kind"`
	Confidence float64      `json:"confidence"`
	File       string       `json:"file"`
}

// DiagnosticKind classifies a per-file scan problem
type DiagnosticKind string

const (
	DiagParseError     DiagnosticKind = "parse_error"
	DiagTimeout        DiagnosticKind = "timeout"
	DiagReadError      DiagnosticKind = "read_error"
	DiagTooLarge       DiagnosticKind = "too_large"
	DiagGraphIntegrity DiagnosticKind = "graph_integrity"
)

// Diagnostic records a recoverable problem scoped to one file or edge
type Diagnostic struct {
	File     string         `json:"file"`
	Language string         `json:"language,omitempty"`
	Kind     DiagnosticKind `json:"kind"`
	Message  string         `json:"message"`
}

// ScanRun is the metadata of one Analyze pass
type ScanRun struct {
	RunID                string             `json:"run_id"`
	Seq                  int64              `json:"seq"`
	Root                 string             `json:"root"`
	StartedAt            time.Time          `json:"started_at"`
	FinishedAt           time.Time          `json:"finished_at"`
	Counts               map[EntityKind]int `json:"counts"`
	Files                int                `json:"files"`
	Diagnostics          int                `json:"diagnostics"`
	Relationships        int                `json:"relationships"`
	DroppedRelationships int                `json:"dropped_relationships"`
	Pruned               int                `json:"pruned"`
}

// Diff lists entity ids that changed after a given run
type Diff struct {
	SinceRunID string   `json:"since_run_id"`
	Added      []string `json:"added"`
	Changed    []string `json:"changed"`
	Removed    []string `json:"removed"`
}

// Contract is a declared API operation from a requirement or schema document
type Contract struct {
	ID        string   `json:"id" yaml:"id"`
	Method    string   `json:"method" yaml:"method"`
	Path      string   `json:"path" yaml:"path"`
	Service   string   `json:"service,omitempty" yaml:"service"`
	Version   string   `json:"version,omitempty" yaml:"version"`
	Auth      string   `json:"auth,omitempty" yaml:"auth"`
	Owner     string   `json:"owner,omitempty" yaml:"owner"`
	Request   string   `json:"request,omitempty" yaml:"request"`
	Response  string   `json:"response,omitempty" yaml:"response"`
	Errors    []string `json:"errors,omitempty" yaml:"errors"`
	RateLimit string   `json:"rate_limit,omitempty" yaml:"rate_limit"`
	Tests     []string `json:"tests,omitempty" yaml:"tests"`
	Source    string   `json:"source,omitempty" yaml:"-"`
}

// Requirement is one section of a business requirements document
type Requirement struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	FeatureArea        string   `json:"feature_area"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Risks              []string `json:"risks"`
	Source             string   `json:"source"`
	RawRefs            []string `json:"raw_refs"`
}

// GapKind categorizes a gap report entry
type GapKind string

const (
	GapMissingBackend   GapKind = "missing_backend"
	GapMissingEndpoint  GapKind = "missing_endpoint"
	GapUnusedEndpoint   GapKind = "unused_endpoint"
	GapPossibleMismatch GapKind = "possible_mismatch"
)

// GapEntry is one mismatch among contracts, endpoints and client calls.
// ContractRef is the unmatched side (contract id, call id or endpoint id);
// CandidateRef is the near-miss endpoint for possible mismatches.
type GapEntry struct {
	Kind         GapKind  `json:"kind"`
	Method       string   `json:"method"`
	Path         string   `json:"path"`
	ContractRef  string   `json:"contract_ref"`
	CandidateRef string   `json:"candidate_ref,omitempty"`
	Similarity   *float64 `json:"similarity,omitempty"`
	Refs         []string `json:"refs,omitempty"`
}

// TaskArea tags which team owns a plan task
type TaskArea string

const (
	AreaFrontend   TaskArea = "frontend"
	AreaBackend    TaskArea = "backend"
	AreaTests      TaskArea = "tests"
	AreaCompliance TaskArea = "compliance"
)

// Task is a single actionable plan item
type Task struct {
	Area      TaskArea `json:"area"`
	Title     string   `json:"title"`
	EntityIDs []string `json:"entity_ids,omitempty"`
	Source    string   `json:"source"` // template, entity, gap, compliance
}

// Effort is the estimate looked up from the effort table
type Effort struct {
	Complexity   string  `json:"complexity"`
	TotalDays    float64 `json:"total_days"`
	FrontendDays float64 `json:"frontend_days"`
	BackendDays  float64 `json:"backend_days"`
}

// Plan is the planner output attached to a change request record
type Plan struct {
	Tasks           []Task     `json:"tasks"`
	EstimatedEffort Effort     `json:"estimated_effort"`
	Tests           []string   `json:"tests"`
	ComplianceTags  []string   `json:"compliance_tags"`
	Gaps            []GapEntry `json:"gaps,omitempty"`
}

// PatternScore is one pattern's classification score
type PatternScore struct {
	Pattern      string   `json:"pattern"`
	Confidence   float64  `json:"confidence"`
	KeywordScore float64  `json:"keyword_score"`
	Semantic     float64  `json:"semantic_score"`
	HasHistory   bool     `json:"has_history"`
	Threshold    float64  `json:"threshold"`
	Matched      []string `json:"matched_keywords,omitempty"`
}

// CRState is a change request pipeline state
type CRState string

const (
	CRReceived         CRState = "received"
	CRClassified       CRState = "classified"
	CRContextRetrieved CRState = "context_retrieved"
	CRGapChecked       CRState = "gap_checked"
	CRPlanned          CRState = "planned"
	CRUnclassifiable   CRState = "unclassifiable"
)

// PatternUnknown is the pattern of a change request no pattern accepted
const PatternUnknown = "unknown"

// ChangeRequestRecord is the immutable outcome of handling one change request
type ChangeRequestRecord struct {
	ID               string         `json:"id"`
	RawText          string         `json:"raw_text"`
	DetectedPattern  string         `json:"pattern"`
	Confidence       float64        `json:"confidence"`
	Scope            string         `json:"scope"`
	Priority         string         `json:"priority"`
	Candidates       []PatternScore `json:"candidates,omitempty"`
	Ambiguous        bool           `json:"ambiguous"`
	Degraded         bool           `json:"degraded"`
	MatchedEntityIDs []string       `json:"matched_entities"`
	RequirementIDs   []string       `json:"requirements,omitempty"`
	Plan             Plan           `json:"plan"`
	States           []CRState      `json:"states"`
	SnapshotSeq      int64          `json:"snapshot_seq"`
	Supersedes       string         `json:"supersedes,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
