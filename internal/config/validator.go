package config

import (
	"fmt"
	"math"
	"strings"
)

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// AddError adds an error to the validation result
func (vr *ValidationResult) AddError(format string, args ...interface{}) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, fmt.Sprintf(format, args...))
}

// AddWarning adds a warning to the validation result
func (vr *ValidationResult) AddWarning(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any errors
func (vr *ValidationResult) HasErrors() bool {
	return !vr.Valid || len(vr.Errors) > 0
}

// Error returns a formatted error message
func (vr *ValidationResult) Error() string {
	if !vr.HasErrors() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation failed:\n")
	for _, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  ❌ %s\n", err))
	}

	if len(vr.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, warn := range vr.Warnings {
			sb.WriteString(fmt.Sprintf("  ⚠️  %s\n", warn))
		}
	}

	return sb.String()
}

// Validate checks every section and collects all problems at once
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateStorage(result)
	c.validateIndex(result)
	c.validateScan(result)
	c.validateClassifier(result)
	c.validatePlanner(result)

	if c.Gap.MismatchMaxDistance < 0 {
		result.AddError("gap.mismatch_max_distance must be >= 0 (got %d)", c.Gap.MismatchMaxDistance)
	}
	if c.Memory.TopK <= 0 {
		result.AddError("memory.top_k must be > 0 (got %d)", c.Memory.TopK)
	}
	if c.Memory.MinScore < 0 || c.Memory.MinScore >= 1 {
		result.AddError("memory.min_score must be in [0, 1) (got %.2f)", c.Memory.MinScore)
	}
	if c.Neo4j.Enabled && c.Neo4j.URI == "" {
		result.AddError("neo4j.uri is required when neo4j.enabled is true")
	}

	return result
}

func (c *Config) validateStorage(result *ValidationResult) {
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.DataDir == "" && c.Storage.LocalPath == "" {
			result.AddError("storage.data_dir or storage.local_path is required for sqlite")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			result.AddError("storage.postgres_dsn is required for postgres (or set FDAGENT_DSN)")
		}
	default:
		result.AddError("storage.type must be sqlite or postgres (got %q)", c.Storage.Type)
	}
}

func (c *Config) validateIndex(result *ValidationResult) {
	switch c.Index.Provider {
	case "local":
		if c.Index.Dimensions <= 0 {
			result.AddError("index.dimensions must be > 0 for the local embedder")
		}
	case "openai":
		if c.Index.OpenAIKey == "" {
			result.AddWarning("OPENAI_API_KEY not set: semantic index will be unavailable and retrieval degrades to keyword/graph only")
		}
	case "gemini":
		if c.Index.GeminiKey == "" {
			result.AddWarning("GEMINI_API_KEY not set: semantic index will be unavailable and retrieval degrades to keyword/graph only")
		}
	default:
		result.AddError("index.provider must be local, openai or gemini (got %q)", c.Index.Provider)
	}
	if c.Index.Timeout <= 0 {
		result.AddError("index.timeout must be > 0")
	}
}

func (c *Config) validateScan(result *ValidationResult) {
	if c.Scan.Workers <= 0 {
		result.AddError("scan.workers must be > 0 (got %d)", c.Scan.Workers)
	}
	if c.Scan.FileTimeout <= 0 {
		result.AddError("scan.file_timeout must be > 0")
	}
	for name, v := range c.Extract.Confidence {
		if v <= 0 || v > 1 {
			result.AddError("extract.confidence.%s must be in (0,1] (got %.2f)", name, v)
		}
	}
}

func (c *Config) validateClassifier(result *ValidationResult) {
	cl := c.Classifier
	if cl.KeywordWeight < 0 || cl.SemanticWeight < 0 {
		result.AddError("classifier weights must be non-negative")
	}
	if math.Abs(cl.KeywordWeight+cl.SemanticWeight-1) > 1e-6 {
		result.AddError("classifier.keyword_weight + classifier.semantic_weight must be 1 (got %.2f)",
			cl.KeywordWeight+cl.SemanticWeight)
	}
	if cl.DefaultThreshold < 0 || cl.DefaultThreshold > 1 {
		result.AddError("classifier.default_threshold must be in [0,1] (got %.2f)", cl.DefaultThreshold)
	}
	for name, t := range cl.Thresholds {
		if t < 0 || t > 1 {
			result.AddError("classifier.thresholds.%s must be in [0,1] (got %.2f)", name, t)
		}
	}
	if cl.NoHistory != "keyword_only" && cl.NoHistory != "blend" {
		result.AddError("classifier.no_history must be keyword_only or blend (got %q)", cl.NoHistory)
	}
}

func (c *Config) validatePlanner(result *ValidationResult) {
	if _, ok := c.Planner.Effort[DefaultPattern]; !ok {
		result.AddError("planner.effort must contain a %q table", DefaultPattern)
	}
	for _, pattern := range c.Planner.EffortPatterns() {
		rows := c.Planner.Effort[pattern]
		if len(rows) == 0 {
			result.AddError("planner.effort.%s is empty", pattern)
			continue
		}
		prev := 0
		for i, row := range rows {
			last := i == len(rows)-1
			if row.MaxEntities == 0 && !last {
				result.AddError("planner.effort.%s row %d is unbounded but not last", pattern, i)
			}
			if row.MaxEntities != 0 && row.MaxEntities <= prev {
				result.AddError("planner.effort.%s rows must have increasing max_entities", pattern)
			}
			if row.FrontendDays < 0 || row.BackendDays < 0 {
				result.AddError("planner.effort.%s row %d has negative days", pattern, i)
			}
			prev = row.MaxEntities
		}
		if rows[len(rows)-1].MaxEntities != 0 {
			result.AddWarning("planner.effort.%s has no unbounded row; larger change requests use its last row", pattern)
		}
	}
	for _, rule := range c.Planner.ComplianceRules {
		if len(rule.Tags) == 0 {
			result.AddWarning("compliance rule %q adds no tags", rule.Name)
		}
	}
}
