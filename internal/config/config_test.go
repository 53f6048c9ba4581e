package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	result := Default().Validate()
	assert.False(t, result.HasErrors(), result.Error())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  data_dir: ` + dir + `
scan:
  workers: 3
  file_timeout: 2s
classifier:
  keyword_weight: 0.7
  semantic_weight: 0.3
  thresholds:
    upi_autopay: 0.75
gap:
  strip_prefixes: ["/api/v2"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scan.Workers)
	assert.Equal(t, 2*time.Second, cfg.Scan.FileTimeout)
	assert.InDelta(t, 0.7, cfg.Classifier.KeywordWeight, 1e-9)
	assert.InDelta(t, 0.75, cfg.Classifier.Threshold("upi_autopay", 0), 1e-9)
	assert.InDelta(t, 0.6, cfg.Classifier.Threshold("tax_statement", 0), 1e-9)
	assert.Equal(t, []string{"/api/v2"}, cfg.Gap.StripPrefixes)
	assert.Equal(t, filepath.Join(dir, "graph.db"), cfg.GraphPath())
	assert.Equal(t, filepath.Join(dir, "index.db"), cfg.IndexPath())

	// untouched sections keep defaults
	assert.Equal(t, "local", cfg.Index.Provider)
	assert.Contains(t, cfg.Planner.Effort, DefaultPattern)
}

func TestValidateCatchesBadBlend(t *testing.T) {
	cfg := Default()
	cfg.Classifier.KeywordWeight = 0.8
	cfg.Classifier.SemanticWeight = 0.4
	cfg.Scan.Workers = 0

	result := cfg.Validate()
	require.True(t, result.HasErrors())
	assert.Len(t, result.Errors, 2)
	assert.Contains(t, result.Error(), "keyword_weight")
	assert.Contains(t, result.Error(), "scan.workers")
}

func TestValidateEffortRows(t *testing.T) {
	tests := []struct {
		name    string
		rows    []EffortRow
		wantErr bool
	}{
		{"ordered", []EffortRow{{MaxEntities: 3}, {MaxEntities: 9}, {}}, false},
		{"unbounded not last", []EffortRow{{}, {MaxEntities: 4}}, true},
		{"decreasing", []EffortRow{{MaxEntities: 9}, {MaxEntities: 3}, {}}, true},
		{"negative days", []EffortRow{{FrontendDays: -1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Planner.Effort["custom"] = tt.rows
			assert.Equal(t, tt.wantErr, cfg.Validate().HasErrors())
		})
	}
}

func TestLoadTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	content := `
effort:
  default:
    - max_entities: 0
      complexity: medium
      frontend_days: 3
      backend_days: 1
common_tests: [smoke]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	p := Default().Planner
	require.NoError(t, p.LoadTables(path))

	assert.Equal(t, []EffortRow{{Complexity: "medium", FrontendDays: 3, BackendDays: 1}}, p.Effort[DefaultPattern])
	assert.Equal(t, []string{"smoke"}, p.CommonTests)
	assert.NotEmpty(t, p.ComplianceRules, "missing sections keep defaults")
}

func TestSaveRoundTripOmitsSecrets(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Storage.DataDir = dir
	cfg.Index.OpenAIKey = "sk-test"
	path := filepath.Join(dir, "out", "config.yaml")

	require.NoError(t, cfg.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-test")
}
