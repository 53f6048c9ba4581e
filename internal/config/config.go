package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Index      IndexConfig      `mapstructure:"index" yaml:"index"`
	Neo4j      Neo4jConfig      `mapstructure:"neo4j" yaml:"neo4j"`
	Scan       ScanConfig       `mapstructure:"scan" yaml:"scan"`
	Extract    ExtractConfig    `mapstructure:"extract" yaml:"extract"`
	Gap        GapConfig        `mapstructure:"gap" yaml:"gap"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Planner    PlannerConfig    `mapstructure:"planner" yaml:"planner"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

type StorageConfig struct {
	Type        string `mapstructure:"type" yaml:"type"` // "sqlite", "postgres"
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	LocalPath   string `mapstructure:"local_path" yaml:"local_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

type IndexConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"` // "local", "openai", "gemini"
	Model             string        `mapstructure:"model" yaml:"model"`
	Dimensions        int           `mapstructure:"dimensions" yaml:"dimensions"`
	Path              string        `mapstructure:"path" yaml:"path"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	OpenAIKey         string        `mapstructure:"openai_key" yaml:"openai_key"`
	GeminiKey         string        `mapstructure:"gemini_key" yaml:"gemini_key"`
}

type Neo4jConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	URI      string `mapstructure:"uri" yaml:"uri"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

type ScanConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	FileTimeout  time.Duration `mapstructure:"file_timeout" yaml:"file_timeout"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
	SkipDirs     []string      `mapstructure:"skip_dirs" yaml:"skip_dirs"`
}

// ExtractConfig tunes per-heuristic confidence. Keys are heuristic names
// such as "dart.dio_call"; missing keys fall back to the extractor default.
type ExtractConfig struct {
	Confidence map[string]float64 `mapstructure:"confidence" yaml:"confidence"`
}

type GapConfig struct {
	StripPrefixes       []string `mapstructure:"strip_prefixes" yaml:"strip_prefixes"`
	MismatchMaxDistance int      `mapstructure:"mismatch_max_distance" yaml:"mismatch_max_distance"`
	ContractsFile       string   `mapstructure:"contracts_file" yaml:"contracts_file"`
}

// MemoryConfig tunes context retrieval. Semantic hits scoring at or
// below MinScore never become seeds.
type MemoryConfig struct {
	TopK     int     `mapstructure:"top_k" yaml:"top_k"`
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`
}

// ClassifierConfig holds the blend used to score change requests:
//
//	confidence = keyword_weight*keyword_score + semantic_weight*semantic_score
//
// When a pattern has no prior change requests and NoHistory is
// "keyword_only", confidence is keyword_score alone.
type ClassifierConfig struct {
	KeywordWeight    float64            `mapstructure:"keyword_weight" yaml:"keyword_weight"`
	SemanticWeight   float64            `mapstructure:"semantic_weight" yaml:"semantic_weight"`
	DefaultThreshold float64            `mapstructure:"default_threshold" yaml:"default_threshold"`
	Thresholds       map[string]float64 `mapstructure:"thresholds" yaml:"thresholds"`
	NoHistory        string             `mapstructure:"no_history" yaml:"no_history"` // "keyword_only", "blend"
	PatternsFile     string             `mapstructure:"patterns_file" yaml:"patterns_file"`
}

type PlannerConfig struct {
	Effort          map[string][]EffortRow `mapstructure:"effort" yaml:"effort"`
	ComplianceRules []ComplianceRule       `mapstructure:"compliance_rules" yaml:"compliance_rules"`
	CommonTests     []string               `mapstructure:"common_tests" yaml:"common_tests"`
	TablesFile      string                 `mapstructure:"tables_file" yaml:"tables_file"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// Default returns default configuration
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Storage: StorageConfig{
			Type:    "sqlite",
			DataDir: dataDir,
		},
		Index: IndexConfig{
			Provider:          "local",
			Dimensions:        256,
			Timeout:           15 * time.Second,
			BatchSize:         64,
			RequestsPerSecond: 5,
		},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			Database: "neo4j",
		},
		Scan: ScanConfig{
			Workers:      8,
			FileTimeout:  10 * time.Second,
			MaxFileBytes: 2 * 1024 * 1024,
		},
		Extract: ExtractConfig{Confidence: map[string]float64{}},
		Gap: GapConfig{
			StripPrefixes:       []string{"/api/v1"},
			MismatchMaxDistance: 3,
		},
		Memory: MemoryConfig{TopK: 8, MinScore: 0.1},
		Classifier: ClassifierConfig{
			KeywordWeight:    0.6,
			SemanticWeight:   0.4,
			DefaultThreshold: 0.6,
			Thresholds:       map[string]float64{},
			NoHistory:        "keyword_only",
		},
		Planner: PlannerConfig{
			Effort:          DefaultEffortTable(),
			ComplianceRules: DefaultComplianceRules(),
			CommonTests:     []string{"error_handling", "regression"},
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(dataDir, "logs"),
		},
	}
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".fdagent"
	}
	return filepath.Join(homeDir, ".fdagent")
}

// GraphPath is the sqlite file for the entity graph store
func (c *Config) GraphPath() string {
	if c.Storage.LocalPath != "" {
		return c.Storage.LocalPath
	}
	return filepath.Join(c.Storage.DataDir, "graph.db")
}

// IndexPath is the bbolt file for the semantic index
func (c *Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.Storage.DataDir, "index.db")
}

// Threshold returns the classification threshold for a pattern
func (c *ClassifierConfig) Threshold(pattern string, patternDefault float64) float64 {
	if t, ok := c.Thresholds[pattern]; ok {
		return t
	}
	if patternDefault > 0 {
		return patternDefault
	}
	return c.DefaultThreshold
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("FDAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".fdagent")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Planner.TablesFile != "" {
		if err := cfg.Planner.LoadTables(expandPath(cfg.Planner.TablesFile)); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.local_path", "")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("index.provider", cfg.Index.Provider)
	v.SetDefault("index.model", "")
	v.SetDefault("index.dimensions", cfg.Index.Dimensions)
	v.SetDefault("index.path", "")
	v.SetDefault("index.timeout", cfg.Index.Timeout)
	v.SetDefault("index.batch_size", cfg.Index.BatchSize)
	v.SetDefault("index.requests_per_second", cfg.Index.RequestsPerSecond)

	v.SetDefault("neo4j.enabled", cfg.Neo4j.Enabled)
	v.SetDefault("neo4j.uri", cfg.Neo4j.URI)
	v.SetDefault("neo4j.user", cfg.Neo4j.User)
	v.SetDefault("neo4j.database", cfg.Neo4j.Database)

	v.SetDefault("scan.workers", cfg.Scan.Workers)
	v.SetDefault("scan.file_timeout", cfg.Scan.FileTimeout)
	v.SetDefault("scan.max_file_bytes", cfg.Scan.MaxFileBytes)

	v.SetDefault("gap.strip_prefixes", cfg.Gap.StripPrefixes)
	v.SetDefault("gap.mismatch_max_distance", cfg.Gap.MismatchMaxDistance)

	v.SetDefault("memory.top_k", cfg.Memory.TopK)
	v.SetDefault("memory.min_score", cfg.Memory.MinScore)

	v.SetDefault("classifier.keyword_weight", cfg.Classifier.KeywordWeight)
	v.SetDefault("classifier.semantic_weight", cfg.Classifier.SemanticWeight)
	v.SetDefault("classifier.default_threshold", cfg.Classifier.DefaultThreshold)
	v.SetDefault("classifier.no_history", cfg.Classifier.NoHistory)

	v.SetDefault("planner.common_tests", cfg.Planner.CommonTests)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
}

// applyEnvOverrides applies the unprefixed provider variables users already have set
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Index.OpenAIKey == "" {
		cfg.Index.OpenAIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Index.GeminiKey == "" {
		cfg.Index.GeminiKey = key
	}
	if dsn := os.Getenv("FDAGENT_DSN"); dsn != "" {
		cfg.Storage.Type = "postgres"
		cfg.Storage.PostgresDSN = dsn
	}

	cfg.Neo4j.URI = GetString("NEO4J_URI", cfg.Neo4j.URI)
	cfg.Neo4j.User = GetString("NEO4J_USER", cfg.Neo4j.User)
	cfg.Neo4j.Password = GetString("NEO4J_PASSWORD", cfg.Neo4j.Password)
	cfg.Neo4j.Database = GetString("NEO4J_DATABASE", cfg.Neo4j.Database)
	cfg.Neo4j.Enabled = GetBool("NEO4J_ENABLED", cfg.Neo4j.Enabled)

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Storage.LocalPath = expandPath(cfg.Storage.LocalPath)
	cfg.Index.Path = expandPath(cfg.Index.Path)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	cfg.Gap.ContractsFile = expandPath(cfg.Gap.ContractsFile)
	cfg.Classifier.PatternsFile = expandPath(cfg.Classifier.PatternsFile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Save saves configuration to file. API keys and passwords are not written.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	index := c.Index
	index.OpenAIKey = ""
	index.GeminiKey = ""
	neo := c.Neo4j
	neo.Password = ""

	v.Set("storage", c.Storage)
	v.Set("index", index)
	v.Set("neo4j", neo)
	v.Set("scan", c.Scan)
	v.Set("extract", c.Extract)
	v.Set("gap", c.Gap)
	v.Set("memory", c.Memory)
	v.Set("classifier", c.Classifier)
	v.Set("planner", c.Planner)
	v.Set("logging", c.Logging)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
