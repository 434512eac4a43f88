// Package config loads pipeline configuration from defaults, a YAML file,
// a .env file, and environment variables, in that priority order, then
// validates the result against struct tags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SourceConfig describes one record-extractor input.
type SourceConfig struct {
	Name      string `yaml:"name" validate:"required"`
	Kind      string `yaml:"kind" validate:"required,oneof=delimited compressed_dump multi_table_join stat_binary"`
	Path      string `yaml:"path" validate:"required"`
	Delimiter string `yaml:"delimiter"`
	HasHeader bool   `yaml:"has_header"`
	JoinKey   string `yaml:"join_key"`
}

// DatabaseConfig controls the graph loader's Postgres connection.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN" validate:"required"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" env:"LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// EnrichmentSourceConfig describes one entry in the enrichment fallback chain.
type EnrichmentSourceConfig struct {
	Name               string  `yaml:"name" validate:"required"`
	Kind               string  `yaml:"kind" validate:"required,oneof=local_index remote_api"`
	Priority           int     `yaml:"priority"`
	MinConfidence      float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	CircuitMaxFailures int     `yaml:"circuit_max_failures"`
	BaseURL            string  `yaml:"base_url"`
	APIKeyEnv          string  `yaml:"api_key_env"`
}

// AssetRuntimeConfig controls the asset-graph materialization engine.
type AssetRuntimeConfig struct {
	WorkDir             string `yaml:"work_dir" validate:"required"`
	MaxConcurrency      int    `yaml:"max_concurrency" validate:"gte=1"`
	ChunkSizeBytes      int64  `yaml:"chunk_size_bytes" validate:"gte=1"`
	MemoryPressureLimit string `yaml:"memory_pressure_limit"`
	CacheBackend        string `yaml:"cache_backend" validate:"omitempty,oneof=none redis"`
	CacheAddr           string `yaml:"cache_addr" env:"CACHE_ADDR"`
}

// QualityGateConfig names one threshold evaluated after each run.
type QualityGateConfig struct {
	Name      string  `yaml:"name" validate:"required"`
	Metric    string  `yaml:"metric" validate:"required"`
	Threshold float64 `yaml:"threshold"`
	Blocking  bool    `yaml:"blocking"`
}

// RetentionConfig controls tombstoning of records absent from a run.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SectorMapConfig declares the static NAICS-code-to-sector table the
// company-aggregation pass uses to group awards by sector.
type SectorMapConfig struct {
	Table    map[string]string `yaml:"table"`
	Fallback string            `yaml:"fallback"`
}

// StatusConfig controls the orchestrator's internal health/metrics HTTP
// server. Addr empty disables the server entirely.
type StatusConfig struct {
	Addr           string `yaml:"addr" env:"STATUS_ADDR"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

// Config is the top-level pipeline configuration.
type Config struct {
	Sources     []SourceConfig           `yaml:"sources"`
	Database    DatabaseConfig           `yaml:"database"`
	Logging     LoggingConfig            `yaml:"logging"`
	Enrichment  []EnrichmentSourceConfig `yaml:"enrichment"`
	AssetRT     AssetRuntimeConfig       `yaml:"asset_runtime"`
	QualityGate []QualityGateConfig      `yaml:"quality_gates"`
	Retention   RetentionConfig          `yaml:"retention"`
	Sectors     SectorMapConfig          `yaml:"sectors"`
	Status      StatusConfig             `yaml:"status"`
}

var validate = validator.New()

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		AssetRT: AssetRuntimeConfig{
			WorkDir:             "./var/assets",
			MaxConcurrency:      4,
			ChunkSizeBytes:      8 * 1024 * 1024,
			MemoryPressureLimit: "80%",
			CacheBackend:        "none",
		},
		Retention: RetentionConfig{
			Enabled: false,
		},
		Sectors: SectorMapConfig{
			Fallback: "other",
		},
		Status: StatusConfig{
			RequestTimeout: 30,
		},
	}
}

// ConnectionString returns the configured DSN verbatim; it is already a
// full libpq connection string or URL.
func (c DatabaseConfig) ConnectionString() string {
	return c.DSN
}

// Load loads configuration from CONFIG_FILE (or ./configs/config.yaml),
// a .env file, and environment variables, then validates the result.
// Unknown YAML keys are rejected to catch config drift early.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadFile reads configuration from a specific YAML file, skipping the
// env/.env layers.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Env helpers, used outside the layered Config for one-off CLI flags.

// GetEnv retrieves an environment variable with a default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with a default.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with a default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseByteSize parses a size string like "1GB", "512MB" into bytes.
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	type suffix struct {
		value      string
		multiplier int64
	}
	suffixes := []suffix{
		{"gib", 1024 * 1024 * 1024}, {"gb", 1024 * 1024 * 1024}, {"g", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024}, {"mb", 1024 * 1024}, {"m", 1024 * 1024},
		{"kib", 1024}, {"kb", 1024}, {"k", 1024},
		{"b", 1},
	}
	const maxInt64 = int64(^uint64(0) >> 1)

	for _, entry := range suffixes {
		if !strings.HasSuffix(value, entry.value) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(value, entry.value))
		if num == "" {
			return 0, fmt.Errorf("missing size value")
		}
		parsed, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("size must be positive")
		}
		if parsed > maxInt64/entry.multiplier {
			return 0, fmt.Errorf("size too large")
		}
		return parsed * entry.multiplier, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}
