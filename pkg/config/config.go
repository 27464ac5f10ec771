// Package config loads and validates process-wide ETL settings: database
// connectivity, default safety limits, checkpoint/dead-letter directories,
// and progress/retry cadence. It follows the teacher's pkg/common/config
// LoadConfig pattern (JSON file, then environment overrides, then
// validation) trimmed to what this ETL core actually needs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dataloom/etlcore/pkg/retry"
	"github.com/dataloom/etlcore/pkg/safety"
	"github.com/dataloom/etlcore/pkg/transform"
	"github.com/dataloom/etlcore/pkg/util"
)

// Config is the complete process configuration.
type Config struct {
	Database   DatabaseConfig         `json:"database"`
	Limits     LimitsConfig           `json:"limits"`
	Checkpoint CheckpointConfig       `json:"checkpoint"`
	DeadLetter DeadLetterConfig       `json:"deadLetter"`
	Retry      RetryConfig            `json:"retry"`
	Progress   ProgressConfig         `json:"progress"`
	Metrics    MetricsConfig          `json:"metrics"`
	Logging    LoggingConfig          `json:"logging"`
	Tables     map[string]TableConfig `json:"tables"`
}

// DatabaseConfig holds Postgres connectivity settings.
type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"maxConns"`
}

// LimitsConfig holds the default safety limits applied to a job unless the
// job request overrides them. MaxHeapMB is filled from MaxHeapStr, a
// human-readable size string (e.g. "512MB") parsed by util.ParseSize and
// truncated to whole MiB. A JSON number for maxHeapMb is rejected, and a
// string without a unit counts as bytes.
type LimitsConfig struct {
	MaxRows        int64         `json:"maxRows"`
	MaxDuration    time.Duration `json:"-"`
	MaxDurationStr string        `json:"maxDuration"`
	MaxDeadLetters int64         `json:"maxDeadLetters"`
	MaxHeapMB      int64         `json:"-"`
	MaxHeapStr     string        `json:"maxHeapMb"`
}

// ToSafetyLimits converts the loaded config into a safety.Limits value.
func (l LimitsConfig) ToSafetyLimits() safety.Limits {
	return safety.Limits{
		MaxRows:        l.MaxRows,
		MaxDuration:    l.MaxDuration,
		MaxDeadLetters: l.MaxDeadLetters,
		MaxHeapMB:      l.MaxHeapMB,
	}
}

// CheckpointConfig holds the checkpoint store's on-disk location.
type CheckpointConfig struct {
	Dir     string `json:"dir"`
	Enabled bool   `json:"enabled"`
}

// DeadLetterConfig holds the dead-letter collector's spill directory and
// in-memory capacity before a spill is forced.
type DeadLetterConfig struct {
	Dir      string `json:"dir"`
	Capacity int    `json:"capacity"`
}

// RetryConfig holds the loader-phase retry policy.
type RetryConfig struct {
	MaxAttempts  int           `json:"maxAttempts"`
	InitialDelay time.Duration `json:"-"`
	InitialStr   string        `json:"initialDelay"`
	Factor       float64       `json:"factor"`
	MaxJitter    time.Duration `json:"-"`
	MaxJitterStr string        `json:"maxJitter"`
}

// ToRetryPolicy converts the loaded config into a retry.Policy value, or
// the package default if MaxAttempts was never set.
func (r RetryConfig) ToRetryPolicy() retry.Policy {
	if r.MaxAttempts <= 0 {
		return retry.DefaultPolicy()
	}
	return retry.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		Factor:       r.Factor,
		MaxJitter:    r.MaxJitter,
	}
}

// ProgressConfig holds the streaming progress/checkpoint cadence.
type ProgressConfig struct {
	Interval           int64 `json:"interval"`
	CheckpointInterval int64 `json:"checkpointInterval"`
	HighWaterMarkBytes int   `json:"highWaterMarkBytes"`
}

// MetricsConfig holds OTel metrics emission settings.
type MetricsConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// LoggingConfig holds the leveled logger's settings.
type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"` // "console" | "file" | "both"
	File   string `json:"file"`
}

// ColumnConfig is one destination column's coercion rule, in the
// JSON-friendly shape config files carry instead of transform.ColumnKind's
// integer constants.
type ColumnConfig struct {
	Kind     string `json:"kind"` // "text" | "date" | "numeric" | "integer"
	Nullable bool   `json:"nullable"`
}

// TableConfig is the coercion configuration for one destination table,
// keyed by table name under Config.Tables. There is no JSON shape for
// transform.RowValidator (it's a Go func), so TableConfig only ever
// produces rules with a nil Validator; a caller that needs per-table row
// validation still builds that TableRules value in code and overrides the
// one ToTableRules returns.
type TableConfig struct {
	Columns map[string]ColumnConfig `json:"columns"`
}

// ToTableRules converts t into a transform.TableRules, defaulting an
// unrecognised or empty Kind to transform.KindText.
func (t TableConfig) ToTableRules() transform.TableRules {
	columns := make(map[string]transform.ColumnRule, len(t.Columns))
	for name, col := range t.Columns {
		columns[name] = transform.ColumnRule{Kind: parseColumnKind(col.Kind), Nullable: col.Nullable}
	}
	return transform.TableRules{Columns: columns}
}

func parseColumnKind(kind string) transform.ColumnKind {
	switch strings.ToLower(kind) {
	case "date":
		return transform.KindDate
	case "numeric":
		return transform.KindNumeric
	case "integer":
		return transform.KindInteger
	default:
		return transform.KindText
	}
}

// DefaultConfig returns the package's built-in defaults, matching the
// literal defaults spec.md §4.5/§5 state: 3 retry attempts, 300ms initial
// delay, factor 2, jitter up to 120ms, progress every 1000 rows, checkpoint
// every 50000 rows, 1024-byte high-water mark.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:      "postgres://localhost:5432/etl",
			MaxConns: 10,
		},
		Limits: LimitsConfig{},
		Checkpoint: CheckpointConfig{
			Dir:     "./checkpoints",
			Enabled: true,
		},
		DeadLetter: DeadLetterConfig{
			Dir:      "./deadletters",
			Capacity: 1000,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 300 * time.Millisecond,
			Factor:       2,
			MaxJitter:    120 * time.Millisecond,
		},
		Progress: ProgressConfig{
			Interval:           1000,
			CheckpointInterval: 50_000,
			HighWaterMarkBytes: 1024,
		},
		Metrics: MetricsConfig{
			Enabled:     false,
			ServiceName: "etlcore",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// Load reads configPath (if non-empty; a missing file is not an error),
// applies environment variable overrides, parses human-readable duration
// and size strings, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.resolveSizeAndDurationStrings(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides follows the teacher's ETLCORE_-prefixed
// environment variable convention (NOISEFS_ in the original).
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("ETLCORE_DATABASE_DSN"); val != "" {
		c.Database.DSN = val
	}
	if val := os.Getenv("ETLCORE_DATABASE_MAX_CONNS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Database.MaxConns = int32(n)
		}
	}
	if val := os.Getenv("ETLCORE_MAX_ROWS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Limits.MaxRows = n
		}
	}
	if val := os.Getenv("ETLCORE_MAX_DURATION"); val != "" {
		c.Limits.MaxDurationStr = val
	}
	if val := os.Getenv("ETLCORE_MAX_DEAD_LETTERS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Limits.MaxDeadLetters = n
		}
	}
	if val := os.Getenv("ETLCORE_MAX_HEAP_MB"); val != "" {
		c.Limits.MaxHeapStr = val
	}
	if val := os.Getenv("ETLCORE_CHECKPOINT_DIR"); val != "" {
		c.Checkpoint.Dir = val
	}
	if val := os.Getenv("ETLCORE_CHECKPOINT_ENABLED"); val != "" {
		c.Checkpoint.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ETLCORE_DEAD_LETTER_DIR"); val != "" {
		c.DeadLetter.Dir = val
	}
	if val := os.Getenv("ETLCORE_DEAD_LETTER_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.DeadLetter.Capacity = n
		}
	}
	if val := os.Getenv("ETLCORE_PROGRESS_INTERVAL"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Progress.Interval = n
		}
	}
	if val := os.Getenv("ETLCORE_CHECKPOINT_INTERVAL"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Progress.CheckpointInterval = n
		}
	}
	if val := os.Getenv("ETLCORE_HIGH_WATER_MARK_BYTES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Progress.HighWaterMarkBytes = n
		}
	}
	if val := os.Getenv("ETLCORE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ETLCORE_METRICS_SERVICE_NAME"); val != "" {
		c.Metrics.ServiceName = val
	}
	if val := os.Getenv("ETLCORE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("ETLCORE_LOG_OUTPUT"); val != "" {
		c.Logging.Output = val
	}
	if val := os.Getenv("ETLCORE_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
}

// resolveSizeAndDurationStrings parses the human-readable duration/size
// fields (accepted from JSON or env as plain strings like "5m" or "512MB")
// into their typed counterparts, using util.ParseSize for byte sizes.
func (c *Config) resolveSizeAndDurationStrings() error {
	if c.Limits.MaxDurationStr != "" {
		d, err := time.ParseDuration(c.Limits.MaxDurationStr)
		if err != nil {
			return fmt.Errorf("limits.maxDuration: %w", err)
		}
		c.Limits.MaxDuration = d
	}
	if c.Limits.MaxHeapStr != "" {
		bytes, err := util.ParseSize(c.Limits.MaxHeapStr)
		if err != nil {
			return fmt.Errorf("limits.maxHeapMb: %w", err)
		}
		c.Limits.MaxHeapMB = bytes / (1024 * 1024)
	}
	if c.Retry.InitialStr != "" {
		d, err := time.ParseDuration(c.Retry.InitialStr)
		if err != nil {
			return fmt.Errorf("retry.initialDelay: %w", err)
		}
		c.Retry.InitialDelay = d
	}
	if c.Retry.MaxJitterStr != "" {
		d, err := time.ParseDuration(c.Retry.MaxJitterStr)
		if err != nil {
			return fmt.Errorf("retry.maxJitter: %w", err)
		}
		c.Retry.MaxJitter = d
	}
	return nil
}

// Validate checks the configuration for values that would make a job fail
// deterministically, surfacing a helpful message instead of a late,
// confusing error from pgx or the orchestrator.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn cannot be empty")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database.maxConns must be positive, got %d", c.Database.MaxConns)
	}
	if c.Progress.Interval <= 0 {
		return fmt.Errorf("progress.interval must be positive, got %d", c.Progress.Interval)
	}
	if c.Progress.CheckpointInterval <= 0 {
		return fmt.Errorf("progress.checkpointInterval must be positive, got %d", c.Progress.CheckpointInterval)
	}
	if c.Progress.HighWaterMarkBytes <= 0 {
		return fmt.Errorf("progress.highWaterMarkBytes must be positive, got %d", c.Progress.HighWaterMarkBytes)
	}
	if c.DeadLetter.Capacity <= 0 {
		return fmt.Errorf("deadLetter.capacity must be positive, got %d", c.DeadLetter.Capacity)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	validOutputs := map[string]bool{"console": true, "file": true, "both": true}
	if !validOutputs[strings.ToLower(c.Logging.Output)] {
		return fmt.Errorf("logging.output must be one of console|file|both, got %q", c.Logging.Output)
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when logging.output is %q", c.Logging.Output)
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON, mirroring the
// teacher's SaveToFile convention for round-tripping a generated config.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
