package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/format"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/logging"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

// DefaultMaxSplitSize is used when split.maxSplitSize is not set.
const DefaultMaxSplitSize = 128 << 20

type Config struct {
	Input      InputConfig       `yaml:"input"`
	Format     FormatConfig      `yaml:"format"`
	Split      SplitConfig       `yaml:"split"`
	Output     OutputConfig      `yaml:"output"`
	Macros     map[string]string `yaml:"macros"`
	Perf       PerfConfig        `yaml:"perf"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Catalog    CatalogConfig     `yaml:"catalog"`
	Checkpoint CheckpointConfig  `yaml:"checkpoint"`
	Audit      AuditConfig       `yaml:"audit"`
}

type StorageConfig struct {
	Backend    string   `yaml:"backend"`
	Bucket     string   `yaml:"bucket"`
	LocalDir   string   `yaml:"localDir"`
	S3Endpoint string   `yaml:"s3Endpoint"`
	S3Region   string   `yaml:"s3Region"`
	Locations  []string `yaml:"locations"`
}

type InputConfig struct {
	Storage StorageConfig `yaml:"storage"`
	Root    string        `yaml:"root"`
}

type FormatConfig struct {
	Name       string            `yaml:"name"`
	Schema     string            `yaml:"schema"`
	PathField  string            `yaml:"pathField"`
	Properties map[string]string `yaml:"properties"`
}

type SplitConfig struct {
	MaxSplitSize     int64 `yaml:"maxSplitSize"`
	MaxFilesPerSplit int   `yaml:"maxFilesPerSplit"`
	MaxInputPaths    int   `yaml:"maxInputPaths"`
}

type OutputConfig struct {
	Storage    StorageConfig     `yaml:"storage"`
	Root       string            `yaml:"root"`
	Format     string            `yaml:"format"`
	Properties map[string]string `yaml:"properties"`
	Overwrite  bool              `yaml:"overwrite"`
}

type PerfConfig struct {
	Workers        int    `yaml:"workers"`
	RetryAttempts  int    `yaml:"retryAttempts"`
	RetryBackoffMs int    `yaml:"retryBackoffMs"`
	OnError        string `yaml:"onError"` // "fail" | "skip"
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"dsn"`
}

// AuditConfig controls the hash-chained audit trail of published splits.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
}

type CheckpointConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns a configuration with every default filled in.
func Default() Config {
	return Config{
		Input:  InputConfig{Storage: StorageConfig{Backend: "local", LocalDir: "./data"}},
		Format: FormatConfig{Name: "csv"},
		Split:  SplitConfig{MaxSplitSize: DefaultMaxSplitSize},
		Output: OutputConfig{
			Storage: StorageConfig{Backend: "local", LocalDir: "./data"},
			Root:    "bronze",
			Format:  "json",
		},
		Perf: PerfConfig{
			Workers:        4,
			RetryAttempts:  3,
			RetryBackoffMs: 1000,
			OnError:        "fail",
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Audit:   AuditConfig{Dir: "./audit"},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errs.Config(errs.ErrMalformedConfig, "parse config %s: %v", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

func (c *Config) applyEnv() error {
	c.Input.Storage.Backend = getenvDefault("INPUT_BACKEND", c.Input.Storage.Backend)
	c.Input.Storage.Bucket = getenvDefault("INPUT_BUCKET", c.Input.Storage.Bucket)
	c.Input.Storage.LocalDir = getenvDefault("INPUT_DIR", c.Input.Storage.LocalDir)
	c.Input.Root = getenvDefault("INPUT_ROOT", c.Input.Root)
	c.Format.Name = getenvDefault("FORMAT", c.Format.Name)
	c.Format.PathField = getenvDefault("PATH_FIELD", c.Format.PathField)
	c.Output.Storage.Backend = getenvDefault("OUTPUT_BACKEND", c.Output.Storage.Backend)
	c.Output.Storage.Bucket = getenvDefault("OUTPUT_BUCKET", c.Output.Storage.Bucket)
	c.Output.Storage.LocalDir = getenvDefault("OUTPUT_DIR", c.Output.Storage.LocalDir)
	c.Output.Root = getenvDefault("OUTPUT_ROOT", c.Output.Root)
	c.Output.Format = getenvDefault("OUTPUT_FORMAT", c.Output.Format)
	c.Perf.OnError = getenvDefault("ON_ERROR", c.Perf.OnError)
	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	c.Metrics.Addr = getenvDefault("METRICS_ADDR", c.Metrics.Addr)
	c.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", c.Catalog.PostgresDSN)
	c.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", c.Checkpoint.Dir)
	if os.Getenv("ALLOW_OVERWRITE") == "true" {
		c.Output.Overwrite = true
	}
	if os.Getenv("METRICS_ENABLED") == "true" {
		c.Metrics.Enabled = true
	}
	c.Audit.Dir = getenvDefault("AUDIT_DIR", c.Audit.Dir)
	c.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", c.Audit.Endpoint)
	if os.Getenv("AUDIT_ENABLED") == "true" {
		c.Audit.Enabled = true
	}

	var err error
	if c.Split.MaxSplitSize, err = envInt64("MAX_SPLIT_SIZE", c.Split.MaxSplitSize); err != nil {
		return err
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_FILES_PER_SPLIT", &c.Split.MaxFilesPerSplit},
		{"MAX_INPUT_PATHS", &c.Split.MaxInputPaths},
		{"WORKERS", &c.Perf.Workers},
		{"RETRY_ATTEMPTS", &c.Perf.RetryAttempts},
		{"RETRY_BACKOFF_MS", &c.Perf.RetryBackoffMs},
	}
	for _, e := range ints {
		v, err := envInt64(e.key, int64(*e.dst))
		if err != nil {
			return err
		}
		*e.dst = int(v)
	}

	// MACRO_<NAME>=value supplies or overrides a macro value.
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "MACRO_") || len(k) == len("MACRO_") {
			continue
		}
		if c.Macros == nil {
			c.Macros = make(map[string]string)
		}
		c.Macros[strings.TrimPrefix(k, "MACRO_")] = v
	}
	return nil
}

// Validate checks the values Load cannot check by parsing alone.
func (c Config) Validate() error {
	if c.Format.Name == "" {
		return errs.Config(errs.ErrMalformedConfig, "format.name is required")
	}
	if c.Input.Root == "" {
		return errs.Config(errs.ErrMalformedConfig, "input.root is required")
	}
	if err := c.SplitBounds().Validate(); err != nil {
		return err
	}
	if c.Perf.Workers < 1 {
		return errs.Config(errs.ErrMalformedConfig, "perf.workers must be at least 1, got %d", c.Perf.Workers)
	}
	if c.Perf.RetryAttempts < 0 || c.Perf.RetryBackoffMs < 0 {
		return errs.Config(errs.ErrMalformedConfig, "perf.retryAttempts and perf.retryBackoffMs cannot be negative")
	}
	switch c.Perf.OnError {
	case "fail", "skip":
	default:
		return errs.Config(errs.ErrMalformedConfig, "perf.onError must be 'fail' or 'skip', got '%s'", c.Perf.OnError)
	}
	for _, s := range []struct {
		name string
		cfg  StorageConfig
	}{{"input", c.Input.Storage}, {"output", c.Output.Storage}} {
		switch s.cfg.Backend {
		case "local", "mem":
		case "gcs", "s3":
			if s.cfg.Bucket == "" {
				return errs.Config(errs.ErrMalformedConfig, "%s.storage.bucket is required for backend '%s'", s.name, s.cfg.Backend)
			}
		default:
			return errs.Config(errs.ErrMalformedConfig, "%s.storage.backend '%s' is not one of local, mem, gcs, s3", s.name, s.cfg.Backend)
		}
	}
	return nil
}

// FormatConfig returns the input format configuration. Macro references stay
// unresolved; the provider defers validation until they are supplied.
func (c Config) FormatConfig() format.Config {
	return format.NewConfig(c.Format.Name, c.Format.Schema, c.Format.PathField, c.Format.Properties)
}

// SplitBounds returns the planning bounds. Splittable is filled in by the provider.
func (c Config) SplitBounds() split.Bounds {
	return split.Bounds{
		MaxSplitSize:     c.Split.MaxSplitSize,
		MaxFilesPerSplit: c.Split.MaxFilesPerSplit,
		MaxInputPaths:    c.Split.MaxInputPaths,
	}
}

// Storage converts a storage section into the storage package's form.
func (s StorageConfig) Storage() storage.StorageConfig {
	return storage.StorageConfig{
		Backend:    s.Backend,
		LocalDir:   s.LocalDir,
		Bucket:     s.Bucket,
		S3Endpoint: s.S3Endpoint,
		S3Region:   s.S3Region,
		Locations:  s.Locations,
	}
}

func (l LoggingConfig) Logging() logging.Config {
	return logging.Config{Format: l.Format, Level: l.Level}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.Config(errs.ErrMalformedConfig, "%s: '%s' is not an integer", key, v)
	}
	return parsed, nil
}
