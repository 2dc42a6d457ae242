package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

const pipeline = `
input:
  storage:
    backend: mem
  root: landing/
format:
  name: delimited
  schema: '{"type":"record","name":"r","fields":[{"name":"a","type":"string"}]}'
  pathField: ${pf}
  properties:
    delimiter: "|"
    skipHeader: "true"
split:
  maxSplitSize: 1024
  maxFilesPerSplit: 8
macros:
  pf: source
perf:
  workers: 2
  onError: skip
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, pipeline))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Input.Storage.Backend != "mem" || cfg.Input.Root != "landing/" {
		t.Errorf("input = %+v", cfg.Input)
	}
	if cfg.Format.Name != "delimited" || cfg.Format.Properties["delimiter"] != "|" {
		t.Errorf("format = %+v", cfg.Format)
	}
	if cfg.Split.MaxSplitSize != 1024 || cfg.Split.MaxFilesPerSplit != 8 {
		t.Errorf("split = %+v", cfg.Split)
	}
	if cfg.Perf.Workers != 2 || cfg.Perf.OnError != "skip" {
		t.Errorf("perf = %+v", cfg.Perf)
	}
	// Unset values keep their defaults.
	if cfg.Perf.RetryAttempts != 3 || cfg.Perf.RetryBackoffMs != 1000 {
		t.Errorf("retry defaults = %+v", cfg.Perf)
	}
	if cfg.Macros["pf"] != "source" {
		t.Errorf("macros = %v", cfg.Macros)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	fc := cfg.FormatConfig()
	if fc.Resolved() {
		t.Error("format config with ${pf} should not be resolved")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Split.MaxSplitSize != DefaultMaxSplitSize {
		t.Errorf("MaxSplitSize = %d", cfg.Split.MaxSplitSize)
	}
	if cfg.Perf.Workers != 4 || cfg.Perf.OnError != "fail" {
		t.Errorf("perf = %+v", cfg.Perf)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INPUT_ROOT", "other/")
	t.Setenv("MAX_SPLIT_SIZE", "2048")
	t.Setenv("WORKERS", "9")
	t.Setenv("MACRO_pf", "file")
	t.Setenv("METRICS_ENABLED", "true")
	t.Setenv("AUDIT_ENABLED", "true")
	t.Setenv("AUDIT_ENDPOINT", "http://audit.local/events")

	cfg, err := Load(writeConfig(t, pipeline))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Input.Root != "other/" || cfg.Split.MaxSplitSize != 2048 || cfg.Perf.Workers != 9 {
		t.Errorf("overrides not applied: %+v %+v %+v", cfg.Input, cfg.Split, cfg.Perf)
	}
	if cfg.Macros["pf"] != "file" {
		t.Errorf("macro override = %q", cfg.Macros["pf"])
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled")
	}
	if !cfg.Audit.Enabled || cfg.Audit.Endpoint != "http://audit.local/events" || cfg.Audit.Dir != "./audit" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
}

func TestEnvBadInteger(t *testing.T) {
	t.Setenv("WORKERS", "many")
	if _, err := Load(""); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("Load() error = %v, want config error", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	if _, err := Load(writeConfig(t, "input: [unclosed")); !errors.Is(err, errs.ErrMalformedConfig) {
		t.Errorf("Load() error = %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) should fail")
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Input.Root = "in"

	tests := []struct {
		name   string
		mutate func(*Config)
		code   error
	}{
		{"ok", func(*Config) {}, nil},
		{"no format", func(c *Config) { c.Format.Name = "" }, errs.ErrMalformedConfig},
		{"no root", func(c *Config) { c.Input.Root = "" }, errs.ErrMalformedConfig},
		{"zero split size", func(c *Config) { c.Split.MaxSplitSize = 0 }, errs.ErrInvalidBound},
		{"negative files", func(c *Config) { c.Split.MaxFilesPerSplit = -1 }, errs.ErrInvalidBound},
		{"no workers", func(c *Config) { c.Perf.Workers = 0 }, errs.ErrMalformedConfig},
		{"bad policy", func(c *Config) { c.Perf.OnError = "ignore" }, errs.ErrMalformedConfig},
		{"s3 without bucket", func(c *Config) { c.Output.Storage.Backend = "s3" }, errs.ErrMalformedConfig},
		{"unknown backend", func(c *Config) { c.Input.Storage.Backend = "ftp" }, errs.ErrMalformedConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.code == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.code) || !errors.Is(err, errs.ErrConfig) {
				t.Errorf("Validate() error = %v, want %v", err, tt.code)
			}
		})
	}
}
