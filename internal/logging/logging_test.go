package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLevel(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := parseLevel("verbose"); !errors.Is(err, errs.ErrMalformedConfig) {
		t.Errorf("parseLevel(verbose) error = %v", err)
	}
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	if err := Setup(Config{Format: "xml"}); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("Setup(xml) = %v, want config error", err)
	}
}

func setupJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	if err := Setup(Config{Format: "json", Level: "info", Output: &buf}); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestSetupJSONWithSplitContext(t *testing.T) {
	buf := setupJSON(t)
	SplitLogger("abc", "csv", 3, "ffee", 2).Info("split done")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["correlation_id"] != "abc" || entry["format"] != "csv" || entry["split_id"] != "ffee" {
		t.Errorf("entry = %v", entry)
	}
	if entry["split_index"] != float64(3) {
		t.Errorf("split_index = %v", entry["split_index"])
	}
}

func TestErrorsCarryClass(t *testing.T) {
	buf := setupJSON(t)
	Component("test").Error("failed", "error", errs.Resource("open", "a.csv", errors.New("reset")))
	Component("test").Error("failed", "error", errors.New("plain"))

	dec := json.NewDecoder(buf)
	var classified, plain map[string]any
	if err := dec.Decode(&classified); err != nil {
		t.Fatal(err)
	}
	if err := dec.Decode(&plain); err != nil {
		t.Fatal(err)
	}
	group, ok := classified["error"].(map[string]any)
	if !ok || group["class"] != "resource" {
		t.Errorf("classified error = %v", classified["error"])
	}
	if classified["component"] != "test" {
		t.Errorf("component = %v", classified["component"])
	}
	if plain["error"] != "plain" {
		t.Errorf("plain error = %v", plain["error"])
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "run-1")
	if got := CorrelationID(ctx); got != "run-1" {
		t.Errorf("CorrelationID() = %q", got)
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("empty context should have no correlation ID")
	}
	if a, b := GenerateCorrelationID(), GenerateCorrelationID(); len(a) != 16 || a == b {
		t.Errorf("GenerateCorrelationID() = %q, %q", a, b)
	}
}
