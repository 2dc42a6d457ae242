// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

// Config holds logging configuration.
type Config struct {
	Format string    // "json" | "text"
	Level  string    // "debug" | "info" | "warn" | "error"
	Output io.Writer // defaults to stderr
}

// Setup installs the default slog logger. Errors logged under the "error"
// key are rendered as a group carrying their class.
func Setup(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: classifyError}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		return errs.Config(errs.ErrMalformedConfig, "unknown log format '%s'", cfg.Format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, errs.Config(errs.ErrMalformedConfig, "unknown log level '%s'", level)
	}
	return l, nil
}

func classifyError(groups []string, a slog.Attr) slog.Attr {
	if a.Key != "error" || len(groups) > 0 {
		return a
	}
	err, ok := a.Value.Any().(error)
	if !ok {
		return a
	}
	class := errs.Class(err)
	if class == "unknown" {
		return slog.String("error", err.Error())
	}
	return slog.Group("error", slog.String("msg", err.Error()), slog.String("class", class))
}

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GenerateCorrelationID returns 16 random hex characters.
func GenerateCorrelationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016x", os.Getpid())
	}
	return hex.EncodeToString(b)
}

// SplitLogger creates a logger with split context fields.
func SplitLogger(correlationID, format string, index int, splitID string, chunks int) *slog.Logger {
	return slog.With(
		"correlation_id", correlationID,
		"format", format,
		"split_index", index,
		"split_id", splitID,
		"chunks", chunks,
	)
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(workerID int) *slog.Logger {
	return slog.With("worker_id", workerID)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
