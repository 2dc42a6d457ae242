package metadata

import (
	"context"
)

type CatalogConfig struct {
	PostgresDSN string
}

// Writer persists run and split records.
type Writer interface {
	StartRun(ctx context.Context, run RunRecord) error
	RecordSplit(ctx context.Context, rec SplitRecord) error
	FinishRun(ctx context.Context, runID string, sum RunSummary) error
	Close() error
}

// NewWriter returns a Postgres-backed writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) StartRun(context.Context, RunRecord) error { return nil }
func (noopWriter) RecordSplit(context.Context, SplitRecord) error { return nil }
func (noopWriter) FinishRun(context.Context, string, RunSummary) error { return nil }
func (noopWriter) Close() error { return nil }
