package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  CatalogConfig
}

// NewPostgresWriter connects to the catalog and creates its tables.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg}

	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logging.Component("metadata").Info("connected to PostgreSQL catalog")
	return w, nil
}

// StartRun inserts the run row.
func (w *PostgresWriter) StartRun(ctx context.Context, run RunRecord) error {
	query := `
		INSERT INTO _ingest_runs (run_id, format, fingerprint, input_root, output_root, split_count, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := w.pool.Exec(ctx, query,
		run.RunID,
		run.Format,
		run.Fingerprint,
		run.InputRoot,
		run.OutputRoot,
		run.Splits,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordSplit upserts the outcome of a split. Splits are keyed by plan
// fingerprint, so a rerun of the same plan overwrites earlier attempts.
func (w *PostgresWriter) RecordSplit(ctx context.Context, rec SplitRecord) error {
	query := `
		INSERT INTO _ingest_splits (
			fingerprint, split_id, split_index, run_id, status, output_path,
			checksum, row_count, skipped_records, byte_size, bytes_read,
			attempts, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (fingerprint, split_id)
		DO UPDATE SET
			run_id = EXCLUDED.run_id,
			status = EXCLUDED.status,
			output_path = EXCLUDED.output_path,
			checksum = EXCLUDED.checksum,
			row_count = EXCLUDED.row_count,
			skipped_records = EXCLUDED.skipped_records,
			byte_size = EXCLUDED.byte_size,
			bytes_read = EXCLUDED.bytes_read,
			attempts = EXCLUDED.attempts,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()
	`

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err := w.pool.Exec(ctx, query,
		rec.Fingerprint,
		rec.SplitID,
		rec.SplitIndex,
		rec.RunID,
		rec.Status,
		rec.OutputPath,
		rec.Checksum,
		rec.RowCount,
		rec.SkippedRecords,
		rec.ByteSize,
		rec.BytesRead,
		rec.Attempts,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("record split %s: %w", rec.SplitID, err)
	}
	return nil
}

// FinishRun writes the run totals and final status.
func (w *PostgresWriter) FinishRun(ctx context.Context, runID string, sum RunSummary) error {
	query := `
		UPDATE _ingest_runs
		SET status = $2, processed = $3, skipped = $4, failed = $5,
		    records = $6, decode_errors = $7, finished_at = $8
		WHERE run_id = $1
	`
	tag, err := w.pool.Exec(ctx, query,
		runID,
		sum.Status(),
		sum.Processed,
		sum.Skipped,
		sum.Failed,
		sum.Records,
		sum.DecodeErrors,
		sum.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run: run %s not found", runID)
	}
	return nil
}

// SplitPublished reports whether a split of the plan was published by any run.
func (w *PostgresWriter) SplitPublished(ctx context.Context, fingerprint, splitID string) (bool, error) {
	query := `
		SELECT status FROM _ingest_splits
		WHERE fingerprint = $1 AND split_id = $2
	`

	var status string
	err := w.pool.QueryRow(ctx, query, fingerprint, splitID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check split: %w", err)
	}
	return status == StatusPublished, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
