package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/reader"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

// OutputKey returns the object key a split is published under.
func (r *Runner) OutputKey(sp split.Split) string {
	return path.Join(r.opts.OutputRoot, fmt.Sprintf("part-%05d-%s%s", sp.Index, sp.ID, r.enc.Extension()))
}

// ManifestKey returns the key of a split's manifest.
func (r *Runner) ManifestKey(sp split.Split) string {
	return path.Join(r.opts.OutputRoot, "_manifests", fmt.Sprintf("part-%05d-%s.json", sp.Index, sp.ID))
}

// publishSplit is the lifecycle of one split output.
//
// The order of operations must not change:
//  1. Skip if the manifest already exists (unless overwriting)
//  2. Decode the split, encoding rows into a temp object while hashing them
//  3. Validate the output
//  4. Commit the temp object under its final key
//  5. Write the manifest (the manifest marks the split as published)
//
// On any failure before step 4 the temp object is discarded.
func (r *Runner) publishSplit(ctx context.Context, log *slog.Logger, runID string, sp split.Split) (SplitResult, error) {
	res := SplitResult{Index: sp.Index, ID: sp.ID, Output: r.OutputKey(sp)}
	startTime := time.Now()
	manifestKey := r.ManifestKey(sp)

	// Step 1: Idempotency check
	if !r.opts.Overwrite {
		exists, err := r.out.Exists(ctx, manifestKey)
		if err != nil {
			log.Warn("idempotency check failed", "error", err)
		} else if exists {
			log.Info("skipping split (manifest exists)", "manifest", manifestKey)
			res.Outcome = OutcomeSkipped
			return res, nil
		}
	}

	// Step 2: Decode and encode
	cur, err := reader.Open(ctx, r.in, r.prov, sp)
	if err != nil {
		return res, err
	}
	defer cur.Close()

	pending, err := r.out.CreateAtomic(ctx, res.Output)
	if err != nil {
		return res, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := pending.Abort(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to discard temp output", "error", err)
			}
		}
	}()

	h := sha256.New()
	s, err := r.prov.Schema()
	if err != nil {
		return res, err
	}
	rw, err := r.enc.NewWriter(io.MultiWriter(pending, h), s)
	if err != nil {
		return res, err
	}

	for {
		row, err := cur.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, errs.ErrDecode) && r.opts.OnError == OnErrorSkip {
				res.SkippedRecords++
				log.Warn("skipping record", "error", err)
				continue
			}
			return res, err
		}
		if err := rw.Write(row); err != nil {
			return res, fmt.Errorf("encode %s row: %w", r.opts.OutputFormat, err)
		}
		res.Rows++
	}
	if err := rw.Close(); err != nil {
		return res, fmt.Errorf("close %s writer: %w", r.opts.OutputFormat, err)
	}

	stats := cur.Stats()
	res.BytesRead = stats.Bytes
	res.ByteSize = pending.Size()
	res.Checksum = checksum(h)

	// Step 3: Validate
	v := ValidateOutput(sp, stats, res, r.enc.ContainerFormat())
	for _, w := range v.Warnings {
		log.Warn("output check", "warning", w)
	}
	if !v.Passed {
		return res, &errs.ValidationError{Split: sp.ID, Problems: v.Errors}
	}

	// Step 4: Commit
	if err := pending.Commit(ctx); err != nil {
		return res, err
	}
	committed = true

	// Step 5: Manifest
	m := &storage.Manifest{
		Split: storage.SplitInfo{
			Index:  sp.Index,
			ID:     sp.ID,
			Bytes:  sp.Size(),
			Chunks: sp.Chunks,
		},
		Output: storage.OutputInfo{
			File:           path.Base(res.Output),
			Format:         r.opts.OutputFormat,
			Checksum:       res.Checksum,
			RowCount:       res.Rows,
			SkippedRecords: res.SkippedRecords,
			ByteSize:       res.ByteSize,
		},
		Producer: storage.ProducerInfo{
			Name:    producerName,
			Version: Version,
			RunID:   runID,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := r.out.WriteManifest(ctx, manifestKey, m); err != nil {
		return res, fmt.Errorf("write manifest: %w", err)
	}

	res.Outcome = OutcomePublished
	res.Duration = time.Since(startTime)
	r.metrics.ObserveSplit(r.prov.Format(), res.Rows, res.SkippedRecords, res.BytesRead, res.Duration)
	log.Info("published split",
		"output", res.Output,
		"rows", res.Rows,
		"skipped_records", res.SkippedRecords,
		"bytes", res.ByteSize,
		"checksum", res.Checksum,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func checksum(h hash.Hash) string {
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
