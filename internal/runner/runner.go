// Package runner plans a set of input files into splits and runs every split
// through decode, encode and publish on a bounded pool of workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/audit"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/format"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/logging"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/metadata"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/metrics"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/provider"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

// Deps are the collaborators of a Runner. Catalog, Checkpoints, Audit and
// Metrics are optional.
type Deps struct {
	Input       storage.FileSystem
	Output      storage.Sink
	Catalog     metadata.Writer
	Checkpoints checkpoint.Manager
	Audit       audit.Emitter
	Metrics     *metrics.Metrics
}

// Runner executes ingest runs.
type Runner struct {
	prov    *provider.Provider
	enc     format.Encoder
	opts    Options
	in      storage.FileSystem
	out     storage.Sink
	meta    metadata.Writer
	cp      checkpoint.Manager
	audit   audit.Emitter
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New resolves prov with opts.Macros if needed and prepares the output encoder.
func New(reg *format.Registry, prov *provider.Provider, deps Deps, opts Options) (*Runner, error) {
	if deps.Input == nil || deps.Output == nil {
		return nil, errors.New("runner: input and output storage are required")
	}
	if !prov.Ready() {
		resolved, err := prov.Resolve(opts.Macros)
		if err != nil {
			return nil, err
		}
		prov = resolved
	}
	enc, err := reg.OutputEncoder(opts.OutputFormat, opts.OutputProperties)
	if err != nil {
		return nil, err
	}

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.OnError == "" {
		opts.OnError = OnErrorFail
	}
	if opts.OnError != OnErrorFail && opts.OnError != OnErrorSkip {
		return nil, errs.Config(errs.ErrMalformedConfig, "unknown decode error policy '%s'", opts.OnError)
	}

	r := &Runner{
		prov:    prov,
		enc:     enc,
		opts:    opts,
		in:      deps.Input,
		out:     deps.Output,
		meta:    deps.Catalog,
		cp:      deps.Checkpoints,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		log:     logging.Component("runner").With("format", prov.Format()),
	}
	if r.meta == nil {
		r.meta, _ = metadata.NewWriter(context.Background(), metadata.CatalogConfig{})
	}
	if r.cp == nil {
		r.cp, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if r.audit == nil {
		r.audit, _ = audit.NewEmitter(audit.Config{})
	}
	return r, nil
}

// Provider returns the resolved provider.
func (r *Runner) Provider() *provider.Provider { return r.prov }

// Plan lists the input root and groups the files into splits.
func (r *Runner) Plan(ctx context.Context) (*Plan, error) {
	files, err := r.in.List(ctx, r.opts.InputRoot)
	if err != nil {
		return nil, err
	}
	splits, err := r.prov.Plan(files, r.opts.Bounds)
	if err != nil {
		return nil, err
	}
	return &Plan{Files: files, Splits: splits, Fingerprint: split.Fingerprint(splits)}, nil
}

// Run plans and processes every split. Failed splits do not stop their
// siblings; the returned error joins every split failure. The Result is
// returned even when the error is non-nil, unless planning failed.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	plan, err := r.Plan(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := r.log.With("run_id", runID, "correlation_id", correlationID)

	tracker, err := checkpoint.Open(ctx, r.cp, plan.Fingerprint, r.prov.Format())
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if err := r.meta.StartRun(ctx, metadata.RunRecord{
		RunID:       runID,
		Format:      r.prov.Format(),
		Fingerprint: plan.Fingerprint,
		InputRoot:   r.opts.InputRoot,
		OutputRoot:  r.opts.OutputRoot,
		Splits:      len(plan.Splits),
		StartedAt:   time.Now().UTC(),
	}); err != nil {
		log.Warn("failed to record run start", "error", err)
	}
	r.metrics.AddSplitsPlanned(r.prov.Format(), len(plan.Splits))

	log.Info("starting run",
		"files", len(plan.Files),
		"splits", len(plan.Splits),
		"fingerprint", plan.Fingerprint,
		"workers", r.opts.Workers,
	)
	startTime := time.Now()

	results := make([]SplitResult, len(plan.Splits))
	workerIDs := make(chan int, r.opts.Workers)
	for i := 0; i < r.opts.Workers; i++ {
		workerIDs <- i
	}
	var active int64
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, sp := range plan.Splits {
		i, sp := i, sp
		if ctx.Err() != nil {
			results[i] = SplitResult{Index: sp.Index, ID: sp.ID, Outcome: OutcomeFailed, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			id := <-workerIDs
			defer func() { workerIDs <- id }()
			logging.WorkerLogger(id).Debug("picked up split", "split_index", sp.Index)

			mu.Lock()
			active++
			r.metrics.SetInFlightSplits(float64(active))
			mu.Unlock()

			task := SplitTask{Split: sp, MaxRetry: r.opts.RetryAttempts}
			results[i] = r.processTask(ctx, id, runID, plan.Fingerprint, tracker, task)

			mu.Lock()
			active--
			r.metrics.SetInFlightSplits(float64(active))
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Audit events are chained, so emit them in split order.
	for i, sr := range results {
		if sr.Outcome == OutcomePublished {
			r.emitAudit(ctx, log, runID, plan.Fingerprint, plan.Splits[i], sr)
		}
	}

	res := &Result{RunID: runID, Fingerprint: plan.Fingerprint, Splits: results}
	var failures []error
	for _, sr := range results {
		switch sr.Outcome {
		case OutcomePublished:
			res.Processed++
			res.Records += sr.Rows
			res.DecodeErrors += sr.SkippedRecords
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
			failures = append(failures, fmt.Errorf("split %d (%s): %w", sr.Index, sr.ID, sr.Err))
		}
	}

	if err := r.meta.FinishRun(context.WithoutCancel(ctx), runID, metadata.RunSummary{
		Processed:    res.Processed,
		Skipped:      res.Skipped,
		Failed:       res.Failed,
		Records:      res.Records,
		DecodeErrors: res.DecodeErrors,
		FinishedAt:   time.Now().UTC(),
	}); err != nil {
		log.Warn("failed to record run end", "error", err)
	}

	log.Info("run finished",
		"processed", res.Processed,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"records", res.Records,
		"decode_errors", res.DecodeErrors,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return res, errors.Join(failures...)
}

// processTask runs one split with retries. Only resource errors are retried;
// a configuration or decode failure would fail the same way again.
func (r *Runner) processTask(ctx context.Context, workerID int, runID, fingerprint string, tracker *checkpoint.Tracker, task SplitTask) SplitResult {
	sp := task.Split
	name := r.prov.Format()
	log := logging.SplitLogger(logging.CorrelationID(ctx), name, sp.Index, sp.ID, len(sp.Chunks)).
		With("worker_id", workerID)

	if done, ok := tracker.Done(sp.ID); ok {
		log.Info("skipping split (checkpointed)", "output", done.Output)
		r.metrics.IncSplitsSkipped(name)
		return SplitResult{Index: sp.Index, ID: sp.ID, Outcome: OutcomeSkipped, Output: done.Output, Checksum: done.Checksum}
	}

	for {
		log.Info("processing split", "attempt", task.Attempt+1, "bytes", sp.Size())
		res, err := r.publishSplit(ctx, log, runID, sp)
		res.Attempts = task.Attempt + 1
		if err == nil {
			if res.Outcome == OutcomePublished {
				if err := tracker.MarkDone(ctx, sp.ID, checkpoint.CompletedSplit{
					Index:    sp.Index,
					Output:   res.Output,
					Checksum: res.Checksum,
				}); err != nil {
					log.Warn("failed to save checkpoint", "error", err)
				}
				r.metrics.IncSplitsProcessed(name)
			} else {
				r.metrics.IncSplitsSkipped(name)
			}
			r.recordSplit(ctx, log, runID, fingerprint, res)
			return res
		}

		if errs.Retryable(err) && task.Attempt < task.MaxRetry-1 {
			log.Warn("split failed, retrying", "error", err)
			r.metrics.IncRetryAttempts(name)

			// Exponential backoff
			backoff := time.Duration(r.opts.RetryBackoffMs*(1<<task.Attempt)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				err = ctx.Err()
				return r.failed(ctx, log, runID, fingerprint, res, err)
			}
			task.Attempt++
			continue
		}
		if task.Attempt > 0 {
			err = fmt.Errorf("failed after %d attempts: %w", task.Attempt+1, err)
		}
		return r.failed(ctx, log, runID, fingerprint, res, err)
	}
}

func (r *Runner) failed(ctx context.Context, log *slog.Logger, runID, fingerprint string, res SplitResult, err error) SplitResult {
	res.Outcome = OutcomeFailed
	res.Err = err
	class := errs.Class(err)
	log.Error("split failed", "error", err, "class", class)
	r.metrics.IncSplitsFailed(r.prov.Format(), class)
	r.recordSplit(ctx, log, runID, fingerprint, res)
	return res
}

func (r *Runner) recordSplit(ctx context.Context, log *slog.Logger, runID, fingerprint string, res SplitResult) {
	rec := metadata.SplitRecord{
		RunID:          runID,
		Fingerprint:    fingerprint,
		SplitIndex:     res.Index,
		SplitID:        res.ID,
		Status:         res.Outcome,
		OutputPath:     res.Output,
		Checksum:       res.Checksum,
		RowCount:       res.Rows,
		SkippedRecords: res.SkippedRecords,
		ByteSize:       res.ByteSize,
		BytesRead:      res.BytesRead,
		Attempts:       res.Attempts,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := r.meta.RecordSplit(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record split", "error", err)
	}
}

func (r *Runner) emitAudit(ctx context.Context, log *slog.Logger, runID, fingerprint string, sp split.Split, res SplitResult) {
	evt := &audit.Event{
		Split: audit.SplitInfo{
			Format:      r.prov.Format(),
			Fingerprint: fingerprint,
			Index:       sp.Index,
			ID:          sp.ID,
			Files:       sp.Paths(),
			Bytes:       sp.Size(),
		},
		Output: audit.OutputInfo{
			Path:     res.Output,
			Checksum: res.Checksum,
			RowCount: res.Rows,
			ByteSize: res.ByteSize,
		},
		Producer: audit.ProducerInfo{
			Name:    producerName,
			Version: Version,
			GitSHA:  GitSHA,
			RunID:   runID,
		},
	}
	if err := r.audit.Emit(ctx, evt); err != nil {
		log.Warn("failed to emit audit event", "split_index", sp.Index, "error", err)
	}
}
