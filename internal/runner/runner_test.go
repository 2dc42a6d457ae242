package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/audit"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/format"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/metadata"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/provider"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

const csvSchema = `{"type":"record","name":"row","fields":[
  {"name":"id","type":"int"},
  {"name":"name","type":"string"},
  {"name":"file","type":"string"}
]}`

// flakyFS fails Open for a path a set number of times.
type flakyFS struct {
	storage.FileSystem
	mu    sync.Mutex
	fails map[string]int
	opens map[string]int
}

func (f *flakyFS) Open(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opens[p]++
	if f.fails[p] > 0 {
		f.fails[p]--
		f.mu.Unlock()
		return nil, errs.Resource("open", p, errors.New("connection reset by peer"))
	}
	f.mu.Unlock()
	return f.FileSystem.Open(ctx, p, offset, length)
}

// mockCatalog implements metadata.Writer for testing
type mockCatalog struct {
	mu       sync.Mutex
	runs     []metadata.RunRecord
	splits   []metadata.SplitRecord
	finished map[string]metadata.RunSummary
}

func (m *mockCatalog) StartRun(_ context.Context, run metadata.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockCatalog) RecordSplit(_ context.Context, rec metadata.SplitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splits = append(m.splits, rec)
	return nil
}

func (m *mockCatalog) FinishRun(_ context.Context, runID string, sum metadata.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = make(map[string]metadata.RunSummary)
	}
	m.finished[runID] = sum
	return nil
}

func (m *mockCatalog) Close() error { return nil }

type recordingEmitter struct {
	events []audit.Event
}

func (e *recordingEmitter) Emit(_ context.Context, evt *audit.Event) error {
	e.events = append(e.events, *evt)
	return nil
}

func (e *recordingEmitter) Close() error { return nil }

type fixture struct {
	fs   *storage.BlobFS
	reg  *format.Registry
	deps Deps
	opts Options
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	fs := storage.NewBlobFS(memblob.OpenBucket(nil), "mem://", nil)
	t.Cleanup(func() { fs.Close() })
	for k, v := range files {
		if err := fs.WriteFile(context.Background(), k, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := format.NewDefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		fs:   fs,
		reg:  reg,
		deps: Deps{Input: fs, Output: fs},
		opts: Options{
			InputRoot:      "in",
			OutputRoot:     "out",
			Bounds:         split.Bounds{MaxSplitSize: 1 << 20, MaxFilesPerSplit: 1},
			OutputFormat:   "json",
			Workers:        2,
			RetryAttempts:  3,
			RetryBackoffMs: 1,
		},
	}
}

func (f *fixture) runner(t *testing.T, cfg format.Config) *Runner {
	t.Helper()
	prov, err := provider.New(f.reg, cfg)
	if err != nil {
		t.Fatalf("provider.New() error = %v", err)
	}
	r, err := New(f.reg, prov, f.deps, f.opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func csvConfig() format.Config {
	return format.NewConfig("csv", csvSchema, "file", nil)
}

func TestRunPublishesSplits(t *testing.T) {
	f := newFixture(t, map[string]string{
		"in/a.csv": "1,x\n2,y\n",
		"in/b.csv": "3,z\n",
	})
	r := f.runner(t, csvConfig())
	ctx := context.Background()

	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Processed != 2 || res.Failed != 0 || res.Records != 3 {
		t.Fatalf("Run() = %+v", res)
	}

	for _, sr := range res.Splits {
		data, err := f.fs.ReadFile(ctx, sr.Output)
		if err != nil {
			t.Fatalf("output %s: %v", sr.Output, err)
		}
		sum := sha256.Sum256(data)
		if want := "sha256:" + hex.EncodeToString(sum[:]); sr.Checksum != want {
			t.Errorf("checksum = %s, want %s", sr.Checksum, want)
		}
		if lines := strings.Count(string(data), "\n"); int64(lines) != sr.Rows {
			t.Errorf("%s has %d lines, want %d", sr.Output, lines, sr.Rows)
		}

		raw, err := f.fs.ReadFile(ctx, path.Join("out/_manifests", path.Base(sr.Output)))
		if err != nil {
			t.Fatalf("manifest for %s: %v", sr.Output, err)
		}
		var m storage.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatal(err)
		}
		if m.Output.RowCount != sr.Rows || m.Output.Checksum != sr.Checksum || m.Split.ID != sr.ID {
			t.Errorf("manifest = %+v", m)
		}
		if m.Producer.RunID != res.RunID {
			t.Errorf("manifest run id = %s, want %s", m.Producer.RunID, res.RunID)
		}
	}

	first, _ := f.fs.ReadFile(ctx, res.Splits[0].Output)
	if !strings.Contains(string(first), `"file":"mem://in/a.csv"`) {
		t.Errorf("output does not carry the source path: %s", first)
	}

	// Outputs and manifests are not picked up as inputs of a later run.
	files, err := f.fs.List(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("listing out = %+v, want the two outputs only", files)
	}
}

func TestRunSkipsPublishedSplits(t *testing.T) {
	f := newFixture(t, map[string]string{"in/a.csv": "1,x\n", "in/b.csv": "2,y\n"})
	ctx := context.Background()

	if _, err := f.runner(t, csvConfig()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := f.runner(t, csvConfig()).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || res.Processed != 0 {
		t.Errorf("second Run() = %+v, want every split skipped", res)
	}

	f.opts.Overwrite = true
	res, err = f.runner(t, csvConfig()).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 {
		t.Errorf("Run() with overwrite = %+v", res)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, map[string]string{"in/a.csv": "1,x\n", "in/b.csv": "2,y\n"})
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	f.deps.Checkpoints = mgr
	f.opts.Overwrite = true
	ctx := context.Background()

	first, err := f.runner(t, csvConfig()).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.runner(t, csvConfig()).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprint changed between runs: %s != %s", first.Fingerprint, second.Fingerprint)
	}
	if second.Skipped != 2 {
		t.Errorf("second Run() = %+v, want both splits checkpointed", second)
	}
	if second.Splits[0].Output != first.Splits[0].Output {
		t.Errorf("checkpointed output = %s, want %s", second.Splits[0].Output, first.Splits[0].Output)
	}
}

func TestRunDecodeErrorPolicy(t *testing.T) {
	files := map[string]string{"in/a.csv": "1,x\nbad,y\n3,z\n"}

	t.Run("fail", func(t *testing.T) {
		f := newFixture(t, files)
		r := f.runner(t, csvConfig())
		res, err := r.Run(context.Background())
		if !errors.Is(err, errs.ErrDecode) || !errors.Is(err, errs.ErrMalformedValue) {
			t.Fatalf("Run() error = %v, want decode error", err)
		}
		if res.Failed != 1 || res.Splits[0].Attempts != 1 {
			t.Errorf("Run() = %+v, decode errors must not be retried", res)
		}
		if ok, _ := f.fs.Exists(context.Background(), res.Splits[0].Output); ok {
			t.Error("failed split left an output behind")
		}
		if files, _ := f.fs.List(context.Background(), "out"); len(files) != 0 {
			t.Errorf("out = %+v, want nothing", files)
		}
	})

	t.Run("skip", func(t *testing.T) {
		f := newFixture(t, files)
		f.opts.OnError = OnErrorSkip
		res, err := f.runner(t, csvConfig()).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Records != 2 || res.DecodeErrors != 1 || res.Splits[0].SkippedRecords != 1 {
			t.Errorf("Run() = %+v", res)
		}
	})
}

func TestRunRetriesResourceErrors(t *testing.T) {
	f := newFixture(t, map[string]string{"in/a.csv": "1,x\n"})
	flaky := &flakyFS{FileSystem: f.fs, fails: map[string]int{"in/a.csv": 1}, opens: map[string]int{}}
	f.deps.Input = flaky

	res, err := f.runner(t, csvConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Processed != 1 || res.Splits[0].Attempts != 2 {
		t.Errorf("Run() = %+v, want success on the second attempt", res.Splits)
	}
	if flaky.opens["in/a.csv"] != 2 {
		t.Errorf("opens = %d, want 2", flaky.opens["in/a.csv"])
	}
}

func TestRunFailedSplitDoesNotStopSiblings(t *testing.T) {
	f := newFixture(t, map[string]string{
		"in/a.csv": "1,x\n",
		"in/b.csv": "2,y\n",
		"in/c.csv": "3,z\n",
	})
	f.deps.Input = &flakyFS{FileSystem: f.fs, fails: map[string]int{"in/b.csv": 100}, opens: map[string]int{}}
	cat := &mockCatalog{}
	f.deps.Catalog = cat

	res, err := f.runner(t, csvConfig()).Run(context.Background())
	if !errors.Is(err, errs.ErrResource) {
		t.Fatalf("Run() error = %v, want resource error", err)
	}
	if res.Processed != 2 || res.Failed != 1 {
		t.Errorf("Run() = %+v", res)
	}
	failed := res.Splits[1]
	if failed.Outcome != OutcomeFailed || failed.Attempts != 3 {
		t.Errorf("failed split = %+v", failed)
	}

	if len(cat.runs) != 1 || cat.runs[0].Splits != 3 {
		t.Errorf("catalog runs = %+v", cat.runs)
	}
	if len(cat.splits) != 3 {
		t.Errorf("catalog splits = %d, want 3", len(cat.splits))
	}
	sum, ok := cat.finished[res.RunID]
	if !ok || sum.Failed != 1 || sum.Status() != "failed" {
		t.Errorf("catalog summary = %+v", sum)
	}
}

func TestRunParquetOutput(t *testing.T) {
	f := newFixture(t, map[string]string{"in/a.csv": "1,x\n2,y\n3,z\n"})
	f.opts.OutputFormat = "parquet"
	res, err := f.runner(t, csvConfig()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := res.Splits[0].Output
	if !strings.HasSuffix(out, ".parquet") {
		t.Errorf("output key = %s", out)
	}
	data, err := f.fs.ReadFile(context.Background(), out)
	if err != nil {
		t.Fatal(err)
	}
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if pf.NumRows() != 3 {
		t.Errorf("NumRows() = %d, want 3", pf.NumRows())
	}
}

func TestNewResolvesMacros(t *testing.T) {
	f := newFixture(t, nil)
	prov, err := provider.New(f.reg, format.NewConfig("csv", csvSchema, "${pf}", nil))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := New(f.reg, prov, f.deps, f.opts); !errors.Is(err, errs.ErrUnresolved) {
		t.Errorf("New() without macros = %v, want unresolved", err)
	}

	f.opts.Macros = map[string]string{"pf": "file"}
	r, err := New(f.reg, prov, f.deps, f.opts)
	if err != nil {
		t.Fatal(err)
	}
	if r.Provider().PathField() != "file" {
		t.Errorf("PathField() = %q", r.Provider().PathField())
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	f := newFixture(t, nil)
	prov, _ := provider.New(f.reg, csvConfig())

	opts := f.opts
	opts.OutputFormat = "xml"
	if _, err := New(f.reg, prov, f.deps, opts); !errors.Is(err, errs.ErrUnknownFormat) {
		t.Errorf("New(xml) = %v", err)
	}
	opts = f.opts
	opts.OnError = "ignore"
	if _, err := New(f.reg, prov, f.deps, opts); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("New(ignore) = %v", err)
	}
	if _, err := New(f.reg, prov, Deps{}, f.opts); err == nil {
		t.Error("New() without storage should fail")
	}
}

func TestRunTooManyInputs(t *testing.T) {
	f := newFixture(t, map[string]string{"in/a.csv": "1\n", "in/b.csv": "2\n"})
	f.opts.Bounds.MaxInputPaths = 1
	_, err := f.runner(t, csvConfig()).Run(context.Background())
	if !errors.Is(err, errs.ErrTooManyInputs) {
		t.Errorf("Run() = %v, want too many inputs", err)
	}
}

func TestRunEmitsAuditEventsInSplitOrder(t *testing.T) {
	f := newFixture(t, map[string]string{
		"in/a.csv": "1,x\n",
		"in/b.csv": "2,y\n",
		"in/c.csv": "3,z\n",
	})
	f.opts.Workers = 3
	f.deps.Input = &flakyFS{FileSystem: f.fs, fails: map[string]int{"in/b.csv": 100}, opens: map[string]int{}}
	em := &recordingEmitter{}
	f.deps.Audit = em

	res, _ := f.runner(t, csvConfig()).Run(context.Background())

	if len(em.events) != 2 {
		t.Fatalf("events = %d, want one per published split", len(em.events))
	}
	for i, want := range []int{0, 2} {
		evt := em.events[i]
		if evt.Split.Index != want {
			t.Errorf("event %d is for split %d, want %d", i, evt.Split.Index, want)
		}
		if evt.Output.Checksum != res.Splits[want].Checksum || evt.Producer.RunID != res.RunID {
			t.Errorf("event %d = %+v", i, evt)
		}
		if evt.Split.Fingerprint != res.Fingerprint {
			t.Errorf("event fingerprint = %s, want %s", evt.Split.Fingerprint, res.Fingerprint)
		}
	}
}

func TestRunBlobPassesEmptyInputs(t *testing.T) {
	f := newFixture(t, map[string]string{
		"in/empty.bin": "",
		"in/full.bin":  "data",
	})
	f.opts.OutputFormat = "blob"
	ctx := context.Background()

	res, err := f.runner(t, format.NewConfig("blob", "", "", nil)).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Processed != 2 || res.Failed != 0 {
		t.Fatalf("Run() = %+v", res)
	}
	want := map[string]string{"": "", "data": ""}
	for _, sr := range res.Splits {
		if sr.Rows != 1 {
			t.Errorf("split %s rows = %d, want 1", sr.ID, sr.Rows)
		}
		data, err := f.fs.ReadFile(ctx, sr.Output)
		if err != nil {
			t.Fatalf("output %s: %v", sr.Output, err)
		}
		if _, ok := want[string(data)]; !ok {
			t.Errorf("output %s = %q", sr.Output, data)
		}
		delete(want, string(data))
		if int64(len(data)) != sr.ByteSize {
			t.Errorf("split %s byte size = %d, want %d", sr.ID, sr.ByteSize, len(data))
		}
	}
	if len(want) != 0 {
		t.Errorf("missing outputs %v", want)
	}
}

// discardEncoder reports a text container but writes nothing.
type discardEncoder struct{}

func (discardEncoder) Encode(*schema.Row) ([]byte, error) { return nil, nil }
func (discardEncoder) ContainerFormat() string            { return "text" }
func (discardEncoder) Extension() string                  { return ".txt" }

func (discardEncoder) NewWriter(io.Writer, *schema.Schema) (format.RowWriter, error) {
	return discardWriter{}, nil
}

type discardWriter struct{}

func (discardWriter) Write(*schema.Row) error { return nil }
func (discardWriter) Close() error            { return nil }

func TestRunValidationFailureIsClassified(t *testing.T) {
	f := newFixture(t, map[string]string{"in/a.csv": "1,x\n"})
	discard := &format.Descriptor{
		Name: "discard",
		Behavior: format.Behavior{
			NewEncoder: func(map[string]string) (format.Encoder, error) { return discardEncoder{}, nil },
		},
	}
	reg, err := format.NewRegistry(append(format.Builtin(), discard)...)
	if err != nil {
		t.Fatal(err)
	}
	f.reg = reg
	f.opts.OutputFormat = "discard"

	res, err := f.runner(t, csvConfig()).Run(context.Background())
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("Run() error = %v, want validation error", err)
	}
	sr := res.Splits[0]
	if got := errs.Class(sr.Err); got != "validation" {
		t.Errorf("Class() = %q, want validation", got)
	}
	var ve *errs.ValidationError
	if !errors.As(sr.Err, &ve) || ve.Split != sr.ID || len(ve.Problems) == 0 {
		t.Errorf("split error = %v", sr.Err)
	}
	if sr.Outcome != OutcomeFailed || sr.Attempts != 1 {
		t.Errorf("split = %+v, validation failures must not be retried", sr)
	}
	if ok, _ := f.fs.Exists(context.Background(), sr.Output); ok {
		t.Error("failed validation committed an output")
	}
}
