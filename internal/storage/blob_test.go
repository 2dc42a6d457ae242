package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
)

func newMemFS(t *testing.T, files map[string]string) *BlobFS {
	t.Helper()
	fs := NewBlobFS(memblob.OpenBucket(nil), "mem://", []string{"node-1"})
	t.Cleanup(func() { fs.Close() })
	ctx := context.Background()
	for k, v := range files {
		if err := fs.WriteFile(ctx, k, []byte(v)); err != nil {
			t.Fatalf("WriteFile(%s): %v", k, err)
		}
	}
	return fs
}

func TestListSortedAndHidesMarkers(t *testing.T) {
	fs := newMemFS(t, map[string]string{
		"in/b.csv":      "bb",
		"in/a.csv":      "a",
		"in/_SUCCESS":   "",
		"in/.a.csv.crc": "x",
		"in/sub/c.csv":  "ccc",
		"in/_tmp/x.csv": "x",
		"other/d.csv":   "d",
		"input2/e.csv":  "e",
	})

	files, err := fs.List(context.Background(), "in")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []split.File{
		{Path: "in/a.csv", Size: 1, Locations: []string{"node-1"}},
		{Path: "in/b.csv", Size: 2, Locations: []string{"node-1"}},
		{Path: "in/sub/c.csv", Size: 3, Locations: []string{"node-1"}},
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("List() = %+v, want %+v", files, want)
	}
}

func TestListSingleFile(t *testing.T) {
	fs := newMemFS(t, map[string]string{"in/a.csv": "abc"})
	files, err := fs.List(context.Background(), "/in/a.csv")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "in/a.csv" || files[0].Size != 3 {
		t.Errorf("List(file) = %+v", files)
	}
}

func TestOpenRange(t *testing.T) {
	fs := newMemFS(t, map[string]string{"f": "0123456789"})
	ctx := context.Background()

	r, err := fs.Open(ctx, "f", 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != "3456" {
		t.Errorf("Open(3,4) = %q", got)
	}

	r, err = fs.Open(ctx, "f", 7, -1)
	if err != nil {
		t.Fatal(err)
	}
	got, _ = io.ReadAll(r)
	r.Close()
	if string(got) != "789" {
		t.Errorf("Open(7,-1) = %q", got)
	}

	if _, err := fs.Open(ctx, "missing", 0, -1); err == nil {
		t.Error("Open(missing) should fail")
	}
}

func TestAbs(t *testing.T) {
	fs := NewBlobFS(memblob.OpenBucket(nil), "gs://bucket/", nil)
	if got := fs.Abs("/in/a.csv"); got != "gs://bucket/in/a.csv" {
		t.Errorf("Abs() = %q", got)
	}
}

func TestCreateAtomicCommit(t *testing.T) {
	fs := newMemFS(t, nil)
	ctx := context.Background()

	p, err := fs.CreateAtomic(ctx, "out/part-00000.csv")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write([]byte("a,b\n")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := fs.Exists(ctx, "out/part-00000.csv"); ok {
		t.Error("object visible before commit")
	}
	if err := p.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	data, err := fs.ReadFile(ctx, "out/part-00000.csv")
	if err != nil || string(data) != "a,b\n" {
		t.Errorf("ReadFile() = %q, %v", data, err)
	}
	if p.Size() != 4 {
		t.Errorf("Size() = %d", p.Size())
	}
	files, _ := fs.List(ctx, "out")
	if len(files) != 1 {
		t.Errorf("temp object left behind: %+v", files)
	}
}

func TestCreateAtomicAbort(t *testing.T) {
	fs := newMemFS(t, nil)
	ctx := context.Background()

	p, err := fs.CreateAtomic(ctx, "out/x")
	if err != nil {
		t.Fatal(err)
	}
	p.Write([]byte("partial"))
	if err := p.Abort(ctx); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if ok, _ := fs.Exists(ctx, "out/x"); ok {
		t.Error("aborted object published")
	}
	if ok, _ := fs.Exists(ctx, p.tempKey); ok {
		t.Error("temp object left behind")
	}
}

func TestWriteManifest(t *testing.T) {
	fs := newMemFS(t, nil)
	ctx := context.Background()
	m := &Manifest{
		Split:     SplitInfo{Index: 2, ID: "abc", Bytes: 10},
		Output:    OutputInfo{File: "part-00002-abc.csv", Format: "csv", RowCount: 3},
		Producer:  ProducerInfo{Name: "bronze-ingest", Version: "test"},
		CreatedAt: time.Unix(0, 0).UTC(),
	}
	if err := fs.WriteManifest(ctx, "out/_manifests/part-00002-abc.json", m); err != nil {
		t.Fatal(err)
	}
	data, err := fs.ReadFile(ctx, "out/_manifests/part-00002-abc.json")
	if err != nil {
		t.Fatal(err)
	}
	var got Manifest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("manifest is not JSON: %v", err)
	}
	if got.Split.ID != "abc" || got.Output.RowCount != 3 {
		t.Errorf("manifest = %+v", got)
	}
}

func TestOpenLocalBackend(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	fs, err := Open(context.Background(), StorageConfig{Backend: "local", LocalDir: dir, Locations: []string{"h"}})
	if err != nil {
		t.Fatalf("Open(local) error = %v", err)
	}
	defer fs.Close()

	files, err := fs.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "a.txt" {
		t.Fatalf("List() = %+v", files)
	}
	if got, want := fs.Abs("a.txt"), "file://"+filepath.ToSlash(dir)+"/a.txt"; got != want {
		t.Errorf("Abs() = %q, want %q", got, want)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), StorageConfig{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(context.Background(), StorageConfig{Backend: "gcs"}); err == nil {
		t.Error("expected error for gcs without bucket")
	}
}

func TestDecompress(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("gzip body"))
	zw.Close()

	enc, _ := zstd.NewWriter(nil)
	zst := enc.EncodeAll([]byte("zstd body"), nil)
	enc.Close()

	tests := []struct {
		path string
		data []byte
		want string
	}{
		{"a.csv.gz", gz.Bytes(), "gzip body"},
		{"a.csv.zst", zst, "zstd body"},
		{"a.csv", []byte("plain"), "plain"},
	}
	for _, tt := range tests {
		rc, err := Decompress(tt.path, io.NopCloser(bytes.NewReader(tt.data)))
		if err != nil {
			t.Fatalf("Decompress(%s) error = %v", tt.path, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || string(got) != tt.want {
			t.Errorf("Decompress(%s) = %q, %v", tt.path, got, err)
		}
	}
	if !IsCompressed("x.GZ") || IsCompressed("x.json") {
		t.Error("IsCompressed mismatch")
	}
}
