package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
)

// FileSystem is what readers and planners need from storage.
type FileSystem interface {
	// List returns the files under root, sorted by path.
	List(ctx context.Context, root string) ([]split.File, error)

	// Open returns a stream over [offset, offset+length) of path. A negative
	// length reads to the end of the file.
	Open(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Create opens path for writing. The object appears when the writer is closed.
	Create(ctx context.Context, path string) (io.WriteCloser, error)

	// Abs returns the fully qualified form of path, used as the value of the
	// path field.
	Abs(path string) string
}

// Sink is where split outputs are published.
type Sink interface {
	// CreateAtomic starts an object that only becomes visible under key on Commit.
	CreateAtomic(ctx context.Context, key string) (*PendingObject, error)

	// WriteManifest publishes a manifest under key.
	WriteManifest(ctx context.Context, key string, m *Manifest) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// Manifest describes one published split output.
type Manifest struct {
	Split     SplitInfo    `json:"split"`
	Output    OutputInfo   `json:"output"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// SplitInfo identifies the split an output came from.
type SplitInfo struct {
	Index  int           `json:"index"`
	ID     string        `json:"id"`
	Bytes  int64         `json:"bytes"`
	Chunks []split.Chunk `json:"chunks"`
}

// OutputInfo describes the published object.
type OutputInfo struct {
	File           string `json:"file"`
	Format         string `json:"format"`
	Checksum       string `json:"checksum"`
	RowCount       int64  `json:"row_count"`
	SkippedRecords int64  `json:"skipped_records"`
	ByteSize       int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the output.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// StorageConfig configures a storage backend.
type StorageConfig struct {
	Backend string // "local" | "mem" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS and S3
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string
	S3Region   string

	// Locations are reported for every listed file. For the local backend
	// they default to the host name.
	Locations []string
}

// Open creates the blob-backed filesystem a configuration names.
func Open(ctx context.Context, cfg StorageConfig) (*BlobFS, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		dir, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", cfg.LocalDir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create base directory %s: %w", dir, err)
		}
		bucket, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, fmt.Errorf("open local dir %s: %w", dir, err)
		}
		locs := cfg.Locations
		if len(locs) == 0 {
			if host, err := os.Hostname(); err == nil {
				locs = []string{host}
			}
		}
		return NewBlobFS(bucket, localBase(dir), locs), nil
	case "mem":
		return NewBlobFS(memblob.OpenBucket(nil), "mem://", cfg.Locations), nil
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		uri := fmt.Sprintf("gs://%s", cfg.Bucket)
		bucket, err := blob.OpenBucket(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("open GCS bucket %s: %w", cfg.Bucket, err)
		}
		return NewBlobFS(bucket, uri, cfg.Locations), nil
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		uri := fmt.Sprintf("s3://%s", cfg.Bucket)
		params := url.Values{}
		if cfg.S3Region != "" {
			params.Set("region", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			params.Set("endpoint", cfg.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		bucketURL := uri
		if len(params) > 0 {
			bucketURL += "?" + params.Encode()
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("open S3 bucket %s: %w", cfg.Bucket, err)
		}
		return NewBlobFS(bucket, uri, cfg.Locations), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func localBase(dir string) string {
	return "file://" + filepath.ToSlash(dir)
}
