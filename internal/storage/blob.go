package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
)

// BlobFS implements FileSystem and Sink over a gocloud bucket.
type BlobFS struct {
	bucket    *blob.Bucket
	base      string
	locations []string
}

// NewBlobFS wraps bucket. base prefixes keys in Abs (e.g. "gs://bucket").
func NewBlobFS(bucket *blob.Bucket, base string, locations []string) *BlobFS {
	return &BlobFS{bucket: bucket, base: strings.TrimSuffix(base, "/"), locations: locations}
}

// List returns the non-hidden files under root. A root naming a single
// object lists just that object.
func (b *BlobFS) List(ctx context.Context, root string) ([]split.File, error) {
	root = cleanKey(root)
	if root != "" {
		attrs, err := b.bucket.Attributes(ctx, root)
		if err == nil {
			return []split.File{{Path: root, Size: attrs.Size, Locations: b.locations}}, nil
		}
		if gcerrors.Code(err) != gcerrors.NotFound {
			return nil, errs.Resource("list", root, err)
		}
		root += "/"
	}

	var files []split.File
	iter := b.bucket.List(&blob.ListOptions{Prefix: root})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Resource("list", root, err)
		}
		if obj.IsDir || hidden(strings.TrimPrefix(obj.Key, root)) {
			continue
		}
		files = append(files, split.File{Path: obj.Key, Size: obj.Size, Locations: b.locations})
	}
	split.SortFiles(files)
	return files, nil
}

// Open returns a range reader over path.
func (b *BlobFS) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	r, err := b.bucket.NewRangeReader(ctx, cleanKey(key), offset, length, nil)
	if err != nil {
		return nil, errs.Resource("open", key, err)
	}
	return r, nil
}

// Create opens a plain writer on key.
func (b *BlobFS) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	w, err := b.bucket.NewWriter(ctx, cleanKey(key), nil)
	if err != nil {
		return nil, errs.Resource("create", key, err)
	}
	return w, nil
}

// Abs returns base/key.
func (b *BlobFS) Abs(key string) string {
	return b.base + "/" + cleanKey(key)
}

// Exists reports whether key is present.
func (b *BlobFS) Exists(ctx context.Context, key string) (bool, error) {
	return b.bucket.Exists(ctx, cleanKey(key))
}

// WriteFile writes data under key in one shot.
func (b *BlobFS) WriteFile(ctx context.Context, key string, data []byte) error {
	key = cleanKey(key)
	w, err := b.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// ReadFile returns the whole object under key.
func (b *BlobFS) ReadFile(ctx context.Context, key string) ([]byte, error) {
	return b.bucket.ReadAll(ctx, cleanKey(key))
}

// WriteManifest publishes m under key through a temp key.
func (b *BlobFS) WriteManifest(ctx context.Context, key string, m *Manifest) error {
	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	p, err := b.CreateAtomic(ctx, key)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		p.Abort(ctx)
		return err
	}
	return p.Commit(ctx)
}

// CreateAtomic opens a writer on a temp key next to key.
func (b *BlobFS) CreateAtomic(ctx context.Context, key string) (*PendingObject, error) {
	key = cleanKey(key)
	tempKey := key + ".tmp." + uuid.New().String()
	w, err := b.bucket.NewWriter(ctx, tempKey, nil)
	if err != nil {
		return nil, errs.Resource("create", tempKey, err)
	}
	return &PendingObject{fs: b, key: key, tempKey: tempKey, w: w}, nil
}

// Close releases the bucket.
func (b *BlobFS) Close() error {
	if b.bucket != nil {
		return b.bucket.Close()
	}
	return nil
}

// PendingObject is an object being written under a temp key. Commit
// publishes it under its final key; Abort discards it.
type PendingObject struct {
	fs      *BlobFS
	key     string
	tempKey string
	w       *blob.Writer
	written int64
	closed  bool
}

func (p *PendingObject) Key() string { return p.key }

// Size returns the bytes written so far.
func (p *PendingObject) Size() int64 { return p.written }

func (p *PendingObject) Write(data []byte) (int, error) {
	n, err := p.w.Write(data)
	p.written += int64(n)
	if err != nil {
		return n, errs.Resource("write", p.tempKey, err)
	}
	return n, nil
}

// Commit closes the temp object and moves it to the final key with
// copy + delete.
func (p *PendingObject) Commit(ctx context.Context) error {
	if err := p.close(); err != nil {
		p.fs.bucket.Delete(ctx, p.tempKey)
		return errs.Resource("close", p.tempKey, err)
	}
	if err := p.fs.copyObject(ctx, p.tempKey, p.key); err != nil {
		p.fs.bucket.Delete(ctx, p.key)
		p.fs.bucket.Delete(ctx, p.tempKey)
		return errs.Resource("finalize", p.key, err)
	}
	p.fs.bucket.Delete(ctx, p.tempKey) // ignore errors
	return nil
}

// Abort discards the temp object.
func (p *PendingObject) Abort(ctx context.Context) error {
	p.close()
	if err := p.fs.bucket.Delete(ctx, p.tempKey); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

func (p *PendingObject) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.w.Close()
}

// copyObject copies an object within the bucket.
func (b *BlobFS) copyObject(ctx context.Context, srcKey, dstKey string) error {
	r, err := b.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	w, err := b.bucket.NewWriter(ctx, dstKey, nil)
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}
	return w.Close()
}

func cleanKey(key string) string {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	return key
}

// hidden matches what listing skips below the root: "_SUCCESS", ".crc",
// temp objects, and anything inside a "_" or "." directory.
func hidden(rel string) bool {
	for _, name := range strings.Split(rel, "/") {
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || strings.Contains(name, ".tmp.") {
			return true
		}
	}
	return false
}

var (
	_ FileSystem = (*BlobFS)(nil)
	_ Sink       = (*BlobFS)(nil)
)
