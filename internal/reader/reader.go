// Package reader turns a split into a pull-based stream of rows, each
// tagged with the path of the file it came from.
package reader

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/format"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/logging"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/provider"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

// Stats counts what a cursor has read.
type Stats struct {
	Records      int64
	DecodeErrors int64
	Bytes        int64
	Chunks       int
}

// Cursor reads the chunks of one split in order. It opens a chunk's stream
// only when it reaches the chunk and releases it at the chunk's end, on
// Close and on any error. A Cursor is not safe for concurrent use.
type Cursor struct {
	fs    storage.FileSystem
	prov  *provider.Provider
	split split.Split
	log   *slog.Logger

	next   int
	cur    *chunkStream
	err    error
	closed bool
	stats  Stats
}

type chunkStream struct {
	rc   io.Closer
	dec  format.Decoder
	path string
}

// Open returns a cursor over sp. No file is opened yet.
func Open(ctx context.Context, fs storage.FileSystem, prov *provider.Provider, sp split.Split) (*Cursor, error) {
	if !prov.Ready() {
		_, err := prov.Schema()
		return nil, err
	}
	return &Cursor{
		fs:    fs,
		prov:  prov,
		split: sp,
		log:   logging.Component("reader").With("split_id", sp.ID),
	}, nil
}

// Next returns the next row, io.EOF when the split is exhausted, or an error.
// A *errs.DecodeError concerns one record only; calling Next again continues
// with the following record. Any other error is terminal and is returned by
// every later call.
func (c *Cursor) Next(ctx context.Context) (*schema.Row, error) {
	if c.closed {
		return nil, errs.Resource("next", c.split.ID, errs.ErrClosed)
	}
	if c.err != nil {
		return nil, c.err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(err)
		}
		if c.cur == nil {
			if c.next >= len(c.split.Chunks) {
				return nil, io.EOF
			}
			chunk := c.split.Chunks[c.next]
			c.next++
			if err := c.open(ctx, chunk); err != nil {
				if errors.Is(err, errs.ErrDecode) {
					c.stats.DecodeErrors++
					return nil, err
				}
				return nil, c.fail(err)
			}
		}

		row, err := c.cur.dec.Next()
		switch {
		case err == nil:
			if pf := c.prov.PathField(); pf != "" {
				if err := row.Set(pf, c.cur.path); err != nil {
					return nil, c.fail(err)
				}
			}
			c.stats.Records++
			return row, nil
		case err == io.EOF:
			c.release()
		case errors.Is(err, errs.ErrDecode):
			c.stats.DecodeErrors++
			return nil, err
		default:
			return nil, c.fail(errs.Resource("read", c.cur.path, err))
		}
	}
}

// Stats returns the counters so far.
func (c *Cursor) Stats() Stats { return c.stats }

// Close releases the open stream, if any. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.release()
}

func (c *Cursor) open(ctx context.Context, chunk split.Chunk) error {
	abs := c.fs.Abs(chunk.Path)
	// Line readers finish the record that straddles the chunk end, so read
	// through to the end of the file.
	rc, err := c.fs.Open(ctx, chunk.Path, chunk.Offset, -1)
	if err != nil {
		return errs.Resource("open", abs, err)
	}
	counted := &countingReader{r: rc, n: &c.stats.Bytes}
	var stream io.ReadCloser = struct {
		io.Reader
		io.Closer
	}{counted, rc}
	if storage.IsCompressed(chunk.Path) {
		if !chunk.Whole() {
			rc.Close()
			return errs.Resource("open", abs, errors.New("compressed files cannot be read by range"))
		}
		stream, err = storage.Decompress(chunk.Path, stream)
		if err != nil {
			rc.Close()
			return errs.Resource("decompress", abs, err)
		}
	}

	dec, err := c.prov.NewDecoder(stream, format.Source{Path: abs, Chunk: chunk})
	if err != nil {
		stream.Close()
		return err
	}
	c.cur = &chunkStream{rc: stream, dec: dec, path: abs}
	c.stats.Chunks++
	c.log.Debug("opened chunk", "path", abs, "offset", chunk.Offset, "length", chunk.Length)
	return nil
}

func (c *Cursor) release() error {
	if c.cur == nil {
		return nil
	}
	err := c.cur.rc.Close()
	c.cur = nil
	return err
}

func (c *Cursor) fail(err error) error {
	c.release()
	c.err = err
	return err
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	*cr.n += int64(n)
	return n, err
}
