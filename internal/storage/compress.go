package storage

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression returns the codec a path's extension implies: "zstd", "gzip"
// or "".
func Compression(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".zstd"):
		return "zstd"
	case strings.HasSuffix(lower, ".gz"):
		return "gzip"
	default:
		return ""
	}
}

// IsCompressed reports whether path names a compressed file.
func IsCompressed(path string) bool { return Compression(path) != "" }

// Decompress wraps rc with the decoder path's extension implies. Closing the
// result closes rc.
func Decompress(path string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch Compression(path) {
	case "zstd":
		dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return &stacked{Reader: dec, close: func() error { dec.Close(); return rc.Close() }}, nil
	case "gzip":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		return &stacked{Reader: zr, close: func() error { zr.Close(); return rc.Close() }}, nil
	default:
		return rc, nil
	}
}

type stacked struct {
	io.Reader
	close func() error
}

func (s *stacked) Close() error { return s.close() }
