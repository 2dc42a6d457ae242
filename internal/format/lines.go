package format

import (
	"bufio"
	"io"
	"math"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
)

// lineReader reads the lines of one chunk. A chunk that does not start at
// offset 0 skips its first (partial) line, and a chunk reads every line that
// starts at or before its end, so adjacent chunks see each line exactly once.
type lineReader struct {
	br    *bufio.Reader
	pos   int64
	end   int64
	first bool
}

func newLineReader(r io.Reader, chunk split.Chunk) (*lineReader, error) {
	lr := &lineReader{br: bufio.NewReaderSize(r, 64*1024), pos: chunk.Offset, end: chunk.Offset + chunk.Length}
	if chunk.Whole() {
		lr.end = math.MaxInt64
	}
	if chunk.Offset > 0 {
		if _, _, err := lr.next(); err != nil && err != io.EOF {
			return nil, err
		}
		return lr, nil
	}
	lr.first = true
	return lr, nil
}

// next returns the next line without its terminator and the offset it starts at.
func (lr *lineReader) next() (string, int64, error) {
	if lr.pos > lr.end {
		return "", lr.pos, io.EOF
	}
	start := lr.pos
	s, err := lr.br.ReadString('\n')
	if len(s) == 0 && err == io.EOF {
		return "", start, io.EOF
	}
	lr.pos += int64(len(s))
	if err != nil && err != io.EOF {
		return "", start, err
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	if lr.first {
		lr.first = false
		s = strings.TrimPrefix(s, "\ufeff")
	}
	return s, start, nil
}

// decodeCharset wraps r so it yields UTF-8 when charset names another encoding.
func decodeCharset(r io.Reader, charset string) (io.Reader, error) {
	if isUTF8(charset) {
		return r, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, errs.Config(errs.ErrInvalidProperty, "unknown charset '%s'", charset)
	}
	return transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())), nil
}

func isUTF8(charset string) bool {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

func validateCharset(s Settings) error {
	cs, _ := s.Property(PropCharset)
	if isUTF8(cs) {
		return nil
	}
	if _, err := htmlindex.Get(cs); err != nil {
		return errs.Config(errs.ErrInvalidProperty, "unknown charset '%s'", cs)
	}
	return nil
}

// utf8Input keeps byte-range reads for inputs whose offsets are meaningful.
func utf8Input(s Settings) bool {
	cs, _ := s.Property(PropCharset)
	return isUTF8(cs)
}
