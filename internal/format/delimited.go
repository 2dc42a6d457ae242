package format

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
)

// CSV returns the comma-delimited format.
func CSV() *Descriptor { return delimitedFormat("csv", "Comma-separated values.", ",") }

// TSV returns the tab-delimited format.
func TSV() *Descriptor { return delimitedFormat("tsv", "Tab-separated values.", "\t") }

// Delimited returns the format whose delimiter is set by the 'delimiter'
// property.
func Delimited() *Descriptor {
	return delimitedFormat("delimited", "Text lines split on a configured delimiter.", "")
}

func delimitedFormat(name, desc, fixed string) *Descriptor {
	props := []string{PropSkipHeader, PropCharset}
	if fixed == "" {
		props = append(props, PropDelimiter)
	}
	delimiter := func(s map[string]string) string {
		if fixed != "" {
			return fixed
		}
		return s[PropDelimiter]
	}
	return &Descriptor{
		Name:        name,
		Description: desc,
		Splittable:  true,
		Properties:  props,
		Behavior: Behavior{
			Validate: func(s Settings) error {
				if fixed == "" {
					if err := validateDelimiter(s.Properties[PropDelimiter]); err != nil {
						return err
					}
				}
				if _, err := s.Bool(PropSkipHeader, false); err != nil {
					return err
				}
				if err := validateCharset(s); err != nil {
					return err
				}
				for _, i := range s.dataFields() {
					f := s.Schema.Fields[i]
					if !f.Schema.IsSimpleOrNullableSimple() {
						return &errs.SchemaError{
							Code:   errs.ErrUnsupportedType,
							Field:  f.Name,
							Actual: f.Schema.NonNullable().DisplayName(),
							Msg: fmt.Sprintf("Field '%s' is of unsupported type '%s'. Supported types are: boolean, bytes, double, float, int, long and string.",
								f.Name, f.Schema.NonNullable().DisplayName()),
						}
					}
				}
				return nil
			},
			NewDecoder: func(s Settings, r io.Reader, src Source) (Decoder, error) {
				return newDelimitedDecoder(s, r, src, delimiter(s.Properties))
			},
			NewEncoder: func(props map[string]string) (Encoder, error) {
				d := delimiter(props)
				if err := validateDelimiter(d); err != nil {
					return nil, err
				}
				return &delimitedEncoder{name: name, delimiter: d}, nil
			},
			Splittable: utf8Input,
		},
	}
}

func validateDelimiter(d string) error {
	if d == "" {
		return errs.Config(errs.ErrInvalidProperty, "property '%s' is required for the 'delimited' format", PropDelimiter)
	}
	if utf8.RuneCountInString(d) != 1 || d == "\n" || d == "\r" {
		return errs.Config(errs.ErrInvalidProperty, "property '%s' must be a single character other than a line break, got %q", PropDelimiter, d)
	}
	return nil
}

type delimitedDecoder struct {
	lines      *lineReader
	schema     *schema.Schema
	fields     []int
	delimiter  string
	skipHeader bool
	path       string
	record     int64
}

func newDelimitedDecoder(s Settings, r io.Reader, src Source, delimiter string) (*delimitedDecoder, error) {
	cs, _ := s.Property(PropCharset)
	r, err := decodeCharset(r, cs)
	if err != nil {
		return nil, err
	}
	lr, err := newLineReader(r, src.Chunk)
	if err != nil {
		return nil, errs.Resource("read", src.Path, err)
	}
	skip, err := s.Bool(PropSkipHeader, false)
	if err != nil {
		return nil, err
	}
	return &delimitedDecoder{
		lines:      lr,
		schema:     s.Schema,
		fields:     s.dataFields(),
		delimiter:  delimiter,
		skipHeader: skip,
		path:       src.Path,
	}, nil
}

// Next splits the next non-empty line on the delimiter. Missing trailing
// values are null; surplus values are a decode error.
func (d *delimitedDecoder) Next() (*schema.Row, error) {
	for {
		line, start, err := d.lines.next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errs.Resource("read", d.path, err)
		}
		if d.skipHeader && start == 0 {
			continue
		}
		if line == "" {
			continue
		}
		d.record++

		parts := strings.Split(line, d.delimiter)
		if len(parts) > len(d.fields) {
			return nil, &errs.DecodeError{
				Code:   errs.ErrTooManyFields,
				Path:   d.path,
				Record: d.record,
				Offset: start,
				Msg:    fmt.Sprintf("found %d values but the schema has %d fields", len(parts), len(d.fields)),
			}
		}
		row := schema.NewRow(d.schema)
		for i, pos := range d.fields {
			if i >= len(parts) {
				break
			}
			f := d.schema.Fields[pos]
			v, err := schema.ParseText(f.Schema, parts[i])
			if err != nil {
				return nil, &errs.DecodeError{
					Code:   errs.ErrMalformedValue,
					Path:   d.path,
					Record: d.record,
					Offset: start,
					Msg:    fmt.Sprintf("field '%s'", f.Name),
					Err:    err,
				}
			}
			row.SetAt(pos, v)
		}
		return row, nil
	}
}

type delimitedEncoder struct {
	name      string
	delimiter string
}

func (e *delimitedEncoder) Encode(row *schema.Row) ([]byte, error) {
	var b strings.Builder
	for i := 0; i < row.Len(); i++ {
		if i > 0 {
			b.WriteString(e.delimiter)
		}
		b.WriteString(schema.FormatText(row.At(i)))
	}
	return []byte(b.String()), nil
}

func (e *delimitedEncoder) ContainerFormat() string { return "text" }

func (e *delimitedEncoder) Extension() string {
	switch e.name {
	case "csv":
		return ".csv"
	case "tsv":
		return ".tsv"
	}
	return ".txt"
}

func (e *delimitedEncoder) NewWriter(w io.Writer, _ *schema.Schema) (RowWriter, error) {
	return &lineWriter{w: bufio.NewWriter(w), encode: e.Encode}, nil
}

// lineWriter writes one encoded row per line.
type lineWriter struct {
	w      *bufio.Writer
	encode func(*schema.Row) ([]byte, error)
}

func (lw *lineWriter) Write(row *schema.Row) error {
	b, err := lw.encode(row)
	if err != nil {
		return err
	}
	if _, err := lw.w.Write(b); err != nil {
		return err
	}
	return lw.w.WriteByte('\n')
}

func (lw *lineWriter) Close() error { return lw.w.Flush() }
