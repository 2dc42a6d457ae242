package format

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
)

// JSON returns the format of one JSON object per line.
func JSON() *Descriptor {
	return &Descriptor{
		Name:        "json",
		Description: "One JSON object per line.",
		Splittable:  true,
		Properties:  []string{PropCharset},
		Behavior: Behavior{
			Validate: validateCharset,
			NewDecoder: func(s Settings, r io.Reader, src Source) (Decoder, error) {
				cs, _ := s.Property(PropCharset)
				r, err := decodeCharset(r, cs)
				if err != nil {
					return nil, err
				}
				lr, err := newLineReader(r, src.Chunk)
				if err != nil {
					return nil, errs.Resource("read", src.Path, err)
				}
				return &jsonDecoder{lines: lr, schema: s.Schema, fields: s.dataFields(), path: src.Path}, nil
			},
			NewEncoder: func(map[string]string) (Encoder, error) { return jsonEncoder{}, nil },
			Splittable: utf8Input,
		},
	}
}

type jsonDecoder struct {
	lines  *lineReader
	schema *schema.Schema
	fields []int
	path   string
	record int64
}

// Next decodes the next non-blank line. Keys the schema does not name are
// ignored; absent keys are null.
func (d *jsonDecoder) Next() (*schema.Row, error) {
	for {
		line, start, err := d.lines.next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errs.Resource("read", d.path, err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		d.record++

		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, d.malformed(start, "line is not a JSON object", err)
		}
		row := schema.NewRow(d.schema)
		for _, pos := range d.fields {
			f := d.schema.Fields[pos]
			v, err := schema.Coerce(f.Schema, obj[f.Name])
			if err != nil {
				return nil, d.malformed(start, fmt.Sprintf("field '%s'", f.Name), err)
			}
			row.SetAt(pos, v)
		}
		return row, nil
	}
}

func (d *jsonDecoder) malformed(offset int64, msg string, err error) error {
	return &errs.DecodeError{
		Code:   errs.ErrMalformedValue,
		Path:   d.path,
		Record: d.record,
		Offset: offset,
		Msg:    msg,
		Err:    err,
	}
}

type jsonEncoder struct{}

// Encode renders the row as a JSON object with keys in schema order.
func (jsonEncoder) Encode(row *schema.Row) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range row.Schema().Fields {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(row.At(i))
		if err != nil {
			return nil, fmt.Errorf("field '%s': %w", f.Name, err)
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (jsonEncoder) ContainerFormat() string { return "text" }

func (jsonEncoder) Extension() string { return ".json" }

func (e jsonEncoder) NewWriter(w io.Writer, _ *schema.Schema) (RowWriter, error) {
	return &lineWriter{w: bufio.NewWriter(w), encode: e.Encode}, nil
}
