package format

import (
	"bytes"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
)

// Parquet returns the output-only Parquet format. Only flat schemas of
// simple or nullable simple fields can be written.
func Parquet() *Descriptor {
	return &Descriptor{
		Name:        "parquet",
		Description: "Apache Parquet files (output only).",
		Properties:  []string{PropCodec},
		Behavior: Behavior{
			NewEncoder: func(props map[string]string) (Encoder, error) {
				var codec parquet.WriterOption
				switch props[PropCodec] {
				case "", "snappy":
					codec = parquet.Compression(&parquet.Snappy)
				case "zstd":
					codec = parquet.Compression(&parquet.Zstd)
				case "gzip":
					codec = parquet.Compression(&parquet.Gzip)
				case "none":
					codec = parquet.Compression(&parquet.Uncompressed)
				default:
					return nil, errs.Config(errs.ErrInvalidProperty, "unknown parquet codec '%s'", props[PropCodec])
				}
				return parquetEncoder{codec: codec}, nil
			},
		},
	}
}

type parquetEncoder struct {
	codec parquet.WriterOption
}

// Encode returns a complete single-row Parquet file.
func (e parquetEncoder) Encode(row *schema.Row) ([]byte, error) {
	var buf bytes.Buffer
	w, err := e.NewWriter(&buf, row.Schema())
	if err != nil {
		return nil, err
	}
	if err := w.Write(row); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (parquetEncoder) ContainerFormat() string { return "parquet" }

func (parquetEncoder) Extension() string { return ".parquet" }

func (e parquetEncoder) NewWriter(w io.Writer, s *schema.Schema) (RowWriter, error) {
	group := parquet.Group{}
	for _, f := range s.Fields {
		node, err := parquetLeaf(f)
		if err != nil {
			return nil, err
		}
		group[f.Name] = node
	}
	ps := parquet.NewSchema(s.Name, group)

	// Group orders columns by name; map them back to row positions.
	cols := make([]column, 0, len(s.Fields))
	for i, pf := range ps.Fields() {
		pos := s.FieldIndex(pf.Name())
		cols = append(cols, column{index: i, pos: pos, optional: s.Fields[pos].Schema.IsNullable()})
	}
	return &parquetWriter{w: parquet.NewWriter(w, ps, e.codec), cols: cols}, nil
}

func parquetLeaf(f *schema.Field) (parquet.Node, error) {
	var node parquet.Node
	switch t := f.Schema.NonNullable(); t.Type {
	case schema.Boolean:
		node = parquet.Leaf(parquet.BooleanType)
	case schema.Int:
		node = parquet.Leaf(parquet.Int32Type)
	case schema.Long:
		node = parquet.Leaf(parquet.Int64Type)
	case schema.Float:
		node = parquet.Leaf(parquet.FloatType)
	case schema.Double:
		node = parquet.Leaf(parquet.DoubleType)
	case schema.String:
		node = parquet.String()
	case schema.Bytes:
		node = parquet.Leaf(parquet.ByteArrayType)
	default:
		return nil, errs.UnsupportedType("parquet", f.Name, t.DisplayName())
	}
	if f.Schema.IsNullable() {
		node = parquet.Optional(node)
	}
	return node, nil
}

type column struct {
	index    int
	pos      int
	optional bool
}

type parquetWriter struct {
	w    *parquet.Writer
	cols []column
}

func (pw *parquetWriter) Write(row *schema.Row) error {
	values := make(parquet.Row, len(pw.cols))
	for _, c := range pw.cols {
		v := row.At(c.pos)
		switch {
		case v == nil && c.optional:
			values[c.index] = parquet.NullValue().Level(0, 0, c.index)
		case v == nil:
			return fmt.Errorf("column %d: null value for required field", c.index)
		case c.optional:
			values[c.index] = parquet.ValueOf(v).Level(0, 1, c.index)
		default:
			values[c.index] = parquet.ValueOf(v).Level(0, 0, c.index)
		}
	}
	_, err := pw.w.WriteRows([]parquet.Row{values})
	return err
}

func (pw *parquetWriter) Close() error { return pw.w.Close() }
