package format

import (
	"fmt"
	"io"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
)

// Avro returns the Avro object container format. Records are matched to the
// declared schema by field name, so the file's writer schema may differ.
func Avro() *Descriptor {
	return &Descriptor{
		Name:        "avro",
		Description: "Avro object container files.",
		Properties:  []string{PropCodec},
		Behavior: Behavior{
			NewDecoder: newAvroDecoder,
			NewEncoder: func(props map[string]string) (Encoder, error) {
				codec := ocf.CodecName(props[PropCodec])
				switch codec {
				case "":
					codec = ocf.Null
				case ocf.Null, ocf.Deflate, ocf.Snappy, ocf.ZStandard:
				default:
					return nil, errs.Config(errs.ErrInvalidProperty, "unknown avro codec '%s'", codec)
				}
				return avroEncoder{codec: codec}, nil
			},
		},
	}
}

type avroDecoder struct {
	dec    *ocf.Decoder
	schema *schema.Schema
	fields []int
	path   string
	record int64
	done   bool
}

func newAvroDecoder(s Settings, r io.Reader, src Source) (Decoder, error) {
	dec, err := ocf.NewDecoder(r)
	if err != nil {
		return nil, &errs.DecodeError{
			Code: errs.ErrMalformedValue,
			Path: src.Path,
			Msg:  "not an avro container file",
			Err:  err,
		}
	}
	return &avroDecoder{dec: dec, schema: s.Schema, fields: s.dataFields(), path: src.Path}, nil
}

func (d *avroDecoder) Next() (*schema.Row, error) {
	if d.done {
		return nil, io.EOF
	}
	if !d.dec.HasNext() {
		d.done = true
		if err := d.dec.Error(); err != nil {
			return nil, d.malformed("corrupt avro block", err)
		}
		return nil, io.EOF
	}
	d.record++

	var datum map[string]any
	if err := d.dec.Decode(&datum); err != nil {
		return nil, d.malformed("undecodable avro record", err)
	}
	row := schema.NewRow(d.schema)
	for _, pos := range d.fields {
		f := d.schema.Fields[pos]
		v, err := schema.Coerce(f.Schema, unwrapUnion(f.Schema, datum[f.Name]))
		if err != nil {
			return nil, d.malformed(fmt.Sprintf("field '%s'", f.Name), err)
		}
		row.SetAt(pos, v)
	}
	return row, nil
}

func (d *avroDecoder) malformed(msg string, err error) error {
	return &errs.DecodeError{Code: errs.ErrMalformedValue, Path: d.path, Record: d.record, Msg: msg, Err: err}
}

// unwrapUnion strips the {"type": value} wrapper a generic union decode may
// produce.
func unwrapUnion(s *schema.Schema, v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 || s.Type != schema.Union {
		return v
	}
	for _, member := range s.Members {
		if member.Type == schema.Map {
			continue
		}
		name := string(member.Type)
		if member.Name != "" {
			name = member.Name
		}
		if inner, ok := m[name]; ok {
			return inner
		}
	}
	return v
}

type avroEncoder struct {
	codec ocf.CodecName
}

// Encode returns the binary encoding of one datum.
func (e avroEncoder) Encode(row *schema.Row) ([]byte, error) {
	as, err := row.Schema().Avro()
	if err != nil {
		return nil, fmt.Errorf("compile avro schema: %w", err)
	}
	return avro.Marshal(as, row.Map())
}

func (avroEncoder) ContainerFormat() string { return "avro" }

func (avroEncoder) Extension() string { return ".avro" }

func (e avroEncoder) NewWriter(w io.Writer, s *schema.Schema) (RowWriter, error) {
	enc, err := ocf.NewEncoder(s.String(), w, ocf.WithCodec(e.codec))
	if err != nil {
		return nil, fmt.Errorf("create avro container: %w", err)
	}
	return &avroWriter{enc: enc}, nil
}

type avroWriter struct {
	enc *ocf.Encoder
}

func (aw *avroWriter) Write(row *schema.Row) error { return aw.enc.Encode(row.Map()) }

func (aw *avroWriter) Close() error { return aw.enc.Close() }
