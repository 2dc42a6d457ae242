package format

import (
	"fmt"
	"io"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
)

const bodyField = "body"

// Blob returns the format that reads each file whole into a 'body' field.
func Blob() *Descriptor {
	return &Descriptor{
		Name:           "blob",
		Description:    "Whole-file binary content as a single record.",
		SchemaOptional: true,
		Behavior: Behavior{
			Validate:      validateBlob,
			DefaultSchema: blobSchema,
			NewDecoder:    newBlobDecoder,
			NewEncoder: func(map[string]string) (Encoder, error) {
				return blobEncoder{}, nil
			},
		},
	}
}

func blobSchema(pathField string) (*schema.Schema, error) {
	fields := []*schema.Field{schema.FieldOf(bodyField, schema.Of(schema.Bytes))}
	if pathField != "" {
		fields = append(fields, schema.FieldOf(pathField, schema.Of(schema.String)))
	}
	return schema.RecordOf("blob", fields...)
}

func validateBlob(s Settings) error {
	body := s.Schema.Field(bodyField)
	if body == nil {
		return &errs.SchemaError{
			Code:  errs.ErrMissingField,
			Field: bodyField,
			Msg:   "The schema for the 'blob' format must have a field named 'body'",
		}
	}
	if t := body.Schema.NonNullable(); t.Type != schema.Bytes {
		return &errs.SchemaError{
			Code:     errs.ErrWrongType,
			Field:    bodyField,
			Expected: string(schema.Bytes),
			Actual:   t.DisplayName(),
			Msg:      fmt.Sprintf("The 'body' field must be of type 'bytes', but found '%s'", t.DisplayName()),
		}
	}

	expected := 1
	if s.PathField != "" {
		expected = 2
	}
	found := len(s.Schema.Fields)
	if other := found - expected; other > 0 {
		suffix := plural(other, "", "s")
		msg := fmt.Sprintf("The schema for the 'blob' format must only contain the 'body' field, but found %d other field%s.",
			other, suffix)
		if s.PathField != "" {
			msg = fmt.Sprintf("The schema for the 'blob' format must only contain the 'body' field and the '%s' field, but found %d other field%s.",
				s.PathField, other, suffix)
		}
		return errs.UnexpectedFieldCount(expected, found, msg)
	}
	return nil
}

type blobDecoder struct {
	r      io.Reader
	schema *schema.Schema
	src    Source
	done   bool
}

func newBlobDecoder(s Settings, r io.Reader, src Source) (Decoder, error) {
	return &blobDecoder{r: r, schema: s.Schema, src: src}, nil
}

// Next returns the whole chunk as one row, then io.EOF.
func (d *blobDecoder) Next() (*schema.Row, error) {
	if d.done {
		return nil, io.EOF
	}
	d.done = true
	body, err := io.ReadAll(d.r)
	if err != nil {
		return nil, errs.Resource("read", d.src.Path, err)
	}
	row := schema.NewRow(d.schema)
	if err := row.Set(bodyField, body); err != nil {
		return nil, err
	}
	return row, nil
}

type blobEncoder struct{}

func (blobEncoder) Encode(row *schema.Row) ([]byte, error) {
	switch v := row.Get(bodyField).(type) {
	case []byte:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("blob output needs a bytes 'body' field, got %T", v)
	}
}

func (blobEncoder) ContainerFormat() string { return "blob" }

func (blobEncoder) Extension() string { return ".bin" }

func (e blobEncoder) NewWriter(w io.Writer, _ *schema.Schema) (RowWriter, error) {
	return &blobWriter{w: w, enc: e}, nil
}

// blobWriter concatenates bodies.
type blobWriter struct {
	w   io.Writer
	enc blobEncoder
}

func (bw *blobWriter) Write(row *schema.Row) error {
	b, err := bw.enc.Encode(row)
	if err != nil {
		return err
	}
	_, err = bw.w.Write(b)
	return err
}

func (bw *blobWriter) Close() error { return nil }
