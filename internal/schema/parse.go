package schema

import (
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

// Parse reads an Avro JSON schema document. The top level must be a record.
func Parse(text string) (*Schema, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Config(errs.ErrMalformedSchema, "schema is empty")
	}
	as, err := avro.ParseWithCache(text, "", &avro.SchemaCache{})
	if err != nil {
		return nil, &errs.ConfigError{Code: errs.ErrMalformedSchema, Msg: "invalid schema", Err: err}
	}
	s, err := fromAvro(as, map[string]bool{})
	if err != nil {
		return nil, &errs.ConfigError{Code: errs.ErrMalformedSchema, Msg: "invalid schema", Err: err}
	}
	if s.Type != Record {
		return nil, errs.Config(errs.ErrMalformedSchema, "schema must be a record, got '%s'", s.Type)
	}
	return s, nil
}

func fromAvro(as avro.Schema, visiting map[string]bool) (*Schema, error) {
	switch t := as.(type) {
	case *avro.RefSchema:
		return fromAvro(t.Schema(), visiting)
	case *avro.RecordSchema:
		if visiting[t.FullName()] {
			return nil, fmt.Errorf("recursive record %q is not supported", t.FullName())
		}
		visiting[t.FullName()] = true
		defer delete(visiting, t.FullName())
		fields := make([]*Field, 0, len(t.Fields()))
		for _, f := range t.Fields() {
			fs, err := fromAvro(f.Type(), visiting)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name(), err)
			}
			fields = append(fields, FieldOf(f.Name(), fs))
		}
		return RecordOf(t.Name(), fields...)
	case *avro.ArraySchema:
		items, err := fromAvro(t.Items(), visiting)
		if err != nil {
			return nil, err
		}
		return ArrayOf(items), nil
	case *avro.MapSchema:
		values, err := fromAvro(t.Values(), visiting)
		if err != nil {
			return nil, err
		}
		return MapOf(values), nil
	case *avro.UnionSchema:
		u := &Schema{Type: Union}
		for _, m := range t.Types() {
			ms, err := fromAvro(m, visiting)
			if err != nil {
				return nil, err
			}
			u.Members = append(u.Members, ms)
		}
		return u, nil
	case *avro.EnumSchema:
		return &Schema{Type: Enum, Name: t.Name(), Symbols: append([]string(nil), t.Symbols()...)}, nil
	case *avro.FixedSchema:
		return &Schema{Type: Fixed, Name: t.Name(), Size: t.Size()}, nil
	case *avro.PrimitiveSchema:
		switch t.Type() {
		case avro.Null:
			return Of(Null), nil
		case avro.Boolean:
			return Of(Boolean), nil
		case avro.Int:
			return Of(Int), nil
		case avro.Long:
			return Of(Long), nil
		case avro.Float:
			return Of(Float), nil
		case avro.Double:
			return Of(Double), nil
		case avro.Bytes:
			return Of(Bytes), nil
		case avro.String:
			return Of(String), nil
		}
	}
	return nil, fmt.Errorf("unsupported avro type %q", as.Type())
}
