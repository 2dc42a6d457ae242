// Package schema holds the record schema model used by every format: a
// record of named, typed fields whose types follow the Avro type system.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
)

// Type names a schema type.
type Type string

const (
	Null    Type = "null"
	Boolean Type = "boolean"
	Int     Type = "int"
	Long    Type = "long"
	Float   Type = "float"
	Double  Type = "double"
	Bytes   Type = "bytes"
	String  Type = "string"
	Record  Type = "record"
	Array   Type = "array"
	Map     Type = "map"
	Enum    Type = "enum"
	Fixed   Type = "fixed"
	Union   Type = "union"
)

// Schema is an immutable type description. Build it with the constructors
// in this package or with Parse.
type Schema struct {
	Type    Type
	Name    string    // record, enum, fixed
	Fields  []*Field  // record
	Items   *Schema   // array
	Values  *Schema   // map
	Members []*Schema // union
	Symbols []string  // enum
	Size    int       // fixed

	index map[string]int

	avroOnce sync.Once
	avro     avro.Schema
	avroErr  error
}

// Field is a named member of a record schema.
type Field struct {
	Name   string
	Schema *Schema
}

// Of returns a schema of a primitive type.
func Of(t Type) *Schema { return &Schema{Type: t} }

// NullableOf returns the union [null, s].
func NullableOf(s *Schema) *Schema {
	return &Schema{Type: Union, Members: []*Schema{Of(Null), s}}
}

// ArrayOf returns an array schema.
func ArrayOf(items *Schema) *Schema { return &Schema{Type: Array, Items: items} }

// MapOf returns a map schema with string keys.
func MapOf(values *Schema) *Schema { return &Schema{Type: Map, Values: values} }

// FieldOf returns a field.
func FieldOf(name string, s *Schema) *Field { return &Field{Name: name, Schema: s} }

// RecordOf returns a record schema. Field names must be non-empty and unique.
func RecordOf(name string, fields ...*Field) (*Schema, error) {
	s := &Schema{Type: Record, Name: name, Fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		if f == nil || f.Name == "" {
			return nil, fmt.Errorf("record %q: field %d has no name", name, i)
		}
		if f.Schema == nil {
			return nil, fmt.Errorf("record %q: field %q has no type", name, f.Name)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("record %q: duplicate field %q", name, f.Name)
		}
		s.index[f.Name] = i
	}
	return s, nil
}

// MustRecordOf is RecordOf for statically known schemas.
func MustRecordOf(name string, fields ...*Field) *Schema {
	s, err := RecordOf(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the named field, or nil.
func (s *Schema) Field(name string) *Field {
	if i := s.FieldIndex(name); i >= 0 {
		return s.Fields[i]
	}
	return nil
}

// FieldIndex returns the position of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	if s.Type != Record {
		return -1
	}
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// IsNullable reports whether s is a union containing null.
func (s *Schema) IsNullable() bool {
	if s.Type != Union {
		return false
	}
	for _, m := range s.Members {
		if m.Type == Null {
			return true
		}
	}
	return false
}

// NonNullable returns the single non-null member of a nullable union, or s
// itself for anything else.
func (s *Schema) NonNullable() *Schema {
	if s.Type != Union {
		return s
	}
	var only *Schema
	for _, m := range s.Members {
		if m.Type == Null {
			continue
		}
		if only != nil {
			return s
		}
		only = m
	}
	if only == nil {
		return s
	}
	return only
}

// IsSimple reports whether s is a primitive type other than null.
func (s *Schema) IsSimple() bool {
	switch s.Type {
	case Boolean, Int, Long, Float, Double, Bytes, String:
		return true
	}
	return false
}

// IsSimpleOrNullableSimple reports whether s is simple, or a nullable union
// over a single simple type.
func (s *Schema) IsSimpleOrNullableSimple() bool {
	return s.NonNullable().IsSimple()
}

// DisplayName is the type name used in messages.
func (s *Schema) DisplayName() string { return string(s.Type) }

func (s *Schema) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return string(s.Type)
	}
	return string(b)
}

// Equal reports structural equality.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.String() == o.String()
}

// MarshalJSON renders s as an Avro schema document.
func (s *Schema) MarshalJSON() ([]byte, error) {
	switch s.Type {
	case Record:
		fields := make([]map[string]any, len(s.Fields))
		for i, f := range s.Fields {
			fields[i] = map[string]any{"name": f.Name, "type": f.Schema}
		}
		return json.Marshal(map[string]any{"type": "record", "name": s.Name, "fields": fields})
	case Array:
		return json.Marshal(map[string]any{"type": "array", "items": s.Items})
	case Map:
		return json.Marshal(map[string]any{"type": "map", "values": s.Values})
	case Enum:
		return json.Marshal(map[string]any{"type": "enum", "name": s.Name, "symbols": s.Symbols})
	case Fixed:
		return json.Marshal(map[string]any{"type": "fixed", "name": s.Name, "size": s.Size})
	case Union:
		return json.Marshal(s.Members)
	default:
		return json.Marshal(string(s.Type))
	}
}

// Avro returns the schema compiled for the Avro codec. The result is cached.
func (s *Schema) Avro() (avro.Schema, error) {
	s.avroOnce.Do(func() {
		b, err := json.Marshal(s)
		if err != nil {
			s.avroErr = err
			return
		}
		s.avro, s.avroErr = avro.ParseWithCache(string(b), "", &avro.SchemaCache{})
	})
	return s.avro, s.avroErr
}
