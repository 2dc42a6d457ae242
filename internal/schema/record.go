package schema

import "fmt"

// Row is a decoded record: values positioned by the fields of its schema.
// Values use Go types per schema type: bool, int32, int64, float32,
// float64, string, []byte, nil for null. Nested types hold []any and
// map[string]any.
type Row struct {
	schema *Schema
	values []any
}

// NewRow returns an empty row of a record schema.
func NewRow(s *Schema) *Row {
	return &Row{schema: s, values: make([]any, len(s.Fields))}
}

func (r *Row) Schema() *Schema { return r.schema }

// Set stores v under the named field.
func (r *Row) Set(name string, v any) error {
	i := r.schema.FieldIndex(name)
	if i < 0 {
		return fmt.Errorf("record %q has no field %q", r.schema.Name, name)
	}
	r.values[i] = v
	return nil
}

// SetAt stores v at field position i.
func (r *Row) SetAt(i int, v any) { r.values[i] = v }

// Get returns the named field's value, nil when absent.
func (r *Row) Get(name string) any {
	if i := r.schema.FieldIndex(name); i >= 0 {
		return r.values[i]
	}
	return nil
}

// At returns the value at field position i.
func (r *Row) At(i int) any { return r.values[i] }

// Len returns the number of fields.
func (r *Row) Len() int { return len(r.values) }

// Map returns the row as a field-name map.
func (r *Row) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, f := range r.schema.Fields {
		m[f.Name] = r.values[i]
	}
	return m
}
