package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

const eventSchema = `{
  "type": "record",
  "name": "event",
  "fields": [
    {"name": "id", "type": "long"},
    {"name": "name", "type": ["null", "string"]},
    {"name": "tags", "type": {"type": "array", "items": "string"}},
    {"name": "score", "type": "double"}
  ]
}`

func TestParse(t *testing.T) {
	s, err := Parse(eventSchema)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if s.Type != Record || s.Name != "event" {
		t.Fatalf("Parse() = %s %q", s.Type, s.Name)
	}
	if len(s.Fields) != 4 {
		t.Fatalf("len(Fields) = %d, want 4", len(s.Fields))
	}
	name := s.Field("name")
	if name == nil || !name.Schema.IsNullable() || name.Schema.NonNullable().Type != String {
		t.Errorf("name field = %v", name)
	}
	if !s.Field("id").Schema.IsSimple() {
		t.Error("id should be simple")
	}
	if s.Field("tags").Schema.IsSimpleOrNullableSimple() {
		t.Error("tags should not be simple")
	}
	if s.FieldIndex("score") != 3 || s.FieldIndex("missing") != -1 {
		t.Error("FieldIndex mismatch")
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"empty":      "  ",
		"not json":   "{nope",
		"not record": `"string"`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			if !errors.Is(err, errs.ErrMalformedSchema) || !errors.Is(err, errs.ErrConfig) {
				t.Errorf("Parse(%q) error = %v, want malformed schema", text, err)
			}
		})
	}
}

func TestRoundTripJSON(t *testing.T) {
	s, err := Parse(eventSchema)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(s.String())
	if err != nil {
		t.Fatalf("Parse(String()) error = %v", err)
	}
	if !s.Equal(again) {
		t.Errorf("round trip changed schema:\n%s\n%s", s, again)
	}
	if _, err := s.Avro(); err != nil {
		t.Errorf("Avro() error = %v", err)
	}
}

func TestRecordOfRejectsDuplicates(t *testing.T) {
	_, err := RecordOf("r", FieldOf("a", Of(Int)), FieldOf("a", Of(Long)))
	if err == nil {
		t.Fatal("expected duplicate field error")
	}
}

func TestNonNullable(t *testing.T) {
	if got := NullableOf(Of(Bytes)).NonNullable().Type; got != Bytes {
		t.Errorf("NonNullable() = %s, want bytes", got)
	}
	multi := &Schema{Type: Union, Members: []*Schema{Of(Null), Of(Int), Of(String)}}
	if multi.NonNullable() != multi {
		t.Error("multi-member union should be returned unchanged")
	}
	if multi.IsSimpleOrNullableSimple() {
		t.Error("multi-member union is not simple")
	}
}

func TestParseText(t *testing.T) {
	tests := []struct {
		s    *Schema
		raw  string
		want any
	}{
		{Of(Int), "42", int32(42)},
		{Of(Long), "-7", int64(-7)},
		{Of(Float), "1.5", float32(1.5)},
		{Of(Double), "2.25", 2.25},
		{Of(Boolean), "true", true},
		{Of(String), "", ""},
		{NullableOf(Of(Int)), "", nil},
		{Of(Int), "", nil},
		{Of(Boolean), "", nil},
		{Of(Double), "", nil},
		{NullableOf(Of(String)), "x", "x"},
	}
	for _, tt := range tests {
		got, err := ParseText(tt.s, tt.raw)
		if err != nil {
			t.Errorf("ParseText(%s, %q) error = %v", tt.s.Type, tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseText(%s, %q) = %#v, want %#v", tt.s.Type, tt.raw, got, tt.want)
		}
	}

	b, err := ParseText(Of(Bytes), "raw")
	if err != nil || !bytes.Equal(b.([]byte), []byte("raw")) {
		t.Errorf("ParseText(bytes) = %v, %v", b, err)
	}
	if _, err := ParseText(Of(Int), "abc"); err == nil {
		t.Error("expected error for non-numeric int")
	}
	if _, err := ParseText(Of(Int), "3000000000"); err == nil {
		t.Error("expected overflow error for int")
	}
}

func TestFormatTextInvertsParseText(t *testing.T) {
	values := []struct {
		s *Schema
		v any
	}{
		{Of(Int), int32(-3)},
		{Of(Long), int64(1 << 40)},
		{Of(Float), float32(0.1)},
		{Of(Double), 0.1},
		{Of(Boolean), false},
		{Of(String), "hello"},
		{Of(Int), nil},
		{Of(Long), nil},
	}
	for _, tt := range values {
		got, err := ParseText(tt.s, FormatText(tt.v))
		if err != nil || got != tt.v {
			t.Errorf("ParseText(FormatText(%#v)) = %#v, %v", tt.v, got, err)
		}
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		s    *Schema
		in   any
		want any
	}{
		{Of(Int), json.Number("12"), int32(12)},
		{Of(Int), 12, int32(12)},
		{Of(Long), float64(9), int64(9)},
		{Of(Float), json.Number("0.5"), float32(0.5)},
		{Of(Double), float32(0.5), 0.5},
		{Of(String), "s", "s"},
		{NullableOf(Of(Long)), nil, nil},
		{Of(Boolean), true, true},
	}
	for _, tt := range tests {
		got, err := Coerce(tt.s, tt.in)
		if err != nil || got != tt.want {
			t.Errorf("Coerce(%s, %#v) = %#v, %v; want %#v", tt.s.Type, tt.in, got, err, tt.want)
		}
	}

	if _, err := Coerce(Of(Long), nil); err == nil {
		t.Error("nil for non-nullable long should fail")
	}
	if _, err := Coerce(Of(Int), 1.5); err == nil {
		t.Error("fractional int should fail")
	}
	if _, err := Coerce(Of(String), 3); err == nil {
		t.Error("int for string should fail")
	}

	b, err := Coerce(Of(Bytes), "aGk=")
	if err != nil || string(b.([]byte)) != "hi" {
		t.Errorf("Coerce(bytes, base64) = %v, %v", b, err)
	}

	arr, err := Coerce(ArrayOf(Of(Int)), []any{json.Number("1"), json.Number("2")})
	if err != nil {
		t.Fatalf("Coerce(array) error = %v", err)
	}
	if got := arr.([]any); got[0] != int32(1) || got[1] != int32(2) {
		t.Errorf("Coerce(array) = %#v", got)
	}
}

func TestRow(t *testing.T) {
	s := MustRecordOf("blob", FieldOf("body", Of(Bytes)), FieldOf("path", Of(String)))
	r := NewRow(s)
	if err := r.Set("path", "/a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Set("nope", 1); err == nil {
		t.Error("Set on unknown field should fail")
	}
	if r.Get("path") != "/a" || r.At(1) != "/a" || r.Get("body") != nil {
		t.Errorf("row values = %v", r.Map())
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d", r.Len())
	}
}
