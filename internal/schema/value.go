package schema

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ParseText converts the textual form of a simple value. An empty string is
// the empty value for string and bytes fields and null for everything else,
// so a missing value written by FormatText reads back as missing.
func ParseText(s *Schema, raw string) (any, error) {
	t := s.NonNullable()
	if raw == "" && (s.IsNullable() || (t.Type != String && t.Type != Bytes)) {
		return nil, nil
	}
	switch t.Type {
	case String:
		return raw, nil
	case Bytes:
		return []byte(raw), nil
	case Boolean:
		return strconv.ParseBool(raw)
	case Int:
		v, err := strconv.ParseInt(raw, 10, 32)
		return int32(v), err
	case Long:
		return strconv.ParseInt(raw, 10, 64)
	case Float:
		v, err := strconv.ParseFloat(raw, 32)
		return float32(v), err
	case Double:
		return strconv.ParseFloat(raw, 64)
	}
	return nil, fmt.Errorf("cannot parse %q as %s", raw, t.Type)
}

// FormatText renders a simple value in the form ParseText accepts.
func FormatText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// Coerce converts a generically decoded value (JSON or Avro) to the Go type
// the schema prescribes.
func Coerce(s *Schema, v any) (any, error) {
	if v == nil {
		if s.IsNullable() || s.Type == Null {
			return nil, nil
		}
		return nil, fmt.Errorf("null value for non-nullable %s", s.Type)
	}
	t := s.NonNullable()
	switch t.Type {
	case Boolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	case Int:
		n, err := toInt(v, 32)
		return int32(n), err
	case Long:
		return toInt(v, 64)
	case Float:
		f, err := toFloat(v, 32)
		return float32(f), err
	case Double:
		return toFloat(v, 64)
	case String, Enum:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		}
	case Bytes, Fixed:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return base64.StdEncoding.DecodeString(x)
		}
	case Array:
		items, ok := v.([]any)
		if !ok {
			break
		}
		out := make([]any, len(items))
		for i, it := range items {
			c, err := Coerce(t.Items, it)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case Map:
		m, ok := v.(map[string]any)
		if !ok {
			break
		}
		out := make(map[string]any, len(m))
		for k, it := range m {
			c, err := Coerce(t.Values, it)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	case Record:
		m, ok := v.(map[string]any)
		if !ok {
			break
		}
		out := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			c, err := Coerce(f.Schema, m[f.Name])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			out[f.Name] = c
		}
		return out, nil
	case Union:
		// Multi-type unions keep whatever the decoder produced.
		return v, nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t.Type)
}

func toInt(v any, bits int) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		n = int64(x)
	case json.Number:
		return strconv.ParseInt(x.String(), 10, bits)
	case string:
		return strconv.ParseInt(x, 10, bits)
	default:
		return 0, fmt.Errorf("cannot use %T as integer", v)
	}
	if bits == 32 && (n < math.MinInt32 || n > math.MaxInt32) {
		return 0, fmt.Errorf("%d overflows int", n)
	}
	return n, nil
}

func toFloat(v any, bits int) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return strconv.ParseFloat(x.String(), bits)
	case string:
		return strconv.ParseFloat(x, bits)
	}
	return 0, fmt.Errorf("cannot use %T as floating point", v)
}
