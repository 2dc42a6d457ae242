// Package errs defines the error taxonomy shared by validation, planning and
// decoding. Every typed error matches both its class sentinel and its code
// sentinel via errors.Is.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class sentinels.
var (
	ErrConfig     = errors.New("config error")
	ErrSchema     = errors.New("schema error")
	ErrDecode     = errors.New("decode error")
	ErrResource   = errors.New("resource error")
	ErrValidation = errors.New("validation error")
)

// Code sentinels.
var (
	ErrInvalidBound         = errors.New("invalid bound")
	ErrTooManyInputs        = errors.New("too many input paths")
	ErrUnknownFormat        = errors.New("unknown format")
	ErrDuplicateFormat      = errors.New("duplicate format")
	ErrMalformedConfig      = errors.New("malformed configuration")
	ErrMalformedSchema      = errors.New("malformed schema")
	ErrInvalidProperty      = errors.New("invalid property")
	ErrUnresolved           = errors.New("unresolved macro")
	ErrSchemaRequired       = errors.New("schema required")
	ErrUnsupportedType      = errors.New("unsupported type")
	ErrMissingField         = errors.New("missing field")
	ErrWrongType            = errors.New("wrong type")
	ErrUnexpectedFieldCount = errors.New("unexpected field count")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMalformedValue       = errors.New("malformed value")
	ErrClosed               = errors.New("closed")
)

// ConfigError reports an invalid configuration detected before execution.
type ConfigError struct {
	Code error
	Msg  string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() []error { return compact(ErrConfig, e.Code, e.Err) }

// Config builds a ConfigError with a formatted message.
func Config(code error, format string, args ...any) *ConfigError {
	return &ConfigError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// SchemaError reports a schema that violates a format contract.
type SchemaError struct {
	Code     error
	Field    string
	Expected string
	Actual   string
	// ExpectedCount and FoundCount are set for ErrUnexpectedFieldCount.
	ExpectedCount int
	FoundCount    int
	Msg           string
}

func (e *SchemaError) Error() string { return e.Msg }

func (e *SchemaError) Unwrap() []error { return compact(ErrSchema, e.Code) }

// Extra returns how many fields the schema carries beyond the expected count.
func (e *SchemaError) Extra() int {
	if e.FoundCount > e.ExpectedCount {
		return e.FoundCount - e.ExpectedCount
	}
	return 0
}

// SchemaRequired reports a format that cannot run without a declared schema.
func SchemaRequired(format string) *SchemaError {
	return &SchemaError{
		Code: ErrSchemaRequired,
		Msg:  fmt.Sprintf("%s format cannot be used without specifying a schema.", upper(format)),
	}
}

// UnsupportedType reports a field whose type the format cannot carry.
func UnsupportedType(format, field, actual string) *SchemaError {
	return &SchemaError{
		Code:   ErrUnsupportedType,
		Field:  field,
		Actual: actual,
		Msg: fmt.Sprintf("field '%s' is of unsupported type '%s'; the '%s' format only supports simple types",
			field, actual, format),
	}
}

// MissingField reports a required field that is absent.
func MissingField(format, field string) *SchemaError {
	return &SchemaError{
		Code:  ErrMissingField,
		Field: field,
		Msg:   fmt.Sprintf("the schema for the '%s' format must have a field named '%s'", format, field),
	}
}

// WrongType reports a field whose type differs from the one required.
func WrongType(field, expected, actual string) *SchemaError {
	return &SchemaError{
		Code:     ErrWrongType,
		Field:    field,
		Expected: expected,
		Actual:   actual,
		Msg:      fmt.Sprintf("the '%s' field must be of type '%s', but found '%s'", field, expected, actual),
	}
}

// UnexpectedFieldCount reports a schema with more fields than allowed.
func UnexpectedFieldCount(expected, found int, msg string) *SchemaError {
	return &SchemaError{
		Code:          ErrUnexpectedFieldCount,
		ExpectedCount: expected,
		FoundCount:    found,
		Msg:           msg,
	}
}

// DecodeError reports a single record that could not be decoded. The
// cursor that produced it stays usable.
type DecodeError struct {
	Code   error
	Path   string
	Record int64 // 1-based record (line) number within the chunk
	Offset int64 // approximate byte offset of the record within the file
	Msg    string
	Err    error
}

func (e *DecodeError) Error() string {
	s := fmt.Sprintf("%s (path=%s record=%d offset=%d)", e.Msg, e.Path, e.Record, e.Offset)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DecodeError) Unwrap() []error { return compact(ErrDecode, e.Code, e.Err) }

// ResourceError reports an unreadable or unwritable stream. It is terminal for
// the split that hit it.
type ResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() []error { return compact(ErrResource, e.Err) }

// Resource wraps err as a ResourceError unless it already is one or it is nil.
func Resource(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var re *ResourceError
	if errors.As(err, &re) {
		return err
	}
	return &ResourceError{Op: op, Path: path, Err: err}
}

// ValidationError reports a split output that failed its pre-commit checks.
// The output is discarded.
type ValidationError struct {
	Split    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("split %s: output validation failed: %s", e.Split, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Class returns a short label for err, used for logs and metric labels.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancel"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrSchema):
		return "schema"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrResource):
		return "resource"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failed split may succeed when attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrResource) && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func compact(errs ...error) []error {
	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
