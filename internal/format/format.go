// Package format describes the supported file formats: how each validates a
// schema, derives a default one, decodes file content into rows and encodes
// rows back into bytes.
package format

import (
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/macro"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
)

// Property names understood by the built-in formats.
const (
	PropDelimiter  = "delimiter"
	PropSkipHeader = "skipHeader"
	PropCharset    = "charset"
	PropCodec      = "codec"
)

// Config is a format configuration as the user wrote it. Schema and path
// field may still reference macros.
type Config struct {
	Format     string
	Schema     macro.Value[string]
	PathField  macro.Value[string]
	Properties map[string]string
}

// NewConfig classifies raw values, deferring any that reference macros.
func NewConfig(format, schemaText, pathField string, props map[string]string) Config {
	return Config{
		Format:     format,
		Schema:     macro.String(schemaText),
		PathField:  macro.String(pathField),
		Properties: props,
	}
}

// Resolved reports whether no value of the configuration references a macro.
func (c Config) Resolved() bool {
	if !c.Schema.IsResolved() || !c.PathField.IsResolved() {
		return false
	}
	for _, v := range c.Properties {
		if macro.Contains(v) {
			return false
		}
	}
	return true
}

// Settings is a resolved configuration with its effective schema.
type Settings struct {
	Schema     *schema.Schema
	PathField  string
	Properties map[string]string
}

// Property returns a property value.
func (s Settings) Property(name string) (string, bool) {
	v, ok := s.Properties[name]
	return v, ok
}

// Bool returns a boolean property, def when absent.
func (s Settings) Bool(name string, def bool) (bool, error) {
	v, ok := s.Properties[name]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.Config(errs.ErrInvalidProperty, "property '%s' must be true or false, got '%s'", name, v)
	}
	return b, nil
}

// dataFields returns the positions of schema fields other than the path field.
func (s Settings) dataFields() []int {
	out := make([]int, 0, len(s.Schema.Fields))
	for i, f := range s.Schema.Fields {
		if f.Name != s.PathField {
			out = append(out, i)
		}
	}
	return out
}

// Source identifies what a decoder reads.
type Source struct {
	Path  string // fully qualified path, reported in errors
	Chunk split.Chunk
}

// Decoder produces rows from one chunk. Next returns io.EOF at the end of the
// chunk and a *errs.DecodeError for a record that could not be decoded,
// after which it may be called again. The path field is left unset.
type Decoder interface {
	Next() (*schema.Row, error)
}

// Encoder turns rows into output bytes.
type Encoder interface {
	// Encode renders a single row.
	Encode(row *schema.Row) ([]byte, error)
	// ContainerFormat names the framing NewWriter produces.
	ContainerFormat() string
	// Extension is the file extension of NewWriter output, with the dot.
	Extension() string
	// NewWriter starts a container of rows of schema s on w.
	NewWriter(w io.Writer, s *schema.Schema) (RowWriter, error)
}

// RowWriter writes rows into a container. Close flushes framing but does not
// close the underlying writer.
type RowWriter interface {
	Write(row *schema.Row) error
	Close() error
}

// Behavior is the set of capabilities a format provides. Nil members mean
// the capability is absent.
type Behavior struct {
	Validate      func(s Settings) error
	DefaultSchema func(pathField string) (*schema.Schema, error)
	NewDecoder    func(s Settings, r io.Reader, src Source) (Decoder, error)
	NewEncoder    func(props map[string]string) (Encoder, error)
	// Splittable refines Descriptor.Splittable for a configuration.
	Splittable func(s Settings) bool
}

// Descriptor is the immutable description of one format.
type Descriptor struct {
	Name        string
	Description string
	// SchemaOptional formats derive a default schema when none is declared.
	SchemaOptional bool
	// Splittable formats can be read from byte ranges.
	Splittable bool
	// Properties lists the property names the format accepts.
	Properties []string
	Behavior   Behavior
}

// Readable reports whether the format can decode input.
func (d *Descriptor) Readable() bool { return d.Behavior.NewDecoder != nil }

// Writable reports whether the format can encode output.
func (d *Descriptor) Writable() bool { return d.Behavior.NewEncoder != nil }

// DefaultSchema derives the schema used when none is declared.
func (d *Descriptor) DefaultSchema(pathField string) (*schema.Schema, error) {
	if d.Behavior.DefaultSchema == nil {
		return nil, errs.SchemaRequired(d.Name)
	}
	return d.Behavior.DefaultSchema(pathField)
}

// EffectiveSchema returns declared, or the default schema when the format
// allows one.
func (d *Descriptor) EffectiveSchema(declared *schema.Schema, pathField string) (*schema.Schema, error) {
	if declared != nil {
		return declared, nil
	}
	if !d.SchemaOptional {
		return nil, errs.SchemaRequired(d.Name)
	}
	return d.DefaultSchema(pathField)
}

// Validate checks resolved settings against the format's contract.
func (d *Descriptor) Validate(s Settings) error {
	if err := d.checkProperties(s.Properties); err != nil {
		return err
	}
	if s.Schema == nil {
		return errs.SchemaRequired(d.Name)
	}
	if d.Behavior.Validate != nil {
		if err := d.Behavior.Validate(s); err != nil {
			return err
		}
	}
	return validatePathField(s)
}

// IsSplittable reports whether inputs may be cut into byte ranges under s.
func (d *Descriptor) IsSplittable(s Settings) bool {
	if !d.Splittable {
		return false
	}
	if d.Behavior.Splittable != nil {
		return d.Behavior.Splittable(s)
	}
	return true
}

// NewDecoder returns a decoder over r for one chunk.
func (d *Descriptor) NewDecoder(s Settings, r io.Reader, src Source) (Decoder, error) {
	if d.Behavior.NewDecoder == nil {
		return nil, errs.Config(errs.ErrUnknownFormat, "format '%s' cannot be read", d.Name)
	}
	return d.Behavior.NewDecoder(s, r, src)
}

// NewEncoder returns an output encoder configured by props.
func (d *Descriptor) NewEncoder(props map[string]string) (Encoder, error) {
	if d.Behavior.NewEncoder == nil {
		return nil, errs.Config(errs.ErrUnknownFormat, "format '%s' cannot be written", d.Name)
	}
	if err := d.checkProperties(props); err != nil {
		return nil, err
	}
	return d.Behavior.NewEncoder(props)
}

func (d *Descriptor) checkProperties(props map[string]string) error {
	var unknown []string
	for k := range props {
		known := false
		for _, p := range d.Properties {
			if k == p {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errs.Config(errs.ErrInvalidProperty, "format '%s' does not accept propert%s %s",
			d.Name, plural(len(unknown), "y", "ies"), strings.Join(unknown, ", "))
	}
	return nil
}

// validatePathField requires a configured path field to be a string.
func validatePathField(s Settings) error {
	if s.PathField == "" {
		return nil
	}
	f := s.Schema.Field(s.PathField)
	if f == nil {
		return &errs.SchemaError{
			Code:  errs.ErrMissingField,
			Field: s.PathField,
			Msg:   "path field '" + s.PathField + "' must exist in the schema",
		}
	}
	if t := f.Schema.NonNullable(); t.Type != schema.String {
		return errs.WrongType(s.PathField, "string", t.DisplayName())
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
