package format

import (
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

// Registry maps format names to descriptors. It is built once and read-only
// afterwards, so it may be shared between goroutines.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// NewRegistry registers descs. A repeated name is an error.
func NewRegistry(descs ...*Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Descriptor, len(descs))}
	for _, d := range descs {
		if d == nil || d.Name == "" {
			return nil, errs.Config(errs.ErrInvalidProperty, "format descriptor without a name")
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, errs.Config(errs.ErrDuplicateFormat, "format '%s' registered twice", d.Name)
		}
		r.byName[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	return r, nil
}

// Builtin returns the descriptors of every built-in format.
func Builtin() []*Descriptor {
	return []*Descriptor{
		Blob(),
		CSV(),
		TSV(),
		Delimited(),
		JSON(),
		Avro(),
		Parquet(),
	}
}

// NewDefaultRegistry registers the built-in formats.
func NewDefaultRegistry() (*Registry, error) {
	return NewRegistry(Builtin()...)
}

// Get returns the named descriptor.
func (r *Registry) Get(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, errs.Config(errs.ErrUnknownFormat, "unknown format '%s'", name)
	}
	return d, nil
}

// OutputEncoder returns an encoder for the named format.
func (r *Registry) OutputEncoder(name string, props map[string]string) (Encoder, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return d.NewEncoder(props)
}

// Names lists registered formats in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
