// Package provider binds a format descriptor to a validated configuration.
// Configurations that still reference macros are accepted but stay
// unusable until Resolve supplies the values.
package provider

import (
	"io"
	"log/slog"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/format"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/logging"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/macro"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/schema"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

// Provider is a format plus its configuration.
type Provider struct {
	desc     *format.Descriptor
	cfg      format.Config
	settings format.Settings
	ready    bool
	log      *slog.Logger
}

// New looks up cfg.Format in reg and validates cfg. An unknown format fails
// even when other values are deferred.
func New(reg *format.Registry, cfg format.Config) (*Provider, error) {
	desc, err := reg.Get(cfg.Format)
	if err != nil {
		return nil, err
	}
	if !desc.Readable() {
		return nil, errs.Config(errs.ErrUnknownFormat, "format '%s' is output only", cfg.Format)
	}
	p := &Provider{desc: desc, cfg: cfg, log: logging.Component("provider").With("format", cfg.Format)}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the configuration. With macros still unresolved it only
// records that validation was deferred.
func (p *Provider) Validate() error {
	if !p.cfg.Resolved() {
		p.log.Debug("deferring validation until macros are resolved")
		p.ready = false
		return nil
	}

	text, _ := p.cfg.Schema.Get()
	pathField, _ := p.cfg.PathField.Get()

	var declared *schema.Schema
	if text != "" {
		s, err := schema.Parse(text)
		if err != nil {
			return err
		}
		declared = s
	}
	effective, err := p.desc.EffectiveSchema(declared, pathField)
	if err != nil {
		return err
	}
	settings := format.Settings{Schema: effective, PathField: pathField, Properties: p.cfg.Properties}
	if err := p.desc.Validate(settings); err != nil {
		return err
	}
	p.settings = settings
	p.ready = true
	return nil
}

// Resolve returns a provider with every macro substituted from values, validated.
func (p *Provider) Resolve(values map[string]string) (*Provider, error) {
	cfg := p.cfg
	var err error
	if cfg.Schema, err = macro.Resolve(cfg.Schema, values); err != nil {
		return nil, err
	}
	if cfg.PathField, err = macro.Resolve(cfg.PathField, values); err != nil {
		return nil, err
	}
	if len(cfg.Properties) > 0 {
		props := make(map[string]string, len(cfg.Properties))
		for k, v := range cfg.Properties {
			if props[k], err = macro.Evaluate(v, values); err != nil {
				return nil, err
			}
		}
		cfg.Properties = props
	}
	r := &Provider{desc: p.desc, cfg: cfg, log: p.log}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Ready reports whether the provider is validated and usable.
func (p *Provider) Ready() bool { return p.ready }

func (p *Provider) Descriptor() *format.Descriptor { return p.desc }

// Format returns the format name.
func (p *Provider) Format() string { return p.desc.Name }

func (p *Provider) unresolved(what string) error {
	return errs.Config(errs.ErrUnresolved, "cannot %s for format '%s' before macros are resolved", what, p.desc.Name)
}

// Schema returns the effective schema: the declared one or the format default.
func (p *Provider) Schema() (*schema.Schema, error) {
	if !p.ready {
		return nil, p.unresolved("determine the schema")
	}
	return p.settings.Schema, nil
}

// Settings returns the resolved settings.
func (p *Provider) Settings() (format.Settings, error) {
	if !p.ready {
		return format.Settings{}, p.unresolved("read settings")
	}
	return p.settings, nil
}

// PathField returns the configured path field, empty when unset.
func (p *Provider) PathField() string { return p.settings.PathField }

// Bounds completes b with whether this configuration may read byte ranges.
func (p *Provider) Bounds(b split.Bounds) split.Bounds {
	b.Splittable = p.ready && p.desc.IsSplittable(p.settings)
	return b
}

// Plan groups files into splits for this format. Compressed files are never
// cut into ranges.
func (p *Provider) Plan(files []split.File, b split.Bounds) ([]split.Split, error) {
	if !p.ready {
		return nil, p.unresolved("plan splits")
	}
	marked := make([]split.File, len(files))
	for i, f := range files {
		f.Unsplittable = f.Unsplittable || storage.IsCompressed(f.Path)
		marked[i] = f
	}
	splits, err := split.Plan(marked, p.Bounds(b))
	if err != nil {
		return nil, err
	}
	p.log.Debug("planned splits", "files", len(files), "splits", len(splits))
	return splits, nil
}

// NewDecoder returns a decoder over one chunk.
func (p *Provider) NewDecoder(r io.Reader, src format.Source) (format.Decoder, error) {
	if !p.ready {
		return nil, p.unresolved("decode")
	}
	return p.desc.NewDecoder(p.settings, r, src)
}
