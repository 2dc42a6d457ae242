package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/audit"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/config"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/format"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/logging"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/metadata"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/metrics"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/provider"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/runner"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

const usage = `usage: bronze-ingest <command> [-config file]

commands:
  validate  check the configuration and format settings
  plan      list the input and print the split plan as JSON
  run       ingest every split of the plan
  formats   list the registered formats
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	switch cmd {
	case "validate", "plan", "run", "formats":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	fs.Parse(os.Args[2:])

	reg, err := format.NewDefaultRegistry()
	if err != nil {
		fatal("failed to build format registry", err)
	}
	if cmd == "formats" {
		for _, name := range reg.Names() {
			d, _ := reg.Get(name)
			fmt.Printf("%-10s read=%-5v write=%-5v %s\n", name, d.Readable(), d.Writable(), d.Description)
		}
		return
	}

	cfg := config.MustLoad(*configPath)
	if err := logging.Setup(cfg.Logging.Logging()); err != nil {
		fatal("invalid logging configuration", err)
	}
	log := logging.Component("main")
	log.Info("bronze ingest starting", "version", runner.Version, "git_sha", runner.GitSHA, "command", cmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	switch cmd {
	case "validate":
		err = validate(cfg, reg)
		if err == nil {
			fmt.Println("configuration is valid")
		}
	case "plan":
		err = plan(ctx, cfg, reg)
	case "run":
		err = run(ctx, cfg, reg)
	}

	if err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete")
			os.Exit(130)
		}
		fatal(cmd+" failed", err)
	}
	// Let the metrics server flush.
	time.Sleep(100 * time.Millisecond)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// resolvedProvider validates the configuration and returns a provider with
// every macro resolved.
func resolvedProvider(cfg config.Config, reg *format.Registry) (*provider.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prov, err := provider.New(reg, cfg.FormatConfig())
	if err != nil {
		return nil, err
	}
	if !prov.Ready() {
		return prov.Resolve(cfg.Macros)
	}
	return prov, nil
}

func validate(cfg config.Config, reg *format.Registry) error {
	prov, err := resolvedProvider(cfg, reg)
	if err != nil {
		return err
	}
	if _, err := reg.OutputEncoder(cfg.Output.Format, cfg.Output.Properties); err != nil {
		return err
	}
	s, err := prov.Schema()
	if err != nil {
		return err
	}
	logging.Component("main").Info("format is valid",
		"format", prov.Format(),
		"fields", len(s.Fields),
		"path_field", prov.PathField(),
		"splittable", prov.Bounds(cfg.SplitBounds()).Splittable,
	)
	return nil
}

func plan(ctx context.Context, cfg config.Config, reg *format.Registry) error {
	r, closeAll, err := build(ctx, cfg, reg, false)
	if err != nil {
		return err
	}
	defer closeAll()

	p, err := r.Plan(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Fingerprint string `json:"fingerprint"`
		Files       int    `json:"files"`
		Splits      any    `json:"splits"`
	}{p.Fingerprint, len(p.Files), p.Splits})
}

func run(ctx context.Context, cfg config.Config, reg *format.Registry) error {
	r, closeAll, err := build(ctx, cfg, reg, true)
	if err != nil {
		return err
	}
	defer closeAll()

	res, err := r.Run(ctx)
	if res != nil {
		logging.Component("main").Info("run summary",
			"run_id", res.RunID,
			"processed", res.Processed,
			"skipped", res.Skipped,
			"failed", res.Failed,
			"records", res.Records,
			"decode_errors", res.DecodeErrors,
		)
	}
	return err
}

// build wires storage, catalog, checkpoints and metrics into a Runner.
func build(ctx context.Context, cfg config.Config, reg *format.Registry, running bool) (*runner.Runner, func(), error) {
	prov, err := resolvedProvider(cfg, reg)
	if err != nil {
		return nil, nil, err
	}

	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}
	fail := func(err error) (*runner.Runner, func(), error) {
		closeAll()
		return nil, nil, err
	}

	in, err := storage.Open(ctx, cfg.Input.Storage.Storage())
	if err != nil {
		return fail(errs.Resource("open", "input storage", err))
	}
	closers = append(closers, in.Close)

	out, err := storage.Open(ctx, cfg.Output.Storage.Storage())
	if err != nil {
		return fail(errs.Resource("open", "output storage", err))
	}
	closers = append(closers, out.Close)

	deps := runner.Deps{Input: in, Output: out}
	if running {
		catalog, err := metadata.NewWriter(ctx, metadata.CatalogConfig{PostgresDSN: cfg.Catalog.PostgresDSN})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, catalog.Close)
		deps.Catalog = catalog

		cp, err := checkpoint.NewManager(checkpoint.Config{Enabled: cfg.Checkpoint.Dir != "", Dir: cfg.Checkpoint.Dir})
		if err != nil {
			return fail(err)
		}
		deps.Checkpoints = cp

		em, err := audit.NewEmitter(audit.Config{
			Enabled:  cfg.Audit.Enabled,
			Dir:      cfg.Audit.Dir,
			Endpoint: cfg.Audit.Endpoint,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, em.Close)
		deps.Audit = em

		if cfg.Metrics.Enabled {
			deps.Metrics = metrics.Init("")
			go func() {
				if err := metrics.StartServer(ctx, cfg.Metrics.Addr); err != nil {
					slog.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
				}
			}()
		}
	}

	r, err := runner.New(reg, prov, deps, runner.Options{
		InputRoot:        cfg.Input.Root,
		OutputRoot:       cfg.Output.Root,
		Bounds:           cfg.SplitBounds(),
		OutputFormat:     cfg.Output.Format,
		OutputProperties: cfg.Output.Properties,
		Overwrite:        cfg.Output.Overwrite,
		Workers:          cfg.Perf.Workers,
		RetryAttempts:    cfg.Perf.RetryAttempts,
		RetryBackoffMs:   cfg.Perf.RetryBackoffMs,
		OnError:          cfg.Perf.OnError,
		Macros:           cfg.Macros,
	})
	if err != nil {
		return fail(err)
	}
	return r, closeAll, nil
}
