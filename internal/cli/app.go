package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"nanolab/internal/blob"
	"nanolab/internal/config"
	"nanolab/internal/export"
	"nanolab/internal/metrics"
	"nanolab/internal/persistence"
	"nanolab/internal/pipeline"
)

// app holds the collaborators opened for one command invocation.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	blobs    blob.Store
	tables   persistence.Store
	exporter *export.Worker
	metrics  metrics.Sink
	pipeline *pipeline.Pipeline
}

// openApp loads configuration, lets override adjust it, and opens the stores.
func openApp(ctx context.Context, configPath string, logOut io.Writer, override func(*config.Config) error) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if override != nil {
		if err := override(&cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger, err := NewLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if a.blobs, err = blob.Open(ctx, cfg.Blob); err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if a.tables, err = persistence.Open(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("open table store: %w", err)
	}
	if a.metrics, err = metrics.FromConfig(cfg.Metrics); err != nil {
		_ = a.tables.Close()
		return nil, err
	}
	if len(cfg.Export.Formats) > 0 {
		a.exporter = export.NewWorker(a.blobs,
			export.WithPrefix(cfg.Export.Prefix),
			export.WithWorkers(cfg.Export.Workers),
			export.WithLogger(logger))
		a.exporter.Start()
	}
	a.pipeline, err = pipeline.New(cfg, pipeline.Deps{
		Blobs:    a.blobs,
		Tables:   a.tables,
		Exporter: a.exporter,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.exporter != nil {
		errs = append(errs, a.exporter.Stop(ctx))
	}
	if a.cfg.Metrics.Textfile != "" {
		errs = append(errs, a.metrics.WriteTextfile(a.cfg.Metrics.Textfile))
	}
	errs = append(errs, a.tables.Close())
	return errors.Join(errs...)
}
