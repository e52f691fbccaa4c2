package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/bdougie/vision/internal/adapter"
	"github.com/bdougie/vision/internal/blobs"
	"github.com/bdougie/vision/internal/config"
	"github.com/bdougie/vision/internal/embeddings"
	"github.com/bdougie/vision/internal/events"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/storage"
	"github.com/bdougie/vision/internal/worker"
)

// RegistryOptions builds the model registry settings described by cfg
func RegistryOptions(cfg *config.Config, logger *slog.Logger) (models.RegistryOptions, error) {
	fetcher := blobs.NewFetcher(cfg.Models.CacheDir)
	if logger != nil {
		fetcher.Logger = logger
	}
	opts := models.RegistryOptions{
		Fetcher: fetcher,
		Ollama:  cfg.Models.Ollama,
		Logger:  logger,
	}
	if cfg.Models.Catalog != "" {
		data, err := os.ReadFile(cfg.Models.Catalog)
		if err != nil {
			return opts, fmt.Errorf("failed to read model catalog: %w", err)
		}
		if opts.Catalog, err = models.ParseCatalog(data); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// FromConfig assembles a Runner from cfg. The returned close function
// releases the worker, flushes the store and disconnects publishers.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runner, func() error, error) {
	regOpts, err := RegistryOptions(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	native := adapter.New(cfg.Models.Library, logger)
	r := &Runner{
		Registry: models.NewRegistry(regOpts),
		Adapter:  native,
		Logger:   logger,
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runner, func() error, error) {
		closeAll()
		return nil, nil, err
	}

	w, err := newWorker(cfg, native, regOpts, logger)
	if err != nil {
		return fail(err)
	}
	r.Worker = w
	closers = append(closers, w.Close)

	if cfg.Postgres != nil {
		if err := storage.InitSchema(ctx, *cfg.Postgres); err != nil {
			return fail(err)
		}
		embedder := embeddings.NewService(4)
		closers = append(closers, func() error { embedder.Close(); return nil })

		pg, err := storage.NewPostgresStorage(ctx, *cfg.Postgres, embedder, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { pg.Close(); return nil })
		r.Store = pg
	} else {
		r.Store = storage.NewFileStore(cfg.OutputDir, logger)
	}
	closers = append(closers, r.Store.Flush)

	if cfg.MQTT != nil {
		pub := events.NewMQTTPublisher(*cfg.MQTT, logger)
		if err := pub.Connect(ctx); err != nil {
			return fail(err)
		}
		closers = append(closers, pub.Close)
		r.Events = pub
	}

	return r, closeAll, nil
}

func newWorker(cfg *config.Config, a media.Adapter, regOpts models.RegistryOptions, logger *slog.Logger) (worker.Worker, error) {
	switch cfg.Worker.Kind {
	case "process":
		return worker.StartProcess(cfg.Worker.Binary, cfg.Worker.Args, logger)
	case "local", "":
		return worker.NewLocal(worker.NewHandler(a, regOpts)), nil
	default:
		return nil, fmt.Errorf("%w: unknown worker kind %q", media.ErrConfiguration, cfg.Worker.Kind)
	}
}
