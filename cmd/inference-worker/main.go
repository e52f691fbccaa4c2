// Command inference-worker runs models for a parent process. Requests
// arrive on stdin and replies leave on stdout as length-prefixed msgpack
// frames; logs go to stderr.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdougie/vision/internal/adapter"
	"github.com/bdougie/vision/internal/config"
	"github.com/bdougie/vision/internal/logging"
	"github.com/bdougie/vision/internal/pipeline"
	"github.com/bdougie/vision/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	// stderr is relayed by the parent, which keys on tint's level tags
	boot := logging.New(os.Stderr, 0, true)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			boot.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		boot.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	regOpts, err := pipeline.RegistryOptions(cfg, logger)
	if err != nil {
		logger.Error("failed to configure models", "error", err)
		os.Exit(1)
	}
	h := worker.NewHandler(adapter.New(cfg.Models.Library, logger), regOpts)

	logger.Debug("worker ready", "pid", os.Getpid())
	if err := worker.Serve(ctx, os.Stdin, os.Stdout, h); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
