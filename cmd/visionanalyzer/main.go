package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/config"
	"github.com/bdougie/vision/internal/logging"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/pipeline"
	"github.com/bdougie/vision/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		model      = flag.String("model", "", "model name (project.model)")
		modelFiles = flag.String("model-files", "", "comma separated custom model files, relative to the model library")
		runMode    = flag.String("run-mode", "", "main_thread or worker")
		outputDir  = flag.String("output", "", "directory for reports and artifacts")
		name       = flag.String("name", "", "task name")
		fps        = flag.Float64("fps", 0, "frames per second sampled from videos")
		maxFrames  = flag.Int("max-frames", 0, "maximum frames taken from each video")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
		printJSON  = flag.Bool("json", false, "print the report summary as JSON")
		similar    = flag.String("similar", "", "list stored files similar to this image (requires postgres)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: visionanalyzer [flags] file...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 && *similar == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// flags override the file
	if *model != "" {
		cfg.Model = *model
	}
	if *modelFiles != "" {
		cfg.ModelFiles = strings.Split(*modelFiles, ",")
	}
	if *runMode != "" {
		cfg.RunMode = *runMode
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *fps != 0 {
		cfg.Input.FPS = *fps
	}
	if *maxFrames != 0 {
		cfg.Input.MaxFrames = *maxFrames
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(os.Stderr, level, cfg.Log.NoColor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runner, closeRunner, err := pipeline.FromConfig(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	if *similar != "" {
		err := searchSimilar(ctx, runner.Store, *similar)
		closeRunner()
		if err != nil {
			log.Fatalf("Similarity search failed: %v", err)
		}
		return
	}

	files, err := readFiles(flag.Args())
	if err != nil {
		closeRunner()
		log.Fatalf("Failed to read input: %v", err)
	}

	job := pipeline.Job{
		Name:       *name,
		ModelName:  cfg.Model,
		ModelFiles: cfg.ModelFiles,
		RunMode:    analyzer.RunMode(cfg.RunMode),
		Files:      files,
		Options:    cfg.Input,
	}

	logger.Info("starting analysis", "files", len(files), "model", cfg.Model, "run_mode", cfg.RunMode)
	report, err := runner.Run(ctx, job)
	if cerr := closeRunner(); cerr != nil {
		logger.Error("failed to shut down cleanly", "error", cerr)
	}
	if err != nil {
		logger.Error("analysis failed", "error", err)
		os.Exit(1)
	}

	if *printJSON {
		if err := report.WriteJSON(os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}
	for _, f := range report.Files {
		if f.Error != "" {
			fmt.Printf("%-30s error: %s\n", f.Key, f.Error)
			continue
		}
		fmt.Printf("%-30s %d outputs\n", f.Key, len(f.Outputs))
	}
	fmt.Printf("%s: %d/%d files processed in %s\n",
		report.Task.Name, report.Execution.FilesProcessed, report.Execution.TotalFiles, report.Timings.Total())
}

func searchSimilar(ctx context.Context, store storage.Storage, path string) error {
	pg, ok := store.(*storage.PostgresStorage)
	if !ok {
		return fmt.Errorf("postgres is not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	matches, err := pg.SearchSimilarFiles(ctx, data, 10)
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Printf("%.3f  %s  %s (%s)\n", m.Similarity, m.TaskID, m.Key, m.Kind)
	}
	return nil
}

func readFiles(paths []string) ([]media.File, error) {
	files := make([]media.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, media.File{Name: filepath.Base(p), Data: data})
	}
	return files, nil
}
