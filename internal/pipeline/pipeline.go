// Package pipeline drives a task through every stage and fans its
// progress out to event publishers and report storage. The CLI and the
// inference server share it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/events"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/storage"
	"github.com/bdougie/vision/internal/worker"
)

// Runner holds what every job needs. Store and Events are optional.
type Runner struct {
	Registry *models.Registry
	Adapter  media.Adapter
	Worker   worker.Worker
	Store    storage.Storage
	Events   events.Publisher
	BasePath string
	Logger   *slog.Logger
}

// Job describes one inference run
type Job struct {
	Name       string
	ModelName  string
	ModelFiles []string
	RunMode    analyzer.RunMode
	Files      []media.File
	Options    media.Options
}

// Run executes job and returns its report. The report is stored before
// Run returns when a store is configured.
func (r *Runner) Run(ctx context.Context, job Job) (*analyzer.Report, error) {
	logger := r.logger()
	if len(job.Files) == 0 {
		return nil, fmt.Errorf("%w: job has no files", media.ErrConfiguration)
	}

	collection, err := media.NewCollection(r.Adapter, job.Files, job.Options)
	if err != nil {
		return nil, err
	}

	task, err := analyzer.NewTask(analyzer.TaskOptions{
		Name:       job.Name,
		ModelName:  job.ModelName,
		ModelFiles: job.ModelFiles,
		RunMode:    job.RunMode,
		Worker:     r.Worker,
		Registry:   r.Registry,
		Adapter:    r.Adapter,
		BasePath:   r.BasePath,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	logger = logger.With("task_id", task.ID)

	start := time.Now()
	r.publish(ctx, task, events.TaskStarted, func(e *events.Event) {})

	report, err := r.run(ctx, task, collection)
	if err != nil {
		r.publish(ctx, task, events.TaskFailed, func(e *events.Event) { e.Error = err.Error() })
		logger.Error("task failed", "model", task.ModelName(), "state", task.State(), "error", err)
		return nil, err
	}

	if r.Store != nil {
		if err := r.Store.AddReport(ctx, report); err != nil {
			return report, fmt.Errorf("failed to store report: %w", err)
		}
	}

	r.publish(ctx, task, events.TaskCompleted, func(e *events.Event) {
		e.FilesProcessed = report.Execution.FilesProcessed
		e.Percent = 100
	})
	logger.Info("task completed",
		"name", report.Task.Name,
		"files", report.Execution.TotalFiles,
		"processed", report.Execution.FilesProcessed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return report, nil
}

func (r *Runner) run(ctx context.Context, task *analyzer.Task, c *media.Collection) (*analyzer.Report, error) {
	if err := task.LoadData(ctx, c); err != nil {
		return nil, err
	}
	if task.RunMode() == analyzer.RunMainThread {
		if err := task.LoadModel(ctx); err != nil {
			return nil, err
		}
	}

	progress := func(percent int) {
		r.publish(ctx, task, events.TaskProgress, func(e *events.Event) { e.Percent = percent })
	}
	if err := task.RunModel(ctx, progress); err != nil {
		return nil, err
	}
	return task.GenerateOutputs(ctx)
}

// publish never fails the task; a broken broker only costs events
func (r *Runner) publish(ctx context.Context, task *analyzer.Task, typ string, fill func(*events.Event)) {
	if r.Events == nil {
		return
	}
	e := events.Event{
		Type:     typ,
		TaskID:   task.ID,
		TaskName: task.Name,
		Model:    task.ModelName(),
		State:    string(task.State()),
		Time:     time.Now(),
	}
	fill(&e)
	if err := r.Events.Publish(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		r.logger().Warn("failed to publish event", "type", typ, "task_id", task.ID, "error", err)
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
