// Package storage persists task reports and their rendered artifacts.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/vision/internal/analyzer"
)

const batchSize = 10 // Number of reports to batch write

// reportsFile collects the summaries of every stored report
const reportsFile = "reports.json"

// Storage defines the interface for storing task reports
type Storage interface {
	// AddReport stores a report and its artifacts
	AddReport(ctx context.Context, report *analyzer.Report) error

	// Flush ensures all pending reports are saved
	Flush() error
}

// FileStore writes artifacts under <outputDir>/<task id>/ as they arrive
// and appends report summaries to <outputDir>/reports.json in batches
type FileStore struct {
	reports   []*analyzer.Report
	mu        sync.Mutex
	outputDir string
	logger    *slog.Logger
}

var _ Storage = (*FileStore)(nil)

// NewFileStore creates a store rooted at outputDir
func NewFileStore(outputDir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		outputDir: outputDir,
		logger:    logger,
	}
}

// AddReport writes the report's artifacts and queues its summary, flushing
// when the batch is full
func (s *FileStore) AddReport(ctx context.Context, report *analyzer.Report) error {
	if err := s.writeArtifacts(ctx, report); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report.Summary())

	if len(s.reports) >= batchSize {
		if err := s.flush(); err != nil {
			s.logger.Error("error flushing reports", "error", err)
			return err
		}
	}
	return nil
}

// Flush writes all pending summaries to disk
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *FileStore) flush() error {
	if len(s.reports) == 0 {
		return nil
	}

	path := filepath.Join(s.outputDir, reportsFile)
	existing, err := readReports(path)
	if err != nil {
		return err
	}
	all := append(existing, s.reports...)

	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for reports: %w", err)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode reports: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}

	s.logger.Debug("reports flushed", "count", len(s.reports), "path", path)
	s.reports = nil
	return nil
}

// Reports returns every flushed report summary
func (s *FileStore) Reports() ([]*analyzer.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readReports(filepath.Join(s.outputDir, reportsFile))
}

// ArtifactDir returns where the artifacts of a task are written
func (s *FileStore) ArtifactDir(taskID string) string {
	return filepath.Join(s.outputDir, taskID)
}

func (s *FileStore) writeArtifacts(ctx context.Context, report *analyzer.Report) error {
	dir := s.ArtifactDir(report.Task.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	for _, a := range report.Artifacts() {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, filepath.Base(a.Name))
		if err := os.WriteFile(path, a.Data, 0644); err != nil {
			return fmt.Errorf("failed to write artifact %q: %w", a.Name, err)
		}
	}
	return nil
}

func readReports(path string) ([]*analyzer.Report, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reports file: %w", err)
	}
	var reports []*analyzer.Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("failed to unmarshal existing reports: %w", err)
	}
	return reports, nil
}

// writeFileAtomic writes to a temp file in the same directory and renames
// it over path
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
