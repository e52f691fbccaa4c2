package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/embeddings"
)

// PostgresConfig holds connection details for PostgreSQL
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

// ConnString returns the connection URL for config
func (c PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// FileMatch is a stored file similar to a query image
type FileMatch struct {
	TaskID     string
	Key        string
	Kind       string
	Similarity float64
}

// PostgresStorage stores reports in tasks, files and outputs tables. Files
// carry a color-histogram embedding for similarity search.
type PostgresStorage struct {
	pool     *pgxpool.Pool
	embedder *embeddings.Service
	logger   *slog.Logger
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage connects to PostgreSQL
func NewPostgresStorage(ctx context.Context, config PostgresConfig, embedder *embeddings.Service, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{
		pool:     pool,
		embedder: embedder,
		logger:   logger,
	}, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AddReport stores a report in one transaction
func (s *PostgresStorage) AddReport(ctx context.Context, report *analyzer.Report) error {
	vectors := s.embedFiles(ctx, report)

	summary, err := json.Marshal(report.Summary())
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO tasks
			(id, name, model, task_type, run_mode, created_at, completed_at, report)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			report.Task.ID, report.Task.Name, report.Model.Name, string(report.Model.Type),
			string(report.Execution.RunMode), report.Task.CreatedAt, report.Task.CompletedAt, summary)
		if err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}

		for _, f := range report.Files {
			var fileID int
			err := tx.QueryRow(ctx,
				`INSERT INTO files
				(task_id, item_key, kind, position, error, embedding, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				report.Task.ID, f.Key, string(f.Type), f.Index, f.Error, vectors[f.Key], time.Now()).Scan(&fileID)
			if err != nil {
				return fmt.Errorf("failed to store file %q: %w", f.Key, err)
			}

			for _, o := range f.Outputs {
				var metadata []byte
				if o.Metadata != nil {
					if metadata, err = json.Marshal(o.Metadata); err != nil {
						return err
					}
				}
				mime := ""
				if o.File != nil {
					mime = o.File.MIMEType
				}
				_, err := tx.Exec(ctx,
					`INSERT INTO outputs
					(file_id, type, name, category, mime_type, metadata)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					fileID, o.Type, o.Name, o.Category, mime, metadata)
				if err != nil {
					return fmt.Errorf("failed to store output %q: %w", o.Name, err)
				}
			}
		}
		return nil
	})
}

// embedFiles computes an embedding per decodable input. Files that are not
// images are stored without one.
func (s *PostgresStorage) embedFiles(ctx context.Context, report *analyzer.Report) map[string]*pgvector.Vector {
	vectors := make(map[string]*pgvector.Vector, len(report.Files))
	if s.embedder == nil {
		return vectors
	}

	pending := make([]<-chan embeddings.Result, 0, len(report.Files))
	for _, f := range report.Files {
		if len(f.Input.Data) == 0 {
			continue
		}
		pending = append(pending, s.embedder.Embed(ctx, f.Key, f.Input.Data))
	}
	for _, ch := range pending {
		res := <-ch
		if errors.Is(res.Error, embeddings.ErrNotImage) {
			s.logger.Debug("file stored without embedding", "key", res.Key, "error", res.Error)
			continue
		}
		if res.Error != nil {
			s.logger.Warn("file stored without embedding", "key", res.Key, "error", res.Error)
			continue
		}
		v := pgvector.NewVector(res.Embedding)
		vectors[res.Key] = &v
	}
	return vectors
}

// Flush implements the Storage interface - no-op for Postgres as we save immediately
func (s *PostgresStorage) Flush() error {
	return nil
}

// SearchSimilarFiles finds stored files whose colors are closest to image
func (s *PostgresStorage) SearchSimilarFiles(ctx context.Context, image []byte, limit int) ([]FileMatch, error) {
	query, err := embeddings.Describe(image)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT f.task_id, f.item_key, f.kind,
		1 - (f.embedding <=> $1) AS similarity
		FROM files f
		WHERE f.embedding IS NOT NULL
		ORDER BY f.embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar files: %w", err)
	}
	defer rows.Close()

	var results []FileMatch
	for rows.Next() {
		var m FileMatch
		if err := rows.Scan(&m.TaskID, &m.Key, &m.Kind, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, config PostgresConfig) error {
	conn, err := pgx.Connect(ctx, config.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}
	if !exists {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            model TEXT NOT NULL,
            task_type TEXT NOT NULL,
            run_mode TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            completed_at TIMESTAMPTZ NOT NULL,
            report JSONB NOT NULL
        );

        CREATE TABLE IF NOT EXISTS files (
            id SERIAL PRIMARY KEY,
            task_id TEXT REFERENCES tasks(id) ON DELETE CASCADE,
            item_key TEXT NOT NULL,
            kind TEXT NOT NULL,
            position INTEGER NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            embedding vector(%d),
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(task_id, item_key)
        );

        CREATE TABLE IF NOT EXISTS outputs (
            id SERIAL PRIMARY KEY,
            file_id INTEGER REFERENCES files(id) ON DELETE CASCADE,
            type TEXT NOT NULL,
            name TEXT NOT NULL,
            category TEXT NOT NULL,
            mime_type TEXT NOT NULL,
            metadata JSONB
        );
    `, embeddings.Dimensions))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_files_task_id ON files(task_id);
        CREATE INDEX IF NOT EXISTS idx_outputs_file_id ON outputs(file_id);
        CREATE INDEX IF NOT EXISTS idx_embedding_vector ON files USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}
