// Package config loads the YAML configuration shared by the CLI, the
// inference server and the worker process.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bdougie/vision/internal/events"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/storage"
)

// Config represents the complete configuration
type Config struct {
	Model      string        `yaml:"model"`
	ModelFiles []string      `yaml:"model_files,omitempty"`
	RunMode    string        `yaml:"run_mode"` // main_thread, worker
	Worker     WorkerConfig  `yaml:"worker"`
	Input      media.Options `yaml:"input"`
	Models     ModelsConfig  `yaml:"models"`
	OutputDir  string        `yaml:"output_dir"`

	// Postgres and MQTT are enabled by their presence
	Postgres *storage.PostgresConfig `yaml:"postgres,omitempty"`
	MQTT     *events.MQTTConfig      `yaml:"mqtt,omitempty"`

	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
}

// WorkerConfig selects the worker used in worker run mode
type WorkerConfig struct {
	Kind   string   `yaml:"kind"` // local, process
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args,omitempty"`
}

// ModelsConfig locates models
type ModelsConfig struct {
	Library  string              `yaml:"library"`  // base location of model files
	Catalog  string              `yaml:"catalog"`  // optional catalog file replacing the built-in one
	CacheDir string              `yaml:"cache_dir"` // where fetched model files are kept
	Ollama   models.OllamaConfig `yaml:"ollama"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level   string `yaml:"level"` // debug, info, warn, error
	NoColor bool   `yaml:"no_color"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Model:   "builtin.blob-detect",
		RunMode: "main_thread",
		Worker: WorkerConfig{
			Kind:   "local",
			Binary: "inference-worker",
		},
		Models: ModelsConfig{
			Library: "file://./models/",
			Ollama:  models.DefaultOllamaConfig(),
		},
		OutputDir: "output",
		Log:       LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 256,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r over the defaults and validates the result
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
