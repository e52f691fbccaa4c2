package models

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bdougie/vision/internal/blobs"
	"github.com/bdougie/vision/internal/media"
)

// manifestFile is read from a descriptor's path to override its parameters
const manifestFile = "model.yaml"

// RegistryOptions configure a Registry. Zero values get defaults.
type RegistryOptions struct {
	Catalog *Catalog
	Fetcher *blobs.Fetcher
	Cache   *Cache
	Ollama  OllamaConfig
	Logger  *slog.Logger
}

// Registry resolves model names to descriptors and loads handles
type Registry struct {
	catalog *Catalog
	fetcher *blobs.Fetcher
	cache   *Cache
	ollama  OllamaConfig
	logger  *slog.Logger
}

// NewRegistry returns a registry over opts.Catalog (the built-in catalog
// when nil)
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		catalog: opts.Catalog,
		fetcher: opts.Fetcher,
		cache:   opts.Cache,
		ollama:  opts.Ollama,
		logger:  opts.Logger,
	}
	if r.catalog == nil {
		r.catalog = DefaultCatalog()
	}
	if r.fetcher == nil {
		r.fetcher = blobs.NewFetcher("")
		r.fetcher.Logger = opts.Logger
	}
	if r.cache == nil {
		r.cache = NewCache()
	}
	if r.ollama.BaseURL == "" {
		r.ollama = DefaultOllamaConfig()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Cache returns the registry's handle cache
func (r *Registry) Cache() *Cache { return r.cache }

// Model returns the descriptor for name
func (r *Registry) Model(name string) (Descriptor, error) {
	return r.catalog.Lookup(name)
}

// List returns every catalog entry
func (r *Registry) List() []Descriptor {
	return r.catalog.List()
}

// ModelOptions returns the decode options a model wants: the catalog's
// input options, with a fixed input shape from the handle when it has one.
// Custom models only contribute the handle's shape.
func (r *Registry) ModelOptions(name string, h Handle) (media.Options, error) {
	var opts media.Options
	if name != CustomModelName {
		d, err := r.Model(name)
		if err != nil {
			return media.Options{}, err
		}
		opts = d.Input
	}
	if s, ok := h.(InputShaper); ok {
		opts.InputShape = s.InputShape()
	}
	return opts, nil
}

// LoadModel returns the handle for name, loading it on first use. basePath
// is the model library the descriptor's path is relative to.
func (r *Registry) LoadModel(ctx context.Context, adapter media.Adapter, basePath, name string) (Handle, error) {
	if h, ok := r.cache.Get(name); ok {
		return h, nil
	}

	d, err := r.Model(name)
	if err != nil {
		return nil, err
	}
	if basePath == "" && adapter != nil {
		basePath = adapter.ResolveModelLibraryPath()
	}
	if d.Path != "" {
		if d, err = r.applyManifest(ctx, d, basePath, path.Join(d.Path, manifestFile)); err != nil {
			return nil, err
		}
	}

	h, err := r.build(ctx, adapter, d)
	if err != nil {
		return nil, fmt.Errorf("loading model %q: %w", name, err)
	}
	r.cache.Put(name, h)
	r.logger.Info("model loaded", "model", name, "backend", d.Backend)
	return h, nil
}

// LoadFiles loads a custom model from a manifest. files[0] is the manifest,
// either relative to basePath or a full location of its own.
func (r *Registry) LoadFiles(ctx context.Context, adapter media.Adapter, basePath string, files []string) (Handle, Descriptor, error) {
	d, err := r.Manifest(ctx, basePath, files)
	if err != nil {
		return nil, Descriptor{}, err
	}

	key := CustomModelName + ":" + strings.Join(files, ",")
	if h, ok := r.cache.Get(key); ok {
		return h, d, nil
	}
	h, err := r.build(ctx, adapter, d)
	if err != nil {
		return nil, Descriptor{}, fmt.Errorf("loading custom model: %w", err)
	}
	r.cache.Put(key, h)
	return h, d, nil
}

// Manifest reads the descriptor of a custom model without loading it
func (r *Registry) Manifest(ctx context.Context, basePath string, files []string) (Descriptor, error) {
	if len(files) == 0 {
		return Descriptor{}, fmt.Errorf("%w: custom model requires model files", media.ErrConfiguration)
	}

	base, file := basePath, files[0]
	if strings.Contains(file, "://") || strings.HasPrefix(file, "/") {
		i := strings.LastIndex(file, "/")
		base, file = file[:i+1], file[i+1:]
	}

	d, err := r.applyManifest(ctx, Descriptor{Name: CustomModelName}, base, file)
	if err != nil {
		return Descriptor{}, err
	}
	d.Name = CustomModelName
	if err := d.validate(); err != nil {
		r.logger.Warn("incomplete model manifest", "key", file, "error", err)
		return Descriptor{}, fmt.Errorf("%w: %q is incomplete", ErrInvalidManifest, file)
	}
	return d, nil
}

// applyManifest fetches a YAML descriptor and lays it over d
func (r *Registry) applyManifest(ctx context.Context, d Descriptor, base, key string) (Descriptor, error) {
	local, err := r.fetcher.Fetch(ctx, base, key)
	if err != nil {
		r.logger.Warn("failed to fetch model manifest", "base", base, "key", key, "error", err)
		return d, fmt.Errorf("%w: %q could not be fetched", ErrInvalidManifest, key)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		r.logger.Warn("failed to read model manifest", "path", local, "error", err)
		return d, fmt.Errorf("%w: %q could not be read", ErrInvalidManifest, key)
	}

	var m Descriptor
	if err := yaml.Unmarshal(data, &m); err != nil {
		r.logger.Warn("failed to parse model manifest", "key", key, "error", err)
		return d, fmt.Errorf("%w: %q is not a model descriptor", ErrInvalidManifest, key)
	}
	if m.Title != "" {
		d.Title = m.Title
	}
	if m.Type != "" {
		d.Type = m.Type
	}
	if m.Backend != "" {
		d.Backend = m.Backend
	}
	if m.Model != "" {
		d.Model = m.Model
	}
	if len(m.Params) > 0 {
		params := make(map[string]float64, len(d.Params)+len(m.Params))
		for k, v := range d.Params {
			params[k] = v
		}
		for k, v := range m.Params {
			params[k] = v
		}
		d.Params = params
	}
	d.Input = d.Input.Merge(m.Input)
	return d, nil
}

func (r *Registry) build(ctx context.Context, adapter media.Adapter, d Descriptor) (Handle, error) {
	switch d.Backend {
	case BackendBuiltin:
		return newBuiltin(d.Model, d.Params)
	case BackendOllama:
		return NewOllamaDetector(ctx, r.ollama, d.Model, adapter, r.logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", d.Backend)
	}
}
