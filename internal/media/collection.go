package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdougie/vision/internal/tensor"
)

// maxDecodeWorkers bounds the tensor creation fan-out
const maxDecodeWorkers = 4

// Item is one caller input after decomposition
type Item struct {
	Key      string
	Raw      File
	Kind     Kind
	Inputs   []File
	Timings  Timings
	Metadata map[string]any

	runs map[string]*ModelRun
}

// ModelRun holds everything scoped to one (item, model) pair
type ModelRun struct {
	mu sync.Mutex

	Tensors   []*tensor.Tensor
	TensorErr error
	Results   *ItemResult
	Timing    time.Duration
	Derived   map[string][]Artifact
}

// Collection is an ordered, keyed set of media items with a lazy
// per-model tensor cache
type Collection struct {
	adapter Adapter
	files   []File
	options Options

	mu     sync.Mutex
	keys   []string
	items  map[string]*Item
	loaded bool
}

// NewCollection returns a collection over files. Nothing is read until Load.
func NewCollection(adapter Adapter, files []File, opts Options) (*Collection, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: media collection requires an adapter", ErrConfiguration)
	}
	return &Collection{
		adapter: adapter,
		files:   files,
		options: opts,
		items:   make(map[string]*Item),
	}, nil
}

// Adapter returns the adapter the collection decodes with
func (c *Collection) Adapter() Adapter { return c.adapter }

// Options returns the collection-level options
func (c *Collection) Options() Options { return c.options }

// Load detects, names and decomposes every raw input. The first failure
// aborts the load and leaves the collection empty.
func (c *Collection) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	names := newKeyResolver()
	items := make(map[string]*Item, len(c.files))
	keys := make([]string, 0, len(c.files))

	for _, f := range c.files {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind, ok := c.adapter.DetectType(f)
		if !ok {
			return fmt.Errorf("%w: %q (%s)", ErrUnsupportedKind, f.Name, f.MIMEType)
		}
		key := names.resolve(c.adapter.FileName(f))

		start := time.Now()
		inputs, err := c.adapter.ProcessFile(ctx, f, c.options)
		if err != nil {
			return fmt.Errorf("processing %q: %w", key, err)
		}
		item := &Item{
			Key:      key,
			Raw:      f,
			Kind:     kind,
			Inputs:   inputs,
			Metadata: map[string]any{"size": f.Size()},
			runs:     make(map[string]*ModelRun),
		}
		item.Timings.Preprocessing = time.Since(start)
		if len(inputs) > 0 && inputs[0].FrameRate > 0 {
			item.Metadata["frame_rate"] = inputs[0].FrameRate
		}

		items[key] = item
		keys = append(keys, key)
	}

	c.items = items
	c.keys = keys
	c.loaded = true
	return nil
}

// Keys returns item keys in input order
func (c *Collection) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

// Len returns the number of loaded items
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Item returns the item stored under key
func (c *Collection) Item(key string) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	return item, ok
}

func (c *Collection) run(key, model string) (*ModelRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, fmt.Errorf("no item %q in collection", key)
	}
	run, ok := item.runs[model]
	if !ok {
		run = &ModelRun{Derived: make(map[string][]Artifact)}
		item.runs[model] = run
	}
	return run, nil
}

// ItemTensor returns the tensors of key for model, decoding them on the
// first call. Later calls return the cached slice until InvalidateTensors.
func (c *Collection) ItemTensor(ctx context.Context, key, model string, modelOpts Options) ([]*tensor.Tensor, error) {
	item, ok := c.Item(key)
	if !ok {
		return nil, fmt.Errorf("no item %q in collection", key)
	}
	run, err := c.run(key, model)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.Tensors != nil {
		return run.Tensors, nil
	}

	start := time.Now()
	tensors, err := c.adapter.DecodeToTensor(ctx, item.Inputs, item.Kind, c.options.Merge(modelOpts))
	if err != nil {
		run.TensorErr = err
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	if tensors == nil {
		tensors = []*tensor.Tensor{}
	}
	run.Tensors = tensors
	run.TensorErr = nil

	c.mu.Lock()
	item.Timings.TensorCreation = time.Since(start)
	c.mu.Unlock()
	return tensors, nil
}

// CreateTensors decodes every item for model in parallel. Items that fail
// to decode do not stop the others; their errors are returned by key. The
// error result is only set when ctx is done.
func (c *Collection) CreateTensors(ctx context.Context, model string, modelOpts Options) (map[string]error, error) {
	keys := c.Keys()
	var (
		mu     sync.Mutex
		failed map[string]error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDecodeWorkers)
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := c.ItemTensor(gctx, key, model, modelOpts); err != nil {
				mu.Lock()
				if failed == nil {
					failed = make(map[string]error)
				}
				failed[key] = err
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	return failed, ctx.Err()
}

// InvalidateTensors releases and forgets every cached tensor for model
func (c *Collection) InvalidateTensors(model string) {
	for _, key := range c.Keys() {
		run, err := c.run(key, model)
		if err != nil {
			continue
		}
		run.mu.Lock()
		for _, t := range run.Tensors {
			t.Release()
		}
		run.Tensors = nil
		run.mu.Unlock()
	}
}

// AddResults stores the results of model for key, replacing any earlier value
func (c *Collection) AddResults(key, model string, result ItemResult, timing time.Duration) error {
	run, err := c.run(key, model)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	run.Results = &result
	run.Timing = timing
	return nil
}

// Results returns the stored results of model for key
func (c *Collection) Results(key, model string) (ItemResult, time.Duration, bool) {
	run, err := c.run(key, model)
	if err != nil {
		return ItemResult{}, 0, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.Results == nil {
		return ItemResult{}, 0, false
	}
	return *run.Results, run.Timing, true
}

// AddDerived appends an artifact under derivedType for (key, model)
func (c *Collection) AddDerived(key, model, derivedType string, a Artifact) error {
	run, err := c.run(key, model)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	run.Derived[derivedType] = append(run.Derived[derivedType], a)
	return nil
}

// Derived returns the artifacts stored under derivedType for (key, model)
func (c *Collection) Derived(key, model, derivedType string) []Artifact {
	run, err := c.run(key, model)
	if err != nil {
		return nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return append([]Artifact(nil), run.Derived[derivedType]...)
}

// keyResolver hands out unique item keys, suffixing duplicates " (2)", " (3)"
type keyResolver struct {
	taken    map[string]bool
	counters map[string]int
}

func newKeyResolver() *keyResolver {
	return &keyResolver{taken: make(map[string]bool), counters: make(map[string]int)}
}

func (r *keyResolver) resolve(name string) string {
	if !r.taken[name] {
		r.taken[name] = true
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	n := r.counters[name]
	if n == 0 {
		n = 2
	}
	for {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		n++
		if !r.taken[candidate] {
			r.counters[name] = n
			r.taken[candidate] = true
			return candidate
		}
	}
}
