// Package analyzer runs an inference task over a media collection: it loads
// tensors and the model, runs inference on the caller's goroutine or in a
// worker, and renders the outputs into a report.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/tensor"
	"github.com/bdougie/vision/internal/worker"
)

// yieldEvery is how many items the main-thread loop runs between yields
const yieldEvery = 5

// RunMode selects where inference executes
type RunMode string

const (
	RunMainThread RunMode = "main_thread"
	RunWorker     RunMode = "worker"
)

// State is a task's position in its lifecycle
type State string

const (
	StateInit             State = "INIT"
	StateDataLoaded       State = "DATA_LOADED"
	StateModelLoaded      State = "MODEL_LOADED"
	StateRunning          State = "RUNNING"
	StateInferred         State = "INFERRED"
	StateOutputsGenerated State = "OUTPUTS_GENERATED"
	StateFailed           State = "FAILED"
)

var (
	// ErrInvalidState is returned for an operation called out of order
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrWorker wraps failures reported by or about the worker
	ErrWorker = errors.New("worker failed")
)

// TaskError is a failure of the task as a whole
type TaskError struct {
	Op    string
	State State
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s (state %s): %v", e.Op, e.State, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// ItemError is a failure confined to one media item
type ItemError struct {
	Key string
	Err error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %q: %v", e.Key, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// TaskOptions configure a Task
type TaskOptions struct {
	// Name is derived from the model and file count when empty
	Name string

	ModelName string
	ModelMeta *models.Descriptor

	// ModelFiles locate a custom model's manifest; CustomModel is a
	// caller-built handle. Either makes the model name "custom".
	ModelFiles  []string
	CustomModel models.Handle

	RunMode RunMode
	Worker  worker.Worker

	Registry *models.Registry
	Adapter  media.Adapter
	BasePath string
	Logger   *slog.Logger
}

// Task orchestrates one inference run. Its methods must be called in
// order: LoadData, LoadModel (main thread only), RunModel, GenerateOutputs.
type Task struct {
	ID        string
	Name      string
	CreatedAt time.Time

	opts   TaskOptions
	logger *slog.Logger

	// op serializes the lifecycle operations; mu guards the fields read
	// by accessors, so a progress callback may call them
	op           sync.Mutex
	mu           sync.Mutex
	state        State
	meta         models.Descriptor
	haveMeta     bool
	transfer     []*tensor.Buffer
	itemErrors   []*ItemError
	timings      Timings
	completedAt  time.Time
	model        models.Handle
	collection   *media.Collection
	inputs       map[string][]*tensor.Tensor
	request      *worker.Request
	failedInputs map[string]error
}

// NewTask validates opts and returns a task in state INIT
func NewTask(opts TaskOptions) (*Task, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("%w: task requires an adapter", media.ErrConfiguration)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: task requires a model registry", media.ErrConfiguration)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CustomModel != nil || len(opts.ModelFiles) > 0 {
		opts.ModelName = models.CustomModelName
	}
	if opts.ModelName == "" {
		return nil, fmt.Errorf("%w: task requires a model name", media.ErrConfiguration)
	}

	switch opts.RunMode {
	case "":
		opts.RunMode = RunMainThread
	case RunMainThread:
	case RunWorker:
		if opts.Worker == nil {
			return nil, fmt.Errorf("%w: worker run mode requires a worker", media.ErrConfiguration)
		}
		if opts.CustomModel != nil {
			return nil, fmt.Errorf("%w: a model handle cannot be sent to a worker, use model files", media.ErrConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: unknown run mode %q", media.ErrConfiguration, opts.RunMode)
	}

	if opts.ModelName == models.CustomModelName && opts.CustomModel == nil && len(opts.ModelFiles) == 0 {
		return nil, fmt.Errorf("%w: custom model requires a handle or model files", media.ErrConfiguration)
	}
	if opts.CustomModel != nil && opts.ModelMeta == nil {
		return nil, fmt.Errorf("%w: custom model handle requires model metadata", media.ErrConfiguration)
	}

	t := &Task{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		CreatedAt: time.Now(),
		opts:      opts,
		logger:    opts.Logger.With("model", opts.ModelName, "run_mode", opts.RunMode),
		state:     StateInit,
	}
	if opts.ModelMeta != nil {
		t.meta, t.haveMeta = *opts.ModelMeta, true
	}
	return t, nil
}

// State returns the current state
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ModelName returns the name results are recorded under
func (t *Task) ModelName() string { return t.opts.ModelName }

// RunMode returns where inference executes
func (t *Task) RunMode() RunMode { return t.opts.RunMode }

// Timings returns a copy of the task-level timings
func (t *Task) Timings() Timings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timings
}

// Model returns the resolved model descriptor
func (t *Task) Model() models.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// TransferList returns the distinct buffers a worker-mode request moves
func (t *Task) TransferList() []*tensor.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transfer
}

// ItemErrors returns the items that failed during RunModel
func (t *Task) ItemErrors() []*ItemError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ItemError(nil), t.itemErrors...)
}

// expect checks the current state
func (t *Task) expect(op string, states ...State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range states {
		if t.state == s {
			return nil
		}
	}
	return &TaskError{Op: op, State: t.state, Err: fmt.Errorf("%w: expected %v", ErrInvalidState, states)}
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// fail moves the task to FAILED
func (t *Task) fail(op string, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	te := &TaskError{Op: op, State: t.state, Err: err}
	t.state = StateFailed
	t.logger.Error("task failed", "task_id", t.ID, "op", op, "error", err)
	return te
}

// LoadData decodes every item of c for the task's model and builds the
// input map. In worker mode every tensor is serialized here, once.
func (t *Task) LoadData(ctx context.Context, c *media.Collection) error {
	t.op.Lock()
	defer t.op.Unlock()
	const op = "load_data"

	if err := t.expect(op, StateInit); err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: load_data requires a collection", media.ErrConfiguration)
	}
	if err := c.Load(ctx); err != nil {
		return t.fail(op, err)
	}
	if err := t.resolveMeta(ctx); err != nil {
		return t.fail(op, err)
	}

	name := t.opts.ModelName
	modelOpts, err := t.opts.Registry.ModelOptions(name, t.opts.CustomModel)
	if err != nil {
		return t.fail(op, err)
	}
	if name == models.CustomModelName {
		modelOpts = t.meta.Input.Merge(modelOpts)
	}

	failed, err := c.CreateTensors(ctx, name, modelOpts)
	if err != nil {
		return t.fail(op, err)
	}
	for key, ferr := range failed {
		t.logger.Warn("item failed to decode", "key", key, "error", ferr)
	}
	t.failedInputs = failed
	t.collection = c

	if t.opts.RunMode == RunWorker {
		if err := t.serialize(ctx, c); err != nil {
			return t.fail(op, err)
		}
	} else {
		t.inputs = make(map[string][]*tensor.Tensor, c.Len())
		for _, key := range c.Keys() {
			if _, bad := failed[key]; bad {
				continue
			}
			tensors, err := c.ItemTensor(ctx, key, name, modelOpts)
			if err != nil {
				return t.fail(op, err)
			}
			t.inputs[key] = tensors
		}
	}

	t.nameTask(c.Len())
	t.setState(StateDataLoaded)
	t.logger.Info("task data loaded", "task_id", t.ID, "files", c.Len(), "failed", len(failed))
	return nil
}

// serialize builds the worker request from the cached tensors of c
func (t *Task) serialize(ctx context.Context, c *media.Collection) error {
	start := time.Now()

	req := worker.NewRequest(t.opts.ModelName)
	req.ModelFiles = t.opts.ModelFiles
	req.BasePath = t.opts.BasePath
	meta := t.meta
	req.ModelMeta = &meta

	var all []tensor.Serialized
	for _, key := range c.Keys() {
		if _, bad := t.failedInputs[key]; bad {
			continue
		}
		tensors, err := c.ItemTensor(ctx, key, t.opts.ModelName, media.Options{})
		if err != nil {
			return err
		}
		item, _ := c.Item(key)
		wi := worker.WireItem{Kind: item.Kind, Tensors: make([]tensor.Serialized, 0, len(tensors))}
		for _, x := range tensors {
			s, err := tensor.Serialize(x)
			if err != nil {
				return fmt.Errorf("serializing %q: %w", key, err)
			}
			wi.Tensors = append(wi.Tensors, s)
		}
		all = append(all, wi.Tensors...)
		req.InputMap[key] = wi
		req.Keys = append(req.Keys, key)
	}

	t.request = req
	t.mu.Lock()
	t.transfer = tensor.TransferList(all)
	t.timings.Serialization = Duration(time.Since(start))
	t.mu.Unlock()
	return nil
}

// resolveMeta fills the model descriptor when the caller gave none
func (t *Task) resolveMeta(ctx context.Context) error {
	if t.haveMeta {
		return nil
	}
	var (
		d   models.Descriptor
		err error
	)
	if t.opts.ModelName == models.CustomModelName {
		d, err = t.opts.Registry.Manifest(ctx, t.basePath(), t.opts.ModelFiles)
	} else {
		d, err = t.opts.Registry.Model(t.opts.ModelName)
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.meta, t.haveMeta = d, true
	t.mu.Unlock()
	return nil
}

func (t *Task) basePath() string {
	if t.opts.BasePath != "" {
		return t.opts.BasePath
	}
	return t.opts.Adapter.ResolveModelLibraryPath()
}

// nameTask derives the task name once, from the model type and file count
func (t *Task) nameTask(files int) {
	if t.Name != "" {
		return
	}
	kind := "Inference"
	switch t.meta.Type {
	case media.ObjectDetection:
		kind = "Object detection"
	case media.SegmentImage:
		kind = "Segmentation"
	}
	plural := "s"
	if files == 1 {
		plural = ""
	}
	t.Name = fmt.Sprintf("%s of %d file%s using %s", kind, files, plural, t.opts.ModelName)
}

// LoadModel loads the model handle through the registry cache. It is a
// no-op once loaded. In worker mode the worker owns the model and this
// call is rejected.
func (t *Task) LoadModel(ctx context.Context) error {
	t.op.Lock()
	defer t.op.Unlock()
	const op = "load_model"

	if t.opts.RunMode == RunWorker {
		return &TaskError{Op: op, State: t.State(), Err: fmt.Errorf("%w: the worker loads the model", ErrInvalidState)}
	}
	if t.State() == StateModelLoaded {
		return nil
	}
	if err := t.expect(op, StateDataLoaded); err != nil {
		return err
	}

	start := time.Now()
	var (
		h   models.Handle
		err error
	)
	switch {
	case t.opts.CustomModel != nil:
		h = t.opts.CustomModel
	case len(t.opts.ModelFiles) > 0:
		h, _, err = t.opts.Registry.LoadFiles(ctx, t.opts.Adapter, t.basePath(), t.opts.ModelFiles)
	default:
		h, err = t.opts.Registry.LoadModel(ctx, t.opts.Adapter, t.opts.BasePath, t.opts.ModelName)
	}
	if err != nil {
		return t.fail(op, err)
	}

	t.model = h
	t.mu.Lock()
	t.timings.ModelLoading = Duration(time.Since(start))
	t.state = StateModelLoaded
	t.mu.Unlock()
	return nil
}

// RunModel runs inference over every item and records the results on the
// collection. progress receives integer percentages and may be nil.
// Cancellation through ctx is checked between items.
func (t *Task) RunModel(ctx context.Context, progress func(percent int)) error {
	t.op.Lock()
	defer t.op.Unlock()
	const op = "run_model"

	if progress == nil {
		progress = func(int) {}
	}

	var err error
	if t.opts.RunMode == RunWorker {
		if err := t.expect(op, StateDataLoaded); err != nil {
			return err
		}
		t.setState(StateRunning)
		err = t.runWorker(ctx, progress)
	} else {
		if err := t.expect(op, StateModelLoaded); err != nil {
			return err
		}
		t.setState(StateRunning)
		err = t.runMain(ctx, progress)
	}
	if err != nil {
		return t.fail(op, err)
	}

	t.setState(StateInferred)
	t.logger.Info("task inference complete", "task_id", t.ID, "failed_items", len(t.ItemErrors()))
	return nil
}

func (t *Task) runMain(ctx context.Context, progress func(int)) error {
	keys := t.collection.Keys()
	if len(keys) == 0 {
		progress(100)
		return nil
	}

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("inference cancelled: %w", err)
		}
		if i > 0 && i%yieldEvery == 0 {
			runtime.Gosched()
		}

		start := time.Now()
		res := t.runItem(ctx, key)
		if err := t.collection.AddResults(key, t.opts.ModelName, res, time.Since(start)); err != nil {
			return err
		}
		progress((i + 1) * 100 / len(keys))
	}
	return nil
}

// runItem runs the model over every tensor of key. Any failure is
// recorded against the item and does not escape.
func (t *Task) runItem(ctx context.Context, key string) media.ItemResult {
	if err, bad := t.failedInputs[key]; bad {
		return t.itemFailed(key, err)
	}

	tensors := t.inputs[key]
	res := media.ItemResult{Predictions: make([]media.Prediction, 0, len(tensors))}
	for _, x := range tensors {
		p, err := models.Run(ctx, t.model, x)
		if err != nil {
			return t.itemFailed(key, err)
		}
		res.Predictions = append(res.Predictions, p)
	}
	return res
}

func (t *Task) itemFailed(key string, err error) media.ItemResult {
	t.mu.Lock()
	t.itemErrors = append(t.itemErrors, &ItemError{Key: key, Err: err})
	t.mu.Unlock()
	t.logger.Warn("item inference failed", "key", key, "error", err)
	return media.Failed(key, err)
}

func (t *Task) runWorker(ctx context.Context, progress func(int)) error {
	name := t.opts.ModelName
	if _, err := tensor.Transfer(t.request.Serialized()); err != nil {
		return err
	}
	// the cached tensors lost their buffers to the request
	t.collection.InvalidateTensors(name)

	replies, err := t.opts.Worker.Post(ctx, t.request)
	t.request = nil
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorker, err)
	}

	for resp := range replies {
		switch resp.Type {
		case worker.TypeProgress:
			progress(resp.Percent)
		case worker.TypeError:
			return fmt.Errorf("%w: %s", ErrWorker, resp.Error)
		case worker.TypeDone:
			t.mu.Lock()
			t.timings.ModelLoading = Duration(resp.ModelTiming)
			t.mu.Unlock()
			return t.replay(resp)
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inference cancelled: %w", err)
	}
	return fmt.Errorf("%w: no reply before the channel closed", ErrWorker)
}

// replay records a worker's done message on the collection
func (t *Task) replay(resp worker.Response) error {
	name := t.opts.ModelName
	for _, key := range t.collection.Keys() {
		if err, bad := t.failedInputs[key]; bad {
			if err := t.collection.AddResults(key, name, t.itemFailed(key, err), 0); err != nil {
				return err
			}
			continue
		}

		out, ok := resp.OutputMap[key]
		if !ok {
			return fmt.Errorf("%w: no output for %q", ErrWorker, key)
		}
		res, err := worker.DecodeOutput(out)
		if err != nil {
			res = media.Failed(key, err)
		}
		if res.Error {
			t.mu.Lock()
			t.itemErrors = append(t.itemErrors, &ItemError{Key: key, Err: errors.New(res.Message)})
			t.mu.Unlock()
			t.logger.Warn("item inference failed in worker", "key", key, "error", res.Message)
		}
		if err := t.collection.AddResults(key, name, res, resp.TimingMap[key]); err != nil {
			return err
		}
	}
	return nil
}
