package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/tensor"
)

// Handler executes run_inference requests on the worker side. Its registry
// keeps a model cache private to this worker.
type Handler struct {
	Registry *models.Registry
	Adapter  media.Adapter
	Logger   *slog.Logger
}

// NewHandler returns a handler with its own model cache
func NewHandler(adapter media.Adapter, opts models.RegistryOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Cache = models.NewCache()
	return &Handler{
		Registry: models.NewRegistry(opts),
		Adapter:  adapter,
		Logger:   opts.Logger,
	}
}

// Handle runs req and reports through emit: progress after each item,
// then exactly one done or error message. A failing item becomes an error
// entry in the done message; only failures that stop the whole run (bad
// request, model load, cancellation) produce an error message.
func (h *Handler) Handle(ctx context.Context, req *Request, emit func(*Response) error) error {
	if err := req.Validate(); err != nil {
		return emit(Failure(fmt.Errorf("invalid request: %w", err)))
	}

	start := time.Now()
	model, err := h.load(ctx, req)
	if err != nil {
		h.Logger.Error("worker failed to load model", "model", req.ModelName, "error", err)
		return emit(Failure(err))
	}
	modelTiming := time.Since(start)

	done := &Response{
		Version:     SchemaVersion,
		Type:        TypeDone,
		OutputMap:   make(map[string]ItemOutput, len(req.Keys)),
		TimingMap:   make(map[string]time.Duration, len(req.Keys)),
		ModelTiming: modelTiming,
	}

	for i, key := range req.Keys {
		if err := ctx.Err(); err != nil {
			return emit(Failure(fmt.Errorf("inference cancelled: %w", err)))
		}

		itemStart := time.Now()
		res := h.runItem(ctx, key, req.InputMap[key], model)
		out, err := EncodeResult(res)
		if err != nil {
			out = ItemOutput{Error: true, Message: err.Error(), Key: key}
		}
		done.OutputMap[key] = out
		done.TimingMap[key] = time.Since(itemStart)

		if err := emit(Progress((i + 1) * 100 / len(req.Keys))); err != nil {
			return err
		}
	}

	return emit(done)
}

func (h *Handler) load(ctx context.Context, req *Request) (models.Handle, error) {
	if len(req.ModelFiles) > 0 {
		m, _, err := h.Registry.LoadFiles(ctx, h.Adapter, req.BasePath, req.ModelFiles)
		return m, err
	}
	return h.Registry.LoadModel(ctx, h.Adapter, req.BasePath, req.ModelName)
}

func (h *Handler) runItem(ctx context.Context, key string, item WireItem, model models.Handle) media.ItemResult {
	res := media.ItemResult{Predictions: make([]media.Prediction, 0, len(item.Tensors))}
	for _, s := range item.Tensors {
		t, err := tensor.Deserialize(s)
		if err != nil {
			return media.Failed(key, err)
		}
		p, err := models.Run(ctx, model, t)
		if err != nil {
			h.Logger.Warn("item inference failed", "key", key, "error", err)
			return media.Failed(key, err)
		}
		res.Predictions = append(res.Predictions, p)
	}
	return res
}
