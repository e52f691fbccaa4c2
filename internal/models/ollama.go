package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/tensor"
)

// OllamaConfig locates the Ollama server
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Port    int    `yaml:"port"`
}

// DefaultOllamaConfig points at a local Ollama
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{BaseURL: "http://localhost", Port: 11434}
}

const detectionSystemPrompt = "You are an object detection assistant. " +
	"You answer only with a JSON array. Each element has the fields " +
	`"class" (string), "score" (number between 0 and 1) and "bbox" ` +
	"([x, y, width, height] in pixels from the top-left corner)."

const detectionPrompt = "List every distinct object visible in this image as JSON."

// OllamaDetector asks a vision language model to detect objects
type OllamaDetector struct {
	agent   *agent.DefaultAgent
	adapter media.Adapter
	logger  *slog.Logger
}

// NewOllamaDetector initializes a vision agent for modelID. The adapter
// encodes input tensors as images for the model.
func NewOllamaDetector(ctx context.Context, cfg OllamaConfig, modelID string, adapter media.Adapter, logger *slog.Logger) (*OllamaDetector, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: ollama detector requires an adapter", media.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Check if Ollama is running
	if err := pingOllama(ctx, cfg); err != nil {
		return nil, err
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{ID: modelID})

	a := agent.NewAgent(&agent.NewAgentConfig{
		Provider:     provider,
		Logger:       logger,
		SystemPrompt: detectionSystemPrompt,
	})

	return &OllamaDetector{agent: a, adapter: adapter, logger: logger}, nil
}

func pingOllama(ctx context.Context, cfg OllamaConfig) error {
	url := fmt.Sprintf("%s:%d/api/tags", cfg.BaseURL, cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama is not reachable at %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned %s from %s", resp.Status, url)
	}
	return nil
}

// Detect renders the tensor as PNG and asks the model for detections
func (d *OllamaDetector) Detect(ctx context.Context, input *tensor.Tensor) ([]media.Detection, error) {
	png, err := d.adapter.TensorToBlob(input)
	if err != nil {
		return nil, fmt.Errorf("encoding input image: %w", err)
	}

	f, err := os.CreateTemp("", "detect-*.png")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(png); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	response := d.agent.Run(
		ctx,
		agent.WithInput(detectionPrompt),
		agent.WithImagePath(f.Name()),
	)
	if response.Err != nil {
		return nil, response.Err
	}
	if len(response.Messages) == 0 {
		return nil, fmt.Errorf("no response messages received from model")
	}

	content := response.Messages[len(response.Messages)-1].Content
	d.logger.Debug("vision model response", "content", content)
	return ParseDetections(content)
}

// ParseDetections extracts the JSON array of detections from a model reply.
// Text around the array, such as a markdown fence, is ignored.
func ParseDetections(content string) ([]media.Detection, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in model response")
	}

	var raw []struct {
		Class string    `json:"class"`
		Score float64   `json:"score"`
		BBox  []float64 `json:"bbox"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decoding detections: %w", err)
	}

	dets := make([]media.Detection, 0, len(raw))
	for _, r := range raw {
		if len(r.BBox) < 4 {
			continue
		}
		dets = append(dets, media.Detection{
			BBox:  [4]float64{r.BBox[0], r.BBox[1], r.BBox[2], r.BBox[3]},
			Class: r.Class,
			Score: r.Score,
		})
	}
	return dets, nil
}
