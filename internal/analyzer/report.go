package analyzer

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
)

// Duration marshals to JSON as fractional milliseconds
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(d) / float64(time.Millisecond))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be milliseconds: %w", err)
	}
	*d = Duration(ms * float64(time.Millisecond))
	return nil
}

// Timings are the task-level stage totals
type Timings struct {
	Preprocessing  Duration `json:"preprocessing"`
	TensorCreation Duration `json:"tensor_creation"`
	Serialization  Duration `json:"serialization"`
	ModelLoading   Duration `json:"model_loading"`
	Inference      Duration `json:"inference"`
	PostProcessing Duration `json:"post_processing"`
}

// Total sums every stage
func (t Timings) Total() time.Duration {
	return time.Duration(t.Preprocessing + t.TensorCreation + t.Serialization +
		t.ModelLoading + t.Inference + t.PostProcessing)
}

// FileTimings are the stage durations of one item
type FileTimings struct {
	Preprocessing  Duration `json:"preprocessing"`
	TensorCreation Duration `json:"tensor_creation"`
	Inference      Duration `json:"inference"`
	PostProcessing Duration `json:"post_processing"`
}

// Output categories
const (
	CategoryVisualization = "visualization"
	CategoryDerivative    = "derivative"
	CategoryAnalysis      = "analysis"
)

// Output is one rendered file of an item
type Output struct {
	Type     string          `json:"type"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Metadata *media.Object   `json:"metadata,omitempty"`
	File     *media.Artifact `json:"file,omitempty"`
}

// FileReport describes one item of the collection
type FileReport struct {
	Key     string      `json:"key"`
	Type    media.Kind  `json:"type"`
	Index   int         `json:"index"`
	Input   media.File  `json:"input"`
	Timings FileTimings `json:"timings"`
	Outputs []Output    `json:"outputs"`
	Error   string      `json:"error,omitempty"`
}

// TaskInfo identifies the task in a report
type TaskInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ModelInfo identifies the model in a report
type ModelInfo struct {
	Name string            `json:"name"`
	Type media.TaskType    `json:"type"`
	Meta models.Descriptor `json:"meta"`
}

// Execution describes where and over how many files the task ran
type Execution struct {
	RunMode        RunMode `json:"run_mode"`
	Environment    string  `json:"environment"`
	TotalFiles     int     `json:"total_files"`
	FilesProcessed int     `json:"files_processed"`
}

// DetectionStats summarize an object detection task
type DetectionStats struct {
	TotalDetections          int            `json:"total_detections"`
	DetectionsByClass        map[string]int `json:"detections_by_class"`
	AverageDetectionsPerFile float64        `json:"average_detections_per_file"`
}

// SegmentationStats summarize a segmentation task
type SegmentationStats struct {
	FilesWithMasks int     `json:"files_with_masks"`
	MaskPercentage float64 `json:"mask_percentage"`
}

// Statistics holds the summary of whichever task type ran
type Statistics struct {
	*DetectionStats
	*SegmentationStats
}

// Report is the result of GenerateOutputs
type Report struct {
	Task         TaskInfo      `json:"task"`
	Model        ModelInfo     `json:"model"`
	Execution    Execution     `json:"execution"`
	Timings      Timings       `json:"timings"`
	InputOptions media.Options `json:"input_options"`
	Files        []FileReport  `json:"files"`
	Statistics   Statistics    `json:"statistics"`
}

// environment names the runtime the task executed in
func environment() string {
	return fmt.Sprintf("go/%s/%s", runtime.GOOS, runtime.GOARCH)
}

// Artifacts returns every rendered file in report order
func (r *Report) Artifacts() []media.Artifact {
	var out []media.Artifact
	for _, f := range r.Files {
		for _, o := range f.Outputs {
			if o.File != nil {
				out = append(out, *o.File)
			}
		}
	}
	return out
}

// Summary returns a copy of r whose artifacts carry no file bytes
func (r *Report) Summary() *Report {
	s := *r
	s.Files = make([]FileReport, len(r.Files))
	for i, f := range r.Files {
		f.Outputs = append([]Output(nil), f.Outputs...)
		for j, o := range f.Outputs {
			if o.File != nil {
				file := *o.File
				file.Data = nil
				f.Outputs[j].File = &file
			}
		}
		s.Files[i] = f
	}
	return &s
}

// WriteJSON writes the summary of r as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Summary()); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}
