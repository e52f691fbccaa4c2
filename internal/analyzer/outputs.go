package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdougie/vision/internal/media"
)

// renderable reports whether outputs can be drawn for an item kind
func renderable(k media.Kind) bool {
	return k == media.KindImage || k == media.KindVideo || k == media.KindTIFF
}

// GenerateOutputs renders every output kind of the model's task type for
// each item, records the artifacts on the collection and returns the
// report. It requires a completed RunModel.
func (t *Task) GenerateOutputs(ctx context.Context) (*Report, error) {
	t.op.Lock()
	defer t.op.Unlock()
	const op = "generate_outputs"

	if err := t.expect(op, StateInferred); err != nil {
		return nil, err
	}
	start := time.Now()
	c := t.collection
	meta := t.Model()

	kinds := media.OutputKinds(meta.Type)
	if kinds == nil {
		return nil, t.fail(op, fmt.Errorf("%w: unsupported task type %q", media.ErrConfiguration, meta.Type))
	}

	report := &Report{
		Task: TaskInfo{
			ID:        t.ID,
			Name:      t.Name,
			Status:    "completed",
			CreatedAt: t.CreatedAt,
		},
		Model: ModelInfo{Name: t.opts.ModelName, Type: meta.Type, Meta: meta},
		Execution: Execution{
			RunMode:     t.opts.RunMode,
			Environment: environment(),
			TotalFiles:  c.Len(),
		},
		InputOptions: c.Options(),
		Files:        make([]FileReport, 0, c.Len()),
	}

	var (
		totals = Timings{}
		dets   = &DetectionStats{DetectionsByClass: make(map[string]int)}
		segs   = &SegmentationStats{}
	)
	for index, key := range c.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, t.fail(op, err)
		}
		item, _ := c.Item(key)
		res, inference, ok := c.Results(key, t.opts.ModelName)

		totals.Preprocessing += Duration(item.Timings.Preprocessing)
		totals.TensorCreation += Duration(item.Timings.TensorCreation)
		totals.Inference += Duration(inference)

		fileStart := time.Now()
		fr := FileReport{
			Key:   key,
			Type:  item.Kind,
			Index: index,
			Input: item.Raw,
			Timings: FileTimings{
				Preprocessing:  Duration(item.Timings.Preprocessing),
				TensorCreation: Duration(item.Timings.TensorCreation),
				Inference:      Duration(inference),
			},
			Outputs: []Output{},
		}
		switch {
		case !ok:
			fr.Error = "no results recorded"
		case res.Error:
			fr.Error = res.Message
		case renderable(item.Kind):
			for _, kind := range kinds {
				outs, err := t.render(ctx, item, res, kind)
				if err != nil {
					return nil, t.fail(op, &ItemError{Key: key, Err: err})
				}
				fr.Outputs = append(fr.Outputs, outs...)
			}
			countStats(meta.Type, res, fr.Outputs, dets, segs)
			report.Execution.FilesProcessed++
		}
		fr.Timings.PostProcessing = Duration(time.Since(fileStart))
		report.Files = append(report.Files, fr)
	}

	processed := float64(report.Execution.FilesProcessed)
	switch meta.Type {
	case media.ObjectDetection:
		if processed > 0 {
			dets.AverageDetectionsPerFile = round2(float64(dets.TotalDetections) / processed)
		}
		report.Statistics.DetectionStats = dets
	case media.SegmentImage:
		if processed > 0 {
			segs.MaskPercentage = round2(float64(segs.FilesWithMasks) / processed * 100)
		}
		report.Statistics.SegmentationStats = segs
	}

	t.mu.Lock()
	t.timings.Preprocessing = totals.Preprocessing
	t.timings.TensorCreation = totals.TensorCreation
	t.timings.Inference = totals.Inference
	t.timings.PostProcessing = Duration(time.Since(start))
	t.completedAt = time.Now()
	t.state = StateOutputsGenerated
	report.Timings = t.timings
	report.Task.CompletedAt = t.completedAt
	t.mu.Unlock()

	t.logger.Info("task outputs generated", "task_id", t.ID, "files_processed", report.Execution.FilesProcessed)
	return report, nil
}

// render draws one output kind for item and records the files as derived
// artifacts
func (t *Task) render(ctx context.Context, item *media.Item, res media.ItemResult, kind media.OutputKind) ([]Output, error) {
	c := t.collection
	base := strings.TrimSuffix(item.Key, filepath.Ext(item.Key))
	r, err := c.Adapter().GenerateInferenceOutput(ctx, media.RenderRequest{
		Output:      kind,
		Inputs:      item.Inputs,
		Predictions: res.Predictions,
		Options:     c.Options(),
		InputKind:   item.Kind,
		Name:        base,
	})
	if err != nil {
		return nil, err
	}

	var outs []Output
	switch kind {
	case media.OutputBoundingBoxes:
		outs = artifactOutputs(r.Artifacts(), "bbox_image", CategoryVisualization)
	case media.OutputCropObjects:
		for i, crops := range r.PerInput {
			detections := res.Predictions[i].Detections
			for j, a := range crops {
				o := artifactOutputs([]media.Artifact{a}, "crop", CategoryDerivative)[0]
				if j < len(detections) {
					d := detections[j]
					o.Metadata = &d
				}
				outs = append(outs, o)
			}
		}
	case media.OutputObjects:
		objects := []media.Object{}
		for _, perInput := range r.Objects {
			objects = append(objects, perInput...)
		}
		data, err := json.Marshal(objects)
		if err != nil {
			return nil, fmt.Errorf("failed to encode objects: %w", err)
		}
		a := media.Artifact{Name: base + "_objects.json", MIMEType: "application/json", Data: data}
		outs = artifactOutputs([]media.Artifact{a}, "objects", CategoryAnalysis)
	case media.OutputMask:
		outs = artifactOutputs(r.Artifacts(), "mask", CategoryDerivative)
	case media.OutputOverlay:
		outs = artifactOutputs(r.Artifacts(), "overlay", CategoryVisualization)
	default:
		return nil, fmt.Errorf("unknown output kind %v", kind)
	}

	for _, o := range outs {
		if err := c.AddDerived(item.Key, t.opts.ModelName, kind.String(), *o.File); err != nil {
			return nil, err
		}
	}
	return outs, nil
}

func artifactOutputs(artifacts []media.Artifact, typ, category string) []Output {
	outs := make([]Output, 0, len(artifacts))
	for _, a := range artifacts {
		outs = append(outs, Output{Type: typ, Name: a.Name, Category: category, File: &a})
	}
	return outs
}

func countStats(typ media.TaskType, res media.ItemResult, outs []Output, dets *DetectionStats, segs *SegmentationStats) {
	switch typ {
	case media.ObjectDetection:
		for _, p := range res.Predictions {
			for _, d := range p.Detections {
				dets.TotalDetections++
				class := d.Class
				if class == "" {
					class = "unknown"
				}
				dets.DetectionsByClass[class]++
			}
		}
	case media.SegmentImage:
		for _, o := range outs {
			if o.Type == "mask" {
				segs.FilesWithMasks++
				return
			}
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
