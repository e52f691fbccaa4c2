package media

import (
	"context"

	"github.com/bdougie/vision/internal/tensor"
)

// Adapter is the environment boundary: everything that touches codecs,
// the filesystem or external tools sits behind it.
type Adapter interface {
	// DetectType classifies f. ok is false when the kind is unknown.
	DetectType(f File) (kind Kind, ok bool)

	// FileName returns a stable display name for f
	FileName(f File) string

	// ProcessFile decomposes f into atomic inputs, preserving order
	ProcessFile(ctx context.Context, f File, opts Options) ([]File, error)

	// DecodeToTensor turns atomic inputs into tensors, one per input
	DecodeToTensor(ctx context.Context, inputs []File, kind Kind, opts Options) ([]*tensor.Tensor, error)

	// GenerateInferenceOutput renders one output kind for one item
	GenerateInferenceOutput(ctx context.Context, req RenderRequest) (*Rendered, error)

	// TensorToBlob encodes an image-shaped tensor as PNG
	TensorToBlob(t *tensor.Tensor) ([]byte, error)

	// ResolveModelLibraryPath returns the base location of model files
	ResolveModelLibraryPath() string
}
