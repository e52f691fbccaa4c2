package media

import "errors"

var (
	// ErrConfiguration is returned for a missing adapter, model or worker
	ErrConfiguration = errors.New("configuration error")

	// ErrDecode is returned when media bytes cannot be decoded
	ErrDecode = errors.New("decode error")

	// ErrUnsupportedKind is returned when an input's kind cannot be detected
	// or handled
	ErrUnsupportedKind = errors.New("unsupported media kind")

	// ErrShapeMismatch is returned when predictions do not line up with inputs
	ErrShapeMismatch = errors.New("shape mismatch")
)
