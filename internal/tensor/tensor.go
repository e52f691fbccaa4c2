package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// DType is the element type of a tensor
type DType string

const (
	Float32 DType = "float32"
	Int32   DType = "int32"
	Bool    DType = "bool"
)

var (
	// ErrReleased is returned when a released tensor is read
	ErrReleased = errors.New("tensor released")

	// ErrDetached is returned when the tensor's buffer was transferred away
	ErrDetached = errors.New("tensor buffer detached")
)

// Size returns the byte width of one element
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Bool:
		return 1
	default:
		return 0
	}
}

// Valid reports whether d is one of the supported element types
func (d DType) Valid() bool {
	return d.Size() > 0
}

// Buffer is an owned block of little-endian element data. Several tensors
// may view the same buffer. Once detached the buffer is empty and every
// tensor viewing it fails with ErrDetached.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	detached bool
}

// NewBuffer wraps data without copying it
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the byte length, zero once detached
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Detached reports whether ownership of the bytes moved elsewhere
func (b *Buffer) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// Detach moves the bytes out of the buffer. The caller becomes the sole
// owner; the buffer is unusable afterwards.
func (b *Buffer) Detach() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	data := b.data
	b.data = nil
	b.detached = true
	return data, nil
}

func (b *Buffer) bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	return b.data, nil
}

// Tensor is a typed n-dimensional array stored as a view over a Buffer
type Tensor struct {
	dtype    DType
	shape    []int
	buf      *Buffer
	offset   int
	released bool
}

// New creates a tensor viewing buf starting at byteOffset
func New(dtype DType, shape []int, buf *Buffer, byteOffset int) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
	}
	if buf == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	need := byteOffset + NumElements(shape)*dtype.Size()
	if byteOffset < 0 || need > buf.Len() {
		return nil, fmt.Errorf("buffer of %d bytes too small for %v %s at offset %d", buf.Len(), shape, dtype, byteOffset)
	}
	return &Tensor{
		dtype:  dtype,
		shape:  append([]int(nil), shape...),
		buf:    buf,
		offset: byteOffset,
	}, nil
}

// FromFloat32 builds a float32 tensor owning a fresh buffer
func FromFloat32(shape []int, values []float32) (*Tensor, error) {
	if len(values) != NumElements(shape) {
		return nil, fmt.Errorf("%d values do not fill shape %v", len(values), shape)
	}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return New(Float32, shape, NewBuffer(data), 0)
}

// FromInt32 builds an int32 tensor owning a fresh buffer
func FromInt32(shape []int, values []int32) (*Tensor, error) {
	if len(values) != NumElements(shape) {
		return nil, fmt.Errorf("%d values do not fill shape %v", len(values), shape)
	}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return New(Int32, shape, NewBuffer(data), 0)
}

// FromBool builds a bool tensor owning a fresh buffer
func FromBool(shape []int, values []bool) (*Tensor, error) {
	if len(values) != NumElements(shape) {
		return nil, fmt.Errorf("%d values do not fill shape %v", len(values), shape)
	}
	data := make([]byte, len(values))
	for i, v := range values {
		if v {
			data[i] = 1
		}
	}
	return New(Bool, shape, NewBuffer(data), 0)
}

// NumElements is the product of the dimensions of shape
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the tensor's dimensions
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the element count
func (t *Tensor) Len() int { return NumElements(t.shape) }

// ByteLen returns the size of the tensor's payload in bytes
func (t *Tensor) ByteLen() int { return t.Len() * t.dtype.Size() }

// Buffer returns the buffer this tensor views
func (t *Tensor) Buffer() *Buffer { return t.buf }

// ByteOffset returns where the payload starts inside Buffer
func (t *Tensor) ByteOffset() int { return t.offset }

// Bytes returns the raw little-endian payload without copying
func (t *Tensor) Bytes() ([]byte, error) {
	if t.released {
		return nil, ErrReleased
	}
	data, err := t.buf.bytes()
	if err != nil {
		return nil, err
	}
	return data[t.offset : t.offset+t.ByteLen()], nil
}

// Float32s returns the elements converted to float32. Bools map to 0 or 1.
func (t *Tensor) Float32s() ([]float32, error) {
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]float32, t.Len())
	switch t.dtype {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case Int32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case Bool:
		for i := range out {
			if data[i] != 0 {
				out[i] = 1
			}
		}
	}
	return out, nil
}

// Int32s returns the elements of an int32 tensor
func (t *Tensor) Int32s() ([]int32, error) {
	if t.dtype != Int32 {
		return nil, fmt.Errorf("tensor is %s, not int32", t.dtype)
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]int32, t.Len())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// Bools returns the elements of a bool tensor
func (t *Tensor) Bools() ([]bool, error) {
	if t.dtype != Bool {
		return nil, fmt.Errorf("tensor is %s, not bool", t.dtype)
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]bool, t.Len())
	for i := range out {
		out[i] = data[i] != 0
	}
	return out, nil
}

// Reshape returns a tensor over the same buffer with a new shape
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if NumElements(shape) != t.Len() {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.shape, shape)
	}
	return New(t.dtype, shape, t.buf, t.offset)
}

// Release drops the tensor's reference to its buffer. Further reads fail.
func (t *Tensor) Release() {
	t.released = true
	t.buf = NewBuffer(nil)
}

// Released reports whether Release was called
func (t *Tensor) Released() bool { return t.released }

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %v)", t.dtype, t.shape)
}
