package tensor

import (
	"fmt"
)

// Serialized is the wire form of a tensor. Buffer holds the whole backing
// block; the tensor's payload starts at ByteOffset and spans Length elements.
type Serialized struct {
	Buffer     []byte `msgpack:"buffer" json:"-"`
	ByteOffset int    `msgpack:"byte_offset" json:"byte_offset"`
	Length     int    `msgpack:"length" json:"length"`
	DType      DType  `msgpack:"dtype" json:"dtype"`
	Shape      []int  `msgpack:"shape" json:"shape"`

	// buf is the source buffer, kept until the bytes are moved by Transfer
	buf *Buffer
}

// Serialize describes t for transport without copying its payload. The
// returned value still references t's buffer; Transfer moves the bytes.
func Serialize(t *Tensor) (Serialized, error) {
	if t.released {
		return Serialized{}, ErrReleased
	}
	if t.buf.Detached() {
		return Serialized{}, ErrDetached
	}
	return Serialized{
		ByteOffset: t.offset,
		Length:     t.Len(),
		DType:      t.dtype,
		Shape:      t.Shape(),
		buf:        t.buf,
	}, nil
}

// Source returns the buffer s was serialized from, nil once transferred or
// for values decoded from the wire
func (s *Serialized) Source() *Buffer { return s.buf }

// Deserialize rebuilds a tensor over s.Buffer without copying
func Deserialize(s Serialized) (*Tensor, error) {
	if s.Buffer == nil && s.buf != nil {
		return nil, fmt.Errorf("serialized tensor has not been transferred")
	}
	if s.Length != NumElements(s.Shape) {
		return nil, fmt.Errorf("length %d does not match shape %v", s.Length, s.Shape)
	}
	return New(s.DType, s.Shape, NewBuffer(s.Buffer), s.ByteOffset)
}

// Transfer moves the bytes of every distinct source buffer into the
// serialized values. Buffers shared by several tensors are detached once
// and the same slice is handed to each. It returns the list of moved
// buffers; the sources are unusable afterwards.
func Transfer(values []*Serialized) ([][]byte, error) {
	moved := make(map[*Buffer][]byte)
	var list [][]byte
	for _, s := range values {
		if s.buf == nil {
			continue
		}
		data, ok := moved[s.buf]
		if !ok {
			var err error
			data, err = s.buf.Detach()
			if err != nil {
				return list, err
			}
			moved[s.buf] = data
			list = append(list, data)
		}
		s.Buffer = data
		s.buf = nil
	}
	return list, nil
}

// TransferList returns the distinct source buffers referenced by values
// without moving them
func TransferList(values []Serialized) []*Buffer {
	seen := make(map[*Buffer]bool)
	var list []*Buffer
	for _, s := range values {
		if s.buf == nil || seen[s.buf] {
			continue
		}
		seen[s.buf] = true
		list = append(list, s.buf)
	}
	return list
}
