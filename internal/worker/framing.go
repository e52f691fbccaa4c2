package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single message on the wire
const maxFrameSize = 1 << 30

// WriteFrame writes v as a 4-byte big-endian length followed by its
// msgpack encoding
func WriteFrame(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(data)))
	if _, err := w.Write(lengthPrefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack frame into v. It returns
// io.EOF when the stream ends cleanly between frames.
func ReadFrame(r io.Reader, v any) error {
	lengthPrefix := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthPrefix); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lengthPrefix)
	if n > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack frame: %w", err)
	}
	return nil
}
