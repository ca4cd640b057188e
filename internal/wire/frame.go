package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// WriteFrame writes a length-prefixed JSON frame to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Single write so concurrent writers guarded by one mutex never interleave
	// a prefix with another frame's payload.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ErrMalformedFrame is returned by ReadFrame when a complete frame was read
// but its payload did not decode. The stream is still in sync.
var ErrMalformedFrame = errors.New("malformed frame")

// ReadFrame reads a length-prefixed JSON frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return nil
}
