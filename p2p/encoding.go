package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameLength bounds a frame when no explicit limit is configured.
	DefaultMaxFrameLength = 8 * 1024 * 1024
	frameHeaderSize       = 4
)

// LengthDelimitedCodec frames payloads with a 4 byte big-endian length prefix.
//
// Fields:
//   - MaxFrameLength: Largest payload accepted on Encode and Decode. Zero or less means DefaultMaxFrameLength.
type LengthDelimitedCodec struct {
	MaxFrameLength int
}

// NewLengthDelimitedCodec returns a codec bound to the given frame limit.
func NewLengthDelimitedCodec(maxFrameLength int) LengthDelimitedCodec {
	return LengthDelimitedCodec{MaxFrameLength: maxFrameLength}
}

func (c LengthDelimitedCodec) limit() int {
	if c.MaxFrameLength <= 0 {
		return DefaultMaxFrameLength
	}
	return c.MaxFrameLength
}

// Encode writes one frame with a single Write call so concurrent writers guarded by
// one lock never interleave partial frames.
func (c LengthDelimitedCodec) Encode(w io.Writer, payload []byte) error {
	if len(payload) > c.limit() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.limit())
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// Decode reads the next frame. Every call returns a freshly allocated payload.
func (c LengthDelimitedCodec) Decode(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(c.limit()) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.limit())
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeProtocolHeader(w io.Writer, id ProtocolID) error {
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(id))
	_, err := w.Write(header[:])
	return err
}

func readProtocolHeader(r io.Reader) (ProtocolID, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	return ProtocolID(binary.BigEndian.Uint16(header[:])), nil
}
