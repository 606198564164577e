// Package bridge speaks the native-messaging protocol between tabscribe and
// the external speech engine process: each frame is a 4-byte little-endian
// length prefix followed by a UTF-8 JSON document.
//
// The package provides three layers: byte framing ([ReadFrame]/[WriteFrame]),
// a tagged message vocabulary ([Outbound]/[Inbound] with exhaustive decoding),
// and a [Transport] that owns a spawned engine process and turns its stdout
// into a stream of decoded messages.
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the sanity cap on a single frame's JSON payload. Frames
// larger than this indicate a corrupted stream or a misbehaving engine.
const MaxFrameSize = 1 << 20

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("bridge: frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("bridge: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("bridge: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It returns io.EOF
// unwrapped when the stream ends cleanly at a frame boundary, so callers can
// distinguish engine shutdown from corruption.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("bridge: read frame header: %w", err)
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("bridge: frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("bridge: read frame payload: %w", err)
	}
	return payload, nil
}
