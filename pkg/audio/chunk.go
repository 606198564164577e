package audio

import (
	"time"

	"github.com/google/uuid"
)

// Default pipeline constants. The engine protocol fixes the sample rate;
// chunking parameters are defaults that callers may override via
// [AssemblerConfig].
const (
	// SampleRate is the mono sample rate expected by the speech engine.
	SampleRate = 16000

	// CaptureRate is the native sample rate of the tab-capture audio device.
	CaptureRate = 48000

	// DefaultChunkDuration is the nominal duration of one transcription chunk.
	DefaultChunkDuration = 10 * time.Second

	// DefaultOverlapDuration is the amount of audio shared between consecutive
	// chunks so that words straddling a chunk boundary are not cut.
	DefaultOverlapDuration = 2 * time.Second
)

// Chunk is a contiguous window of mono 16kHz audio ready to be sent to the
// speech engine. The audio payload is already in wire form (base64 PCM16).
type Chunk struct {
	// ID uniquely identifies the chunk for result correlation. Results from
	// the engine reference this ID, not arrival order.
	ID string

	// Sequence is the per-stream monotonic sequence number. Only meaningful
	// in streaming mode; zero for batch generation chunks.
	Sequence int

	// Timestamp is the video playback time in seconds at the start of the
	// chunk, including the overlap portion.
	Timestamp float64

	// Audio is the base64-encoded little-endian PCM16 payload.
	Audio string

	// Duration is the chunk's actual duration in seconds.
	Duration float64

	// Overlap is the duration in seconds shared with the previous chunk.
	Overlap float64
}

// newChunkID returns a fresh chunk identifier.
func newChunkID() string {
	return uuid.NewString()
}
