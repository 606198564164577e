package audio

import (
	"fmt"
	"time"
)

// Assembler accumulates resampled samples and emits fixed-duration chunks
// that overlap by a configurable amount. After emitting a chunk, the trailing
// overlap portion stays in the buffer and opens the next chunk, so words
// spoken across a chunk boundary appear in full in at least one chunk.
//
// Assembler is not safe for concurrent use; in the capture pipeline it is
// owned exclusively by the frame-processing loop.
type Assembler struct {
	sampleRate int
	chunkLen   int // samples per emitted chunk
	keepLen    int // samples retained after emission (the overlap tail)
	overlap    time.Duration
	buf        []float32
}

// AssemblerConfig configures an [Assembler]. Zero-value fields fall back to
// the package defaults.
type AssemblerConfig struct {
	// SampleRate of the pushed samples. Default: [SampleRate].
	SampleRate int

	// ChunkDuration is the nominal duration of an emitted chunk.
	// Default: [DefaultChunkDuration].
	ChunkDuration time.Duration

	// OverlapDuration is the duration retained across emissions. Must be
	// strictly less than ChunkDuration. Default: [DefaultOverlapDuration].
	OverlapDuration time.Duration
}

// NewAssembler creates an Assembler. It returns an error if the overlap is
// not strictly smaller than the chunk duration.
func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = SampleRate
	}
	if cfg.ChunkDuration == 0 {
		cfg.ChunkDuration = DefaultChunkDuration
	}
	if cfg.OverlapDuration == 0 {
		cfg.OverlapDuration = DefaultOverlapDuration
	}
	if cfg.OverlapDuration >= cfg.ChunkDuration {
		return nil, fmt.Errorf("audio: overlap %v must be less than chunk duration %v", cfg.OverlapDuration, cfg.ChunkDuration)
	}

	chunkLen := int(cfg.ChunkDuration.Seconds() * float64(cfg.SampleRate))
	keepLen := int(cfg.OverlapDuration.Seconds() * float64(cfg.SampleRate))
	return &Assembler{
		sampleRate: cfg.SampleRate,
		chunkLen:   chunkLen,
		keepLen:    keepLen,
		overlap:    cfg.OverlapDuration,
	}, nil
}

// Push appends samples to the internal buffer.
func (a *Assembler) Push(samples []float32) {
	a.buf = append(a.buf, samples...)
}

// BufferedDuration returns the duration of audio currently buffered.
func (a *Assembler) BufferedDuration() time.Duration {
	return time.Duration(float64(len(a.buf)) / float64(a.sampleRate) * float64(time.Second))
}

// TryEmit returns a chunk when at least one full chunk duration is buffered.
// The emitted window covers the first chunk-duration of the buffer; only the
// non-overlapping prefix is removed, leaving the overlap tail (plus any
// excess past the chunk boundary) for the next chunk.
//
// The returned chunk carries a fresh ID, the encoded payload, and its
// duration/overlap; the caller stamps Timestamp and Sequence, which are
// stream-level concerns.
func (a *Assembler) TryEmit() (Chunk, bool) {
	if len(a.buf) < a.chunkLen {
		return Chunk{}, false
	}

	window := a.buf[:a.chunkLen]
	chunk := Chunk{
		ID:       newChunkID(),
		Audio:    EncodeWire(window),
		Duration: float64(a.chunkLen) / float64(a.sampleRate),
		Overlap:  a.overlap.Seconds(),
	}

	// Drop only the non-overlapping prefix. Copy the remainder to a fresh
	// slice so the emitted window cannot alias future pushes.
	advance := a.chunkLen - a.keepLen
	rest := make([]float32, len(a.buf)-advance)
	copy(rest, a.buf[advance:])
	a.buf = rest

	return chunk, true
}

// Reset discards all buffered samples. Used on seek, where pre-seek audio is
// no longer contiguous with what follows.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
}
