package audio

import (
	"errors"
	"fmt"
	"time"
)

// DefaultPatternWindow is the default amount of recent audio retained for
// retroactive pattern extraction.
const DefaultPatternWindow = 60 * time.Second

// Extraction errors returned by [RollingBuffer.Extract].
var (
	// ErrOutOfRange indicates the requested range is no longer (or not yet)
	// covered by the buffer.
	ErrOutOfRange = errors.New("audio: requested range outside buffered window")

	// ErrInvalidRange indicates startTime >= endTime.
	ErrInvalidRange = errors.New("audio: start time must precede end time")
)

// RollingBuffer retains the most recent window of captured audio, tagged with
// the playback time of its newest sample, so that a time range can be pulled
// back out after the fact. Pattern learning only recognises that a span was
// interesting once it has already played; the rolling window makes the span
// recoverable.
//
// RollingBuffer is not safe for concurrent use; like [Assembler] it is owned
// by the capture frame loop.
type RollingBuffer struct {
	sampleRate int
	capacity   int
	buf        []float32
	endTime    float64 // video time of the most recent sample, in seconds
}

// NewRollingBuffer creates a buffer retaining the given window of audio.
// Zero-value arguments fall back to [DefaultPatternWindow] and [SampleRate].
func NewRollingBuffer(window time.Duration, sampleRate int) *RollingBuffer {
	if window == 0 {
		window = DefaultPatternWindow
	}
	if sampleRate == 0 {
		sampleRate = SampleRate
	}
	return &RollingBuffer{
		sampleRate: sampleRate,
		capacity:   int(window.Seconds() * float64(sampleRate)),
	}
}

// Append writes samples at the tail of the buffer, discarding the oldest
// samples first if the write would exceed capacity. The buffer's end time
// advances by len(samples)/sampleRate.
func (b *RollingBuffer) Append(samples []float32) {
	if len(samples) >= b.capacity {
		// The write alone fills the window; keep only its tail.
		b.buf = append(b.buf[:0], samples[len(samples)-b.capacity:]...)
	} else {
		if excess := len(b.buf) + len(samples) - b.capacity; excess > 0 {
			b.buf = append(b.buf[:0], b.buf[excess:]...)
		}
		b.buf = append(b.buf, samples...)
	}
	b.endTime += float64(len(samples)) / float64(b.sampleRate)
}

// EndTime returns the video time of the most recent buffered sample.
func (b *RollingBuffer) EndTime() float64 { return b.endTime }

// StartTime returns the video time of the oldest retained sample.
func (b *RollingBuffer) StartTime() float64 {
	return b.endTime - float64(len(b.buf))/float64(b.sampleRate)
}

// Extract returns the audio for [startTime, endTime) in wire form together
// with the actual duration extracted in seconds.
//
// It fails with [ErrInvalidRange] when startTime >= endTime and with
// [ErrOutOfRange] when the range reaches before the oldest retained sample
// (already evicted) or past the newest one (not yet played).
func (b *RollingBuffer) Extract(startTime, endTime float64) (string, float64, error) {
	if startTime >= endTime {
		return "", 0, fmt.Errorf("%w: [%.2f, %.2f)", ErrInvalidRange, startTime, endTime)
	}
	if startTime < b.StartTime() || endTime > b.endTime {
		return "", 0, fmt.Errorf("%w: [%.2f, %.2f) vs buffered [%.2f, %.2f]",
			ErrOutOfRange, startTime, endTime, b.StartTime(), b.endTime)
	}

	lo := int((startTime - b.StartTime()) * float64(b.sampleRate))
	hi := int((endTime - b.StartTime()) * float64(b.sampleRate))
	if lo < 0 {
		lo = 0
	}
	if hi > len(b.buf) {
		hi = len(b.buf)
	}

	window := b.buf[lo:hi]
	duration := float64(len(window)) / float64(b.sampleRate)
	return EncodeWire(window), duration, nil
}

// AlignTo empties the buffer and restarts the time mapping at videoTime.
// Used on seek, where retained audio is no longer contiguous with playback
// and the time mapping would be wrong for everything captured next.
func (b *RollingBuffer) AlignTo(videoTime float64) {
	b.buf = b.buf[:0]
	b.endTime = videoTime
}

// SyncTo retags the newest buffered sample as videoTime, keeping the samples.
// Used for drift correction: the retained audio is still contiguous with
// playback, only its time labels have wandered, so the whole window shifts.
func (b *RollingBuffer) SyncTo(videoTime float64) {
	b.endTime = videoTime
}

// Clear resets the buffer to empty and rewinds the end time to zero. Used
// when the tracked video itself resets (e.g. navigation).
func (b *RollingBuffer) Clear() {
	b.buf = b.buf[:0]
	b.endTime = 0
}
