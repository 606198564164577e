// Package capture runs the audio side of a transcription run: captured
// frames come in at the capture rate, get resampled to the engine rate, and
// flow into both the chunk assembler (feeding the engine) and the rolling
// pattern buffer (feeding retroactive pattern extraction).
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tabscribe/pkg/audio"
)

// ErrCaptureUnavailable indicates the capture pipeline could not be started,
// typically because the tab's audio is not capturable.
var ErrCaptureUnavailable = errors.New("capture: tab audio unavailable")

// ChunkSink consumes assembled chunks. Implemented by the session layer.
type ChunkSink interface {
	HandleChunk(ctx context.Context, chunk audio.Chunk) error
}

// ChunkSinkFunc adapts a function to [ChunkSink].
type ChunkSinkFunc func(ctx context.Context, chunk audio.Chunk) error

// HandleChunk implements [ChunkSink].
func (f ChunkSinkFunc) HandleChunk(ctx context.Context, chunk audio.Chunk) error {
	return f(ctx, chunk)
}

// Config configures a [Controller]. Zero-value fields fall back to the
// package defaults of pkg/audio.
type Config struct {
	// Sink receives assembled chunks. Required.
	Sink ChunkSink

	// SourceRate is the rate of pushed frames. Default: [audio.CaptureRate].
	SourceRate int

	// TargetRate is the engine's rate. Default: [audio.SampleRate].
	TargetRate int

	// ChunkDuration and OverlapDuration shape emitted chunks.
	ChunkDuration   time.Duration
	OverlapDuration time.Duration

	// PatternWindow is how much recent audio stays extractable.
	PatternWindow time.Duration
}

// Controller owns the capture pipeline for one tab. Frames are pushed from
// the transport reading captured audio; the controller serialises all state
// behind a mutex, so the assembler and rolling buffer need no locking of
// their own. While paused, pushed frames are dropped, not buffered: paused
// playback produces no audio worth keeping.
type Controller struct {
	cfg  Config
	sink ChunkSink

	mu        sync.Mutex
	assembler *audio.Assembler
	rolling   *audio.RollingBuffer
	running   bool
	paused    bool
}

// NewController validates the configuration and builds the pipeline.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%w: no chunk sink", ErrCaptureUnavailable)
	}
	if cfg.SourceRate == 0 {
		cfg.SourceRate = audio.CaptureRate
	}
	if cfg.TargetRate == 0 {
		cfg.TargetRate = audio.SampleRate
	}
	if cfg.SourceRate <= 0 || cfg.TargetRate <= 0 {
		return nil, fmt.Errorf("%w: invalid rates %d -> %d", ErrCaptureUnavailable, cfg.SourceRate, cfg.TargetRate)
	}

	asm, err := audio.NewAssembler(audio.AssemblerConfig{
		SampleRate:      cfg.TargetRate,
		ChunkDuration:   cfg.ChunkDuration,
		OverlapDuration: cfg.OverlapDuration,
	})
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:       cfg,
		sink:      cfg.Sink,
		assembler: asm,
		rolling:   audio.NewRollingBuffer(cfg.PatternWindow, cfg.TargetRate),
	}, nil
}

// Start marks the pipeline live and aligns the pattern buffer to the current
// playback position, so mid-video starts map captured audio to real video
// times from the first frame. Frames pushed before Start are dropped.
func (c *Controller) Start(videoTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.paused = false
	c.rolling.AlignTo(videoTime)
}

// Pause suppresses frame intake until [Resume].
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume re-enables frame intake.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Reset discards partially assembled audio and realigns the pattern buffer,
// for playback discontinuities. videoTime is the position playback jumped to.
func (c *Controller) Reset(videoTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assembler.Reset()
	c.rolling.AlignTo(videoTime)
}

// SyncTime corrects the pattern buffer's time mapping against the player's
// reported position. Buffered audio is kept; only its labels shift.
func (c *Controller) SyncTime(videoTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolling.SyncTo(videoTime)
}

// Stop shuts the pipeline down. Subsequent frames are dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.assembler.Reset()
	c.rolling.Clear()
}

// PushFrame feeds one captured frame through the pipeline: resample, retain
// for pattern extraction, assemble, and hand any completed chunks to the
// sink. Chunk delivery happens under the sink's backpressure, so a stalled
// engine propagates all the way back to the frame producer.
func (c *Controller) PushFrame(ctx context.Context, frame []float32) error {
	c.mu.Lock()
	if !c.running || c.paused {
		c.mu.Unlock()
		return nil
	}

	resampled := audio.Resample(frame, c.cfg.SourceRate, c.cfg.TargetRate)
	c.rolling.Append(resampled)
	c.assembler.Push(resampled)

	var chunks []audio.Chunk
	for {
		chunk, ok := c.assembler.TryEmit()
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		if err := c.sink.HandleChunk(ctx, chunk); err != nil {
			return fmt.Errorf("capture: deliver chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

// ExtractPattern pulls the audio for a video-time range out of the rolling
// buffer in wire form, with the actual extracted duration.
func (c *Controller) ExtractPattern(startTime, endTime float64) (string, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rolling.Extract(startTime, endTime)
}

// BufferedWindow reports the video-time range currently extractable.
func (c *Controller) BufferedWindow() (startTime, endTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rolling.StartTime(), c.rolling.EndTime()
}
