package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tabscribe/internal/bridge"
	"tabscribe/pkg/audio"
)

// GenerationConfig configures a [GenerationSession].
type GenerationConfig struct {
	// Transport is the engine connection. Required, already connected.
	Transport bridge.Transport

	Engine   string
	Model    string
	Device   string
	Language string

	KeepAliveInterval time.Duration
	ReadyTimeout      time.Duration
	MaxInflight       int

	// StartTime is the playback position the run begins at, in seconds.
	StartTime float64

	// Events optionally mirrors per-chunk results as they arrive, for
	// progress reporting. The collected result is returned by [Result].
	Events Events
}

func (c *GenerationConfig) withDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.Events == nil {
		c.Events = NopEvents{}
	}
}

// GenerationResult is the outcome of a whole-video transcription run.
// Success requires at least one collected segment and no engine error during
// the run; a disconnect is how every run completes, not a failure by itself.
type GenerationResult struct {
	Success  bool
	Segments []bridge.Segment
	Chunks   int
	Err      string
}

// GenerationSession transcribes a whole video in batch mode. Chunks carry
// absolute video timestamps, the engine returns per-chunk segment lists, and
// the session accumulates them until the run ends with [Stop] or an engine
// disconnect. Results are correlated by chunk id, so out-of-order engine
// replies land at the right position.
type GenerationSession struct {
	cfg       GenerationConfig
	transport bridge.Transport
	lease     *lease
	events    Events

	inflight chan struct{}
	readyCh  chan struct{}
	doneCh   chan struct{}

	mu        sync.Mutex
	state     State
	videoTime float64
	segments  []bridge.Segment
	chunks    int
	errMsg    string
	result    GenerationResult

	stopOnce sync.Once
}

// StartGeneration connects a batch session, mirroring [StartLive] but with
// streaming mode off.
func StartGeneration(ctx context.Context, cfg GenerationConfig) (*GenerationSession, error) {
	cfg.withDefaults()

	s := &GenerationSession{
		cfg:       cfg,
		transport: cfg.Transport,
		events:    cfg.Events,
		inflight:  make(chan struct{}, cfg.MaxInflight),
		readyCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		state:     StateConnecting,
		videoTime: cfg.StartTime,
	}
	s.lease = newLease(cfg.Transport, cfg.KeepAliveInterval)
	go s.dispatch()

	init := bridge.Init{
		Engine:        cfg.Engine,
		Model:         cfg.Model,
		Device:        cfg.Device,
		Language:      cfg.Language,
		StreamingMode: false,
	}
	s.setState(StateAwaitingReady)
	if err := s.transport.Send(init); err != nil {
		s.lease.Stop()
		_ = s.transport.Close()
		return nil, fmt.Errorf("session: init: %w", err)
	}

	timer := time.NewTimer(cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-s.readyCh:
		return s, nil
	case <-timer.C:
		err := ErrNotReady
		s.lease.Stop()
		_ = s.transport.Close()
		return nil, err
	case <-ctx.Done():
		s.lease.Stop()
		_ = s.transport.Close()
		return nil, ctx.Err()
	case <-s.transport.Done():
		s.lease.Stop()
		_ = s.transport.Close()
		return nil, fmt.Errorf("%w: engine disconnected during handshake", ErrNotReady)
	}
}

func (s *GenerationSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *GenerationSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendChunk stamps chunk with the absolute video-time cursor and submits it
// for batch transcription. Subject to the same backpressure bound as the live
// session.
func (s *GenerationSession) SendChunk(ctx context.Context, chunk audio.Chunk) error {
	select {
	case s.inflight <- struct{}{}:
	case <-s.transport.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		<-s.inflight
		return ErrSessionClosed
	}
	chunk.Timestamp = s.videoTime
	s.videoTime += chunk.Duration
	s.chunks++
	s.mu.Unlock()

	msg := bridge.Transcribe{
		Audio:     chunk.Audio,
		Timestamp: chunk.Timestamp,
		ChunkID:   chunk.ID,
		Language:  s.cfg.Language,
	}
	if err := s.transport.Send(msg); err != nil {
		<-s.inflight
		return fmt.Errorf("session: transcribe chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// Seek hard-sets the absolute cursor, for runs that skip already-transcribed
// spans.
func (s *GenerationSession) Seek(videoTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	s.videoTime = videoTime
}

// Stop ends the run. The session is terminal before Stop returns: the result
// is sealed from what has been collected, [Done] is closed, and engine output
// still in flight is dropped.
func (s *GenerationSession) Stop() {
	s.stopOnce.Do(func() {
		if err := s.transport.Send(bridge.Shutdown{}); err != nil {
			slog.Debug("shutdown request failed", "err", err)
		}
		s.finish()
		_ = s.transport.Close()
	})
}

// Done is closed when the run has completed, i.e. the session reached its
// terminal state.
func (s *GenerationSession) Done() <-chan struct{} { return s.doneCh }

// Result returns the collected outcome. Valid only after [Done] is closed.
func (s *GenerationSession) Result() GenerationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *GenerationSession) dispatch() {
	done := s.transport.Done()
	for {
		select {
		case msg, ok := <-s.transport.Messages():
			if !ok {
				s.finish()
				return
			}
			if s.State() == StateDisconnected {
				slog.Debug("dropping message after run completed", "type", msg.Kind())
				continue
			}
			s.handle(msg)
		case <-done:
			s.finish()
			done = nil
		}
	}
}

func (s *GenerationSession) handle(msg bridge.Inbound) {
	switch m := msg.(type) {
	case bridge.Ready:
		s.mu.Lock()
		if s.state == StateAwaitingReady {
			s.state = StateReady
			close(s.readyCh)
		}
		s.mu.Unlock()
		s.events.HandleReady(m)

	case bridge.TranscribeAck, bridge.StreamChunkAck:
		s.releaseInflight()
		s.lease.Kick()

	case bridge.Transcription:
		s.mu.Lock()
		s.segments = append(s.segments, m.Segments...)
		s.mu.Unlock()
		s.events.HandleBatch(m)

	case bridge.EngineError:
		slog.Warn("engine error during generation", "message", m.Message, "chunk", m.ChunkID)
		s.mu.Lock()
		if s.errMsg == "" {
			s.errMsg = m.Message
		}
		s.mu.Unlock()
		s.events.HandleEngineError(m)

	case bridge.Pong, bridge.Heartbeat, bridge.Status, bridge.ResetComplete:

	default:
		slog.Debug("unhandled message", "type", msg.Kind())
	}
}

func (s *GenerationSession) releaseInflight() {
	select {
	case <-s.inflight:
	default:
	}
}

// finish seals the run: segments are ordered by start time and the result is
// derived from what was collected. Runs exactly once.
func (s *GenerationSession) finish() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected

	sort.SliceStable(s.segments, func(i, j int) bool {
		return s.segments[i].Start < s.segments[j].Start
	})
	s.result = GenerationResult{
		Success:  len(s.segments) > 0 && s.errMsg == "",
		Segments: s.segments,
		Chunks:   s.chunks,
		Err:      s.errMsg,
	}
	s.mu.Unlock()

	s.lease.Stop()
	s.events.HandleDisconnect()
	close(s.doneCh)
}
