package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabscribe/internal/bridge"
	"tabscribe/pkg/audio"
)

// LiveConfig configures a [LiveSession].
type LiveConfig struct {
	// Transport is the engine connection. Required, already connected.
	Transport bridge.Transport

	// Engine, Model, Device, Language and LatencyMode are passed to the
	// engine verbatim in the init handshake.
	Engine      string
	Model       string
	Device      string
	Language    string
	LatencyMode string

	// Patterns are preloaded into the engine's matcher right after the
	// handshake so previously learned patterns match from the first chunk.
	Patterns []bridge.KnownPattern

	// StartTime is the playback position the session begins at, in seconds.
	// The video-time cursor starts here instead of zero.
	StartTime float64

	// KeepAliveInterval overrides [DefaultKeepAliveInterval] when positive.
	KeepAliveInterval time.Duration

	// ReadyTimeout overrides [DefaultReadyTimeout] when positive.
	ReadyTimeout time.Duration

	// MaxInflight overrides [DefaultMaxInflight] when positive.
	MaxInflight int

	// Events receives results. Defaults to [NopEvents].
	Events Events
}

func (c *LiveConfig) withDefaults() {
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

// LiveSession streams overlapping audio chunks to the engine for low-latency
// transcription. It owns the video-time cursor: each sent chunk is stamped
// with the cursor and advances it by the chunk's nominal duration, and seeks
// and time-syncs hard-set it.
//
// SendChunk applies backpressure: at most MaxInflight chunks may be awaiting
// engine acknowledgement, after which SendChunk blocks. All exported methods
// are safe for concurrent use.
type LiveSession struct {
	cfg       LiveConfig
	transport bridge.Transport
	lease     *lease
	events    Events

	inflight chan struct{}
	readyCh  chan struct{}

	mu        sync.Mutex
	state     State
	videoTime float64
	seq       int

	// patternCh, when non-nil, is the waiter for an in-flight learn_pattern
	// request. Only one may be pending at a time.
	patternCh chan bridge.PatternLearned

	stopOnce sync.Once
}

// StartLive connects a live session: it sends the init handshake, waits for
// the engine's readiness signal (bounded by ReadyTimeout and ctx), preloads
// known patterns, and starts the keep-alive loop. On any failure the
// transport is closed and the session is unusable.
func StartLive(ctx context.Context, cfg LiveConfig) (*LiveSession, error) {
	cfg.withDefaults()

	s := &LiveSession{
		cfg:       cfg,
		transport: cfg.Transport,
		events:    cfg.Events,
		inflight:  make(chan struct{}, cfg.MaxInflight),
		readyCh:   make(chan struct{}),
		state:     StateConnecting,
		videoTime: cfg.StartTime,
	}
	s.lease = newLease(cfg.Transport, cfg.KeepAliveInterval)
	go s.dispatch()

	if err := s.handshake(ctx); err != nil {
		s.lease.Stop()
		_ = s.transport.Close()
		return nil, err
	}
	return s, nil
}

func (s *LiveSession) handshake(ctx context.Context) error {
	init := bridge.Init{
		Engine:        s.cfg.Engine,
		Model:         s.cfg.Model,
		Device:        s.cfg.Device,
		Language:      s.cfg.Language,
		StreamingMode: true,
		LatencyMode:   s.cfg.LatencyMode,
	}
	s.setState(StateAwaitingReady)
	if err := s.transport.Send(init); err != nil {
		return fmt.Errorf("session: init: %w", err)
	}

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-s.readyCh:
	case <-timer.C:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	case <-s.transport.Done():
		return fmt.Errorf("%w: engine disconnected during handshake", ErrNotReady)
	}

	if len(s.cfg.Patterns) > 0 {
		if err := s.transport.Send(bridge.InitPatterns{Patterns: s.cfg.Patterns}); err != nil {
			return fmt.Errorf("session: preload patterns: %w", err)
		}
	}
	return nil
}

func (s *LiveSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *LiveSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// VideoTime returns the current video-time cursor in seconds.
func (s *LiveSession) VideoTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoTime
}

// SendChunk stamps chunk with the video-time cursor and a sequence number,
// then streams it to the engine. The cursor advances by the chunk's nominal
// duration; the overlap-induced drift is corrected by periodic [SyncTime]
// calls. Blocks while MaxInflight chunks are unacknowledged.
func (s *LiveSession) SendChunk(ctx context.Context, chunk audio.Chunk) error {
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
	chunk.Sequence = s.seq
	s.seq++
	s.videoTime += chunk.Duration
	s.mu.Unlock()

	msg := bridge.StreamChunk{
		Audio:      chunk.Audio,
		Timestamp:  chunk.Timestamp,
		ChunkID:    chunk.ID,
		SequenceID: chunk.Sequence,
		Language:   s.cfg.Language,
	}
	if err := s.transport.Send(msg); err != nil {
		<-s.inflight
		return fmt.Errorf("session: stream chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// Seek hard-sets the video-time cursor and tells the engine to discard its
// streaming decode context, since upcoming audio is discontinuous with what
// it has already seen. The caller is responsible for resetting the capture
// pipeline alongside.
func (s *LiveSession) Seek(videoTime float64) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.videoTime = videoTime
	s.mu.Unlock()

	if err := s.transport.Send(bridge.ResetStreaming{}); err != nil {
		return fmt.Errorf("session: reset after seek: %w", err)
	}
	return nil
}

// SyncTime hard-sets the video-time cursor to the player's reported position
// without touching engine state. It corrects the drift the overlap-oblivious
// cursor accumulates.
func (s *LiveSession) SyncTime(videoTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	s.videoTime = videoTime
}

// LearnPattern extracts nothing itself; it ships the given wire-encoded audio
// span to the engine for fingerprinting and waits for the result. At most one
// request may be in flight per session. Returns [ErrTimeout] after
// [PatternLearnTimeout]; a late result is then dropped.
func (s *LiveSession) LearnPattern(ctx context.Context, wireAudio, patternType, name string) (bridge.PatternLearned, error) {
	ch := make(chan bridge.PatternLearned, 1)

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return bridge.PatternLearned{}, ErrSessionClosed
	}
	if s.patternCh != nil {
		s.mu.Unlock()
		return bridge.PatternLearned{}, fmt.Errorf("session: pattern learning already in progress")
	}
	s.patternCh = ch
	s.mu.Unlock()

	abandon := func() {
		s.mu.Lock()
		if s.patternCh == ch {
			s.patternCh = nil
		}
		s.mu.Unlock()
	}

	msg := bridge.LearnPattern{Audio: wireAudio, PatternType: patternType, Name: name}
	if err := s.transport.Send(msg); err != nil {
		abandon()
		return bridge.PatternLearned{}, fmt.Errorf("session: learn pattern: %w", err)
	}

	timer := time.NewTimer(PatternLearnTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		abandon()
		return bridge.PatternLearned{}, ErrTimeout
	case <-ctx.Done():
		abandon()
		return bridge.PatternLearned{}, ctx.Err()
	case <-s.transport.Done():
		abandon()
		return bridge.PatternLearned{}, ErrSessionClosed
	}
}

// Stop tears the session down: best-effort finalize of buffered streaming
// audio, a shutdown request, then transport close. Idempotent. The session is
// terminal before Stop returns, so results still in flight are dropped rather
// than dispatched.
func (s *LiveSession) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cursor := s.videoTime
		s.mu.Unlock()

		// Best effort: the engine may already be gone.
		if err := s.transport.Send(bridge.FinalizeStreaming{Timestamp: cursor}); err != nil {
			slog.Debug("finalize on stop failed", "err", err)
		}
		if err := s.transport.Send(bridge.Shutdown{}); err != nil {
			slog.Debug("shutdown request failed", "err", err)
		}
		s.finish()
		_ = s.transport.Close()
	})
}

// dispatch routes inbound messages until the transport disconnects. After
// disconnection it keeps draining so late engine output is dropped rather
// than handled.
func (s *LiveSession) dispatch() {
	done := s.transport.Done()
	for {
		select {
		case msg, ok := <-s.transport.Messages():
			if !ok {
				s.finish()
				return
			}
			if s.State() == StateDisconnected {
				slog.Debug("dropping message after disconnect", "type", msg.Kind())
				continue
			}
			s.handle(msg)
		case <-done:
			s.finish()
			done = nil
		}
	}
}

func (s *LiveSession) handle(msg bridge.Inbound) {
	switch m := msg.(type) {
	case bridge.Ready:
		s.mu.Lock()
		if s.state == StateAwaitingReady {
			s.state = StateReady
			close(s.readyCh)
		}
		s.mu.Unlock()
		s.events.HandleReady(m)

	case bridge.StreamChunkAck:
		s.releaseInflight()
		s.lease.Kick()

	case bridge.TranscribeAck:
		s.releaseInflight()
		s.lease.Kick()

	case bridge.InterimTranscription:
		s.events.HandleInterim(m)

	case bridge.FinalTranscription:
		s.events.HandleFinal(m)

	case bridge.Transcription:
		s.events.HandleBatch(m)

	case bridge.EngineError:
		slog.Warn("engine error", "message", m.Message, "chunk", m.ChunkID)
		s.events.HandleEngineError(m)

	case bridge.PatternLearned:
		s.mu.Lock()
		ch := s.patternCh
		s.patternCh = nil
		s.mu.Unlock()
		if ch != nil {
			ch <- m
		} else {
			slog.Debug("dropping unsolicited pattern result", "pattern", m.PatternID)
		}

	case bridge.Pong, bridge.Heartbeat, bridge.Status, bridge.ResetComplete:
		// Liveness and status traffic; nothing to route.

	default:
		slog.Debug("unhandled message", "type", msg.Kind())
	}
}

// releaseInflight frees one backpressure slot. Tolerates spurious acks.
func (s *LiveSession) releaseInflight() {
	select {
	case <-s.inflight:
	default:
	}
}

// finish moves the session to its terminal state exactly once and unblocks
// any SendChunk waiting on a backpressure slot.
func (s *LiveSession) finish() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	s.lease.Stop()
	s.events.HandleDisconnect()
}
