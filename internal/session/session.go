// Package session manages connections to the external speech engine.
//
// A session wraps a [bridge.Transport] with the engine handshake, a
// keep-alive lease, chunk backpressure, and result dispatch. Two variants
// exist: [LiveSession] streams low-latency chunks against a video-time
// cursor, and [GenerationSession] runs a whole-video batch transcription and
// collects every segment the engine returns.
//
// Sessions are single-use. Any disconnect — explicit stop, tab close, or the
// engine process dying — moves a session to its terminal state; resuming
// requires creating a fresh session. The [Registry] tracks the at-most-one
// live and at-most-one generation session per browser tab.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"tabscribe/internal/bridge"
)

// Default session parameters.
const (
	// DefaultKeepAliveInterval is how often the engine is pinged so neither
	// the host process nor its connection idles out.
	DefaultKeepAliveInterval = 500 * time.Millisecond

	// DefaultReadyTimeout bounds the init handshake.
	DefaultReadyTimeout = 30 * time.Second

	// DefaultMaxInflight bounds the number of chunks sent but not yet
	// acknowledged. When the bound is hit, SendChunk blocks until the engine
	// acks, stalling the capture pipeline instead of buffering unboundedly.
	DefaultMaxInflight = 4

	// PatternLearnTimeout is the ceiling on a pattern-learning round trip.
	// Past it the caller is told to retry; the request is abandoned, not
	// cancelled (the transport has no cancellation primitive).
	PatternLearnTimeout = 60 * time.Second
)

// Session errors.
var (
	// ErrSessionClosed indicates an operation on a session that has reached
	// its terminal state.
	ErrSessionClosed = errors.New("session: session is closed")

	// ErrNotReady indicates the engine never confirmed the init handshake.
	ErrNotReady = errors.New("session: engine did not become ready")

	// ErrTimeout indicates a pattern-learning round trip exceeded
	// [PatternLearnTimeout].
	ErrTimeout = errors.New("session: pattern learning timed out")
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateDisconnected is both the initial and the terminal state. A session
	// that has returned to Disconnected cannot be reused.
	StateDisconnected State = iota

	// StateConnecting means the transport is up and init is being sent.
	StateConnecting

	// StateAwaitingReady means init was sent and the readiness signal is
	// pending.
	StateAwaitingReady

	// StateReady means the engine accepted init; chunks may be sent.
	StateReady
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingReady:
		return "AWAITING_READY"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Events receives a session's results and lifecycle notifications. Methods
// are invoked from the session's dispatch goroutine and must not block.
type Events interface {
	// HandleReady is called when the engine confirms init. The engine may
	// still be loading its model (info.Status == "loading"); queued work
	// proceeds once loading completes.
	HandleReady(info bridge.Ready)

	// HandleInterim delivers a best-effort partial streaming result.
	HandleInterim(res bridge.InterimTranscription)

	// HandleFinal delivers an authoritative streaming result.
	HandleFinal(res bridge.FinalTranscription)

	// HandleBatch delivers the segments for one batch chunk.
	HandleBatch(res bridge.Transcription)

	// HandleEngineError delivers a non-fatal engine-side failure. The
	// session continues after this call.
	HandleEngineError(res bridge.EngineError)

	// HandleDisconnect is called exactly once when the session reaches its
	// terminal state.
	HandleDisconnect()
}

// NopEvents is an [Events] that ignores everything. Embed it to implement
// only the callbacks a consumer cares about.
type NopEvents struct{}

func (NopEvents) HandleReady(bridge.Ready)                  {}
func (NopEvents) HandleInterim(bridge.InterimTranscription) {}
func (NopEvents) HandleFinal(bridge.FinalTranscription)     {}
func (NopEvents) HandleBatch(bridge.Transcription)          {}
func (NopEvents) HandleEngineError(bridge.EngineError)      {}
func (NopEvents) HandleDisconnect()                         {}

// lease keeps the engine connection warm: it pings on a fixed interval and
// immediately after every acknowledgement ([lease.Kick]) so the engine's idle
// timer restarts while it is actively working through queued chunks.
type lease struct {
	transport bridge.Transport
	interval  time.Duration

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// newLease starts the keep-alive loop.
func newLease(t bridge.Transport, interval time.Duration) *lease {
	l := &lease{
		transport: t,
		interval:  interval,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	go l.run()
	return l
}

// Kick requests an immediate ping outside the regular cadence.
func (l *lease) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Stop halts the keep-alive loop. Safe to call multiple times.
func (l *lease) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *lease) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		case <-l.kick:
		}
		// Ping failures are logged and swallowed: the transport's Done
		// signal, not a failed ping, is the source of truth for
		// disconnection.
		if err := l.transport.Send(bridge.Ping{}); err != nil {
			slog.Debug("keep-alive ping failed", "err", err)
		}
	}
}
