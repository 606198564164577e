package app

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"tabscribe/internal/bridge"
	"tabscribe/internal/gateway"
	"tabscribe/internal/observe"
	"tabscribe/internal/session"
	"tabscribe/internal/timeline"
)

// eventRelay forwards session events to a target installed after the session
// handshake, layering metrics and client notifications on top. The target is
// nil during the handshake; results cannot arrive before the first chunk is
// sent, so nothing of consequence is dropped.
type eventRelay struct {
	app   *App
	tabID string
	mode  string

	mu     sync.Mutex
	target session.Events

	disconnectOnce sync.Once
}

var _ session.Events = (*eventRelay)(nil)

func (r *eventRelay) setTarget(t session.Events) {
	r.mu.Lock()
	r.target = t
	r.mu.Unlock()
}

func (r *eventRelay) forward() session.Events {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target == nil {
		return session.NopEvents{}
	}
	return r.target
}

func (r *eventRelay) HandleReady(m bridge.Ready) {
	r.app.publish(r.tabID, gateway.ServerMessage{Type: gateway.MsgStatus, Status: "engine_ready"})
	r.forward().HandleReady(m)
}

func (r *eventRelay) HandleInterim(m bridge.InterimTranscription) {
	r.app.metrics.RecordResult(context.Background(), "interim")
	r.forward().HandleInterim(m)
}

func (r *eventRelay) HandleFinal(m bridge.FinalTranscription) {
	r.app.metrics.RecordResult(context.Background(), "final")
	r.forward().HandleFinal(m)
}

func (r *eventRelay) HandleBatch(m bridge.Transcription) {
	r.app.metrics.RecordResult(context.Background(), "batch")
	if r.mode == "generation" {
		// Per-chunk progress for the client's progress bar.
		r.app.publish(r.tabID, gateway.ServerMessage{Type: gateway.MsgStatus, Status: "chunk_transcribed"})
	}
	r.forward().HandleBatch(m)
}

func (r *eventRelay) HandleEngineError(m bridge.EngineError) {
	scope := "session"
	if m.ChunkID != "" {
		scope = "chunk"
	}
	r.app.metrics.RecordEngineError(context.Background(), scope)
	r.app.publish(r.tabID, gateway.ServerMessage{Type: gateway.MsgError, Message: m.Message})
	r.forward().HandleEngineError(m)
}

func (r *eventRelay) HandleDisconnect() {
	r.disconnectOnce.Do(func() {
		r.app.metrics.ActiveSessions.Add(context.Background(), -1,
			metric.WithAttributes(observe.Attr("mode", r.mode)))
		r.app.publish(r.tabID, gateway.ServerMessage{Type: gateway.MsgStatus, Status: "engine_disconnected"})
	})
	r.forward().HandleDisconnect()
}

// tabSink publishes timeline updates to the tab's connected clients.
type tabSink struct {
	app   *App
	tabID string
}

var _ timeline.Sink = (*tabSink)(nil)

func (s *tabSink) UpdateInterim(text string, videoTime float64) {
	s.app.publish(s.tabID, gateway.ServerMessage{
		Type:      gateway.MsgInterim,
		Text:      text,
		VideoTime: videoTime,
	})
}

func (s *tabSink) AppendFinal(entries []timeline.Entry) {
	s.app.publish(s.tabID, gateway.ServerMessage{
		Type:    gateway.MsgFinal,
		Entries: entries,
	})
}
