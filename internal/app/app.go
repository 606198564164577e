// Package app assembles the transcription service: it owns the per-tab
// pipelines (capture, session, timeline), persistence, and the glue between
// the gateway's commands and the engine sessions.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"tabscribe/internal/bridge"
	"tabscribe/internal/capture"
	"tabscribe/internal/config"
	"tabscribe/internal/gateway"
	"tabscribe/internal/health"
	"tabscribe/internal/observe"
	"tabscribe/internal/resilience"
	"tabscribe/internal/session"
	"tabscribe/internal/store"
	"tabscribe/internal/timeline"
	"tabscribe/pkg/audio"
)

// ErrNoPipeline indicates a command for a tab with no active session.
var ErrNoPipeline = errors.New("app: no active session for tab")

// Publisher pushes server messages to a tab's connected clients. Implemented
// by the gateway.
type Publisher interface {
	Publish(tabID string, msg gateway.ServerMessage)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, gateway.ServerMessage) {}

// App is the application core. It implements [gateway.Controller] and owns
// one pipeline per tab: the capture controller feeding audio in, the engine
// session, and (for live mode) the timeline reconciler producing entries.
type App struct {
	cfg     config.Config
	store   store.Store
	pool    *pgxpool.Pool
	metrics *observe.Metrics

	registry *session.Registry

	// breaker fails session starts fast when the engine keeps dying during
	// spawn or handshake, instead of respawning it in a loop.
	breaker *resilience.Breaker

	// newTransport creates an engine connection. Swapped out in tests.
	newTransport func(ctx context.Context) (bridge.Transport, error)

	mu        sync.Mutex
	publisher Publisher
	tabs      map[string]*pipeline
}

// pipeline is the audio and timeline state attached to one tab's session.
type pipeline struct {
	mode       string // "live" or "generation"
	capture    *capture.Controller
	reconciler *timeline.Reconciler // nil in generation mode
}

// New builds the application core from configuration. With a Postgres DSN
// configured it connects, migrates, and persists there; otherwise state lives
// in memory for the lifetime of the process.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{
		cfg:       cfg,
		metrics:   observe.DefaultMetrics(),
		publisher: nopPublisher{},
		tabs:      make(map[string]*pipeline),
		breaker:   resilience.NewBreaker(resilience.BreakerConfig{Name: "engine-spawn"}),
	}
	a.newTransport = func(ctx context.Context) (bridge.Transport, error) {
		return bridge.StartProcess(ctx, cfg.Engine.Command, cfg.Engine.Args...)
	}

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
		a.pool = pool
		a.store = pg
	} else {
		a.store = store.NewMemoryStore()
	}

	a.registry = session.NewRegistry(a.newLiveSession, a.newGenerationSession)
	return a, nil
}

// SetPublisher attaches the gateway so results can be pushed to clients.
// Must be called before the first session starts.
func (a *App) SetPublisher(p Publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publisher = p
}

// Store exposes persistence, for the gateway's read routes.
func (a *App) Store() store.Store { return a.store }

// Checkers returns the readiness checks for this deployment.
func (a *App) Checkers() []health.Checker {
	checkers := []health.Checker{{
		Name: "engine",
		Check: func(context.Context) error {
			_, err := exec.LookPath(a.cfg.Engine.Command)
			return err
		},
	}}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: a.pool.Ping,
		})
	}
	return checkers
}

// Close stops every session and releases persistence.
func (a *App) Close() {
	a.registry.Shutdown()

	a.mu.Lock()
	tabs := a.tabs
	a.tabs = make(map[string]*pipeline)
	a.mu.Unlock()
	for _, p := range tabs {
		p.capture.Stop()
	}

	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) publish(tabID string, msg gateway.ServerMessage) {
	a.mu.Lock()
	p := a.publisher
	a.mu.Unlock()
	p.Publish(tabID, msg)
}

// setPipeline installs a tab's pipeline, stopping any previous one.
func (a *App) setPipeline(tabID string, p *pipeline) {
	a.mu.Lock()
	old := a.tabs[tabID]
	a.tabs[tabID] = p
	a.mu.Unlock()
	if old != nil {
		old.capture.Stop()
	}
}

func (a *App) getPipeline(tabID string) *pipeline {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tabs[tabID]
}

// dropPipeline removes and stops the tab's pipeline when its mode matches.
// An empty mode matches any.
func (a *App) dropPipeline(tabID, mode string) {
	a.mu.Lock()
	p := a.tabs[tabID]
	if p != nil && mode != "" && p.mode != mode {
		p = nil
	} else if p != nil {
		delete(a.tabs, tabID)
	}
	a.mu.Unlock()
	if p != nil {
		p.capture.Stop()
	}
}

// newLiveSession is the registry's live factory: spawn the engine process,
// preload known patterns, and wire capture and timeline around the session.
func (a *App) newLiveSession(ctx context.Context, tabID string, videoTime float64) (*session.LiveSession, error) {
	relay := &eventRelay{app: a, tabID: tabID, mode: "live"}
	var sess *session.LiveSession
	err := a.breaker.Execute(func() error {
		transport, err := a.newTransport(ctx)
		if err != nil {
			return fmt.Errorf("app: start engine: %w", err)
		}
		sess, err = session.StartLive(ctx, session.LiveConfig{
			Transport:    transport,
			Engine:       string(a.cfg.Engine.Name),
			Model:        a.cfg.Engine.Model,
			Device:       a.cfg.Engine.Device,
			Language:     a.cfg.Engine.Language,
			LatencyMode:  string(a.cfg.Engine.LatencyMode),
			Patterns:     a.knownPatterns(ctx),
			StartTime:    videoTime,
			ReadyTimeout: a.cfg.Engine.ReadyTimeout,
			MaxInflight:  a.cfg.Audio.MaxInflight,
			Events:       relay,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	capCtl, err := a.newCapture(a.chunkSink(sess.SendChunk, "live"))
	if err != nil {
		sess.Stop()
		return nil, err
	}

	rec := timeline.New(sess, capCtl, &tabSink{app: a, tabID: tabID})
	relay.setTarget(rec)

	capCtl.Start(videoTime)
	a.setPipeline(tabID, &pipeline{mode: "live", capture: capCtl, reconciler: rec})
	a.metrics.ActiveSessions.Add(ctx, 1, metric.WithAttributes(observe.Attr("mode", "live")))
	return sess, nil
}

// newGenerationSession is the registry's generation factory. Generation runs
// have no timeline reconciler: the session accumulates the result itself, and
// completion is published when the run ends.
func (a *App) newGenerationSession(ctx context.Context, tabID string, videoTime float64) (*session.GenerationSession, error) {
	relay := &eventRelay{app: a, tabID: tabID, mode: "generation"}
	var sess *session.GenerationSession
	err := a.breaker.Execute(func() error {
		transport, err := a.newTransport(ctx)
		if err != nil {
			return fmt.Errorf("app: start engine: %w", err)
		}
		sess, err = session.StartGeneration(ctx, session.GenerationConfig{
			Transport:    transport,
			Engine:       string(a.cfg.Engine.Name),
			Model:        a.cfg.Engine.Model,
			Device:       a.cfg.Engine.Device,
			Language:     a.cfg.Engine.Language,
			StartTime:    videoTime,
			ReadyTimeout: a.cfg.Engine.ReadyTimeout,
			MaxInflight:  a.cfg.Audio.MaxInflight,
			Events:       relay,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	capCtl, err := a.newCapture(a.chunkSink(sess.SendChunk, "generation"))
	if err != nil {
		sess.Stop()
		return nil, err
	}

	capCtl.Start(videoTime)
	a.setPipeline(tabID, &pipeline{mode: "generation", capture: capCtl})
	a.metrics.ActiveSessions.Add(ctx, 1, metric.WithAttributes(observe.Attr("mode", "generation")))
	go a.watchGeneration(tabID, sess)
	return sess, nil
}

func (a *App) newCapture(sink capture.ChunkSink) (*capture.Controller, error) {
	return capture.NewController(capture.Config{
		Sink:            sink,
		SourceRate:      a.cfg.Audio.CaptureRate,
		TargetRate:      a.cfg.Audio.EngineRate,
		ChunkDuration:   a.cfg.Audio.ChunkDuration,
		OverlapDuration: a.cfg.Audio.OverlapDuration,
		PatternWindow:   a.cfg.Audio.PatternWindow,
	})
}

// chunkSink wraps a session's SendChunk with metrics.
func (a *App) chunkSink(send func(context.Context, audio.Chunk) error, mode string) capture.ChunkSink {
	return capture.ChunkSinkFunc(func(ctx context.Context, chunk audio.Chunk) error {
		start := time.Now()
		if err := send(ctx, chunk); err != nil {
			return err
		}
		a.metrics.RecordChunkSent(ctx, mode)
		a.metrics.ChunkTurnaround.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("mode", mode)))
		return nil
	})
}

// knownPatterns loads persisted patterns for session preload. Failures
// degrade to an empty preload rather than blocking the session.
func (a *App) knownPatterns(ctx context.Context) []bridge.KnownPattern {
	patterns, err := a.store.ListPatterns(ctx)
	if err != nil {
		slog.Warn("loading patterns for preload failed", "err", err)
		return nil
	}
	known := make([]bridge.KnownPattern, 0, len(patterns))
	for _, p := range patterns {
		known = append(known, bridge.KnownPattern{
			ID:          p.ID,
			Name:        p.Name,
			PatternType: p.PatternType,
			Fingerprint: p.Fingerprint,
			Embedding:   p.Embedding,
		})
	}
	return known
}

// watchGeneration waits for a generation run to finish, persists the
// transcript, and publishes the outcome. The transcript id travels in the
// completion message so clients can fetch the full result.
func (a *App) watchGeneration(tabID string, sess *session.GenerationSession) {
	<-sess.Done()
	res := sess.Result()

	msg := gateway.ServerMessage{
		Type:    gateway.MsgCompletion,
		Success: res.Success,
		Chunks:  res.Chunks,
		Message: res.Err,
	}
	if res.Success {
		entries := make([]timeline.Entry, 0, len(res.Segments))
		for _, seg := range res.Segments {
			entries = append(entries, timeline.Entry{Start: seg.Start, End: seg.End, Text: seg.Text})
		}
		t := &store.Transcript{
			ID:       uuid.NewString(),
			VideoURL: "tab://" + tabID,
			Language: a.cfg.Engine.Language,
			Entries:  entries,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.store.SaveTranscript(ctx, t); err != nil {
			slog.Error("saving transcript failed", "tab", tabID, "err", err)
		} else {
			msg.Message = t.ID
		}
	}
	a.publish(tabID, msg)
}

// --- gateway.Controller ---

// StartLive begins live transcription for a tab at the current playback
// position.
func (a *App) StartLive(ctx context.Context, tabID string, videoTime float64) error {
	_, err := a.registry.StartLive(ctx, tabID, videoTime)
	return err
}

// StopLive ends a tab's live transcription.
func (a *App) StopLive(tabID string) {
	a.registry.StopLive(tabID)
	a.dropPipeline(tabID, "live")
}

// StartGeneration begins a whole-video transcription run from videoTime,
// stopping the tab's live session first.
func (a *App) StartGeneration(ctx context.Context, tabID string, videoTime float64) error {
	_, err := a.registry.StartGeneration(ctx, tabID, videoTime)
	return err
}

// StopGeneration ends a tab's generation run early. The accumulated partial
// result is still published by the completion watcher.
func (a *App) StopGeneration(tabID string) {
	a.registry.StopGeneration(tabID)
	a.dropPipeline(tabID, "generation")
}

// Play resumes the tab's capture pipeline.
func (a *App) Play(tabID string) {
	p := a.getPipeline(tabID)
	if p == nil {
		return
	}
	if p.reconciler != nil {
		p.reconciler.Play()
		return
	}
	p.capture.Resume()
}

// Pause suspends the tab's capture pipeline.
func (a *App) Pause(tabID string) {
	p := a.getPipeline(tabID)
	if p == nil {
		return
	}
	if p.reconciler != nil {
		p.reconciler.Pause()
		return
	}
	p.capture.Pause()
}

// Seek reports a playback jump: capture realigns to the new position and the
// engine discards its streaming context.
func (a *App) Seek(tabID string, videoTime float64) error {
	p := a.getPipeline(tabID)
	if p == nil {
		return ErrNoPipeline
	}
	if p.reconciler != nil {
		return p.reconciler.Seek(videoTime)
	}
	if gen := a.registry.Generation(tabID); gen != nil {
		gen.Seek(videoTime)
		p.capture.Reset(videoTime)
		return nil
	}
	return ErrNoPipeline
}

// SyncTime corrects cursor drift from the player's reported position. The
// pattern buffer realigns too, so retroactive extraction stays addressable by
// real video time.
func (a *App) SyncTime(tabID string, videoTime float64) {
	p := a.getPipeline(tabID)
	if p == nil {
		return
	}
	p.capture.SyncTime(videoTime)
	if p.reconciler != nil {
		p.reconciler.SyncTime(videoTime)
	}
}

// PushAudio feeds captured samples into the tab's pipeline.
func (a *App) PushAudio(ctx context.Context, tabID string, samples []float32) error {
	p := a.getPipeline(tabID)
	if p == nil {
		return ErrNoPipeline
	}
	return p.capture.PushFrame(ctx, samples)
}

// LearnPattern extracts the span from the tab's rolling buffer, has the
// engine fingerprint it, persists the result, and announces it to the tab's
// clients. videoTime, when reported, pins the buffer's newest sample to the
// player's position before the extraction, so startTime and endTime resolve
// against real video time rather than a drifted mapping.
func (a *App) LearnPattern(ctx context.Context, tabID, name, patternType string, startTime, endTime, videoTime float64) error {
	p := a.getPipeline(tabID)
	live := a.registry.Live(tabID)
	if p == nil || live == nil {
		return ErrNoPipeline
	}

	if videoTime > 0 {
		p.capture.SyncTime(videoTime)
	}
	wireAudio, duration, err := p.capture.ExtractPattern(startTime, endTime)
	if err != nil {
		return fmt.Errorf("app: extract pattern: %w", err)
	}

	start := time.Now()
	learned, err := live.LearnPattern(ctx, wireAudio, patternType, name)
	a.metrics.PatternLearnDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return err
	}

	id := learned.PatternID
	if id == "" {
		id = uuid.NewString()
	}
	if learned.Duration > 0 {
		duration = learned.Duration
	}
	pattern := &store.Pattern{
		ID:          id,
		Name:        name,
		PatternType: patternType,
		Duration:    duration,
		Fingerprint: learned.Fingerprint,
		Embedding:   learned.Embedding,
	}
	if err := a.store.SavePattern(ctx, pattern); err != nil {
		return fmt.Errorf("app: save pattern: %w", err)
	}

	a.publish(tabID, gateway.ServerMessage{
		Type:      gateway.MsgPatternLearned,
		PatternID: id,
		Message:   name,
	})
	return nil
}

// CloseTab releases everything attached to a tab.
func (a *App) CloseTab(tabID string) {
	a.registry.CloseTab(tabID)
	a.dropPipeline(tabID, "")
}
