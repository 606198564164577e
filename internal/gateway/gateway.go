// Package gateway exposes the control surface the browser extension talks
// to: a WebSocket endpoint carrying playback commands, captured audio, and
// transcription results, plus the HTTP health and metrics routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tabscribe/internal/health"
	"tabscribe/internal/observe"
	"tabscribe/internal/store"
)

// Controller is the application surface the gateway drives. Implemented by
// the app layer; the gateway itself holds no session state.
type Controller interface {
	// StartLive begins live transcription for a tab at the current playback
	// position.
	StartLive(ctx context.Context, tabID string, videoTime float64) error

	// StopLive ends a tab's live transcription.
	StopLive(tabID string)

	// StartGeneration begins a whole-video transcription run from videoTime.
	StartGeneration(ctx context.Context, tabID string, videoTime float64) error

	// StopGeneration ends a tab's generation run early.
	StopGeneration(tabID string)

	// Play and Pause track the player state.
	Play(tabID string)
	Pause(tabID string)

	// Seek reports a playback jump to videoTime seconds.
	Seek(tabID string, videoTime float64) error

	// SyncTime reports the player's current position for drift correction.
	SyncTime(tabID string, videoTime float64)

	// PushAudio feeds captured samples (already mono float32 at the capture
	// rate) into the tab's pipeline.
	PushAudio(ctx context.Context, tabID string, samples []float32) error

	// LearnPattern extracts the [startTime, endTime) span from the tab's
	// rolling buffer and asks the engine to learn it. videoTime is the
	// player's current position, used to realign the buffer before the
	// extraction.
	LearnPattern(ctx context.Context, tabID, name, patternType string, startTime, endTime, videoTime float64) error

	// CloseTab releases everything attached to a tab.
	CloseTab(tabID string)
}

// Config configures a [Server].
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// Controller handles client commands. Required.
	Controller Controller

	// Health serves the /healthz and /readyz routes. Optional.
	Health *health.Handler

	// Store enables the persistence read routes (/transcripts, /patterns)
	// when set.
	Store store.Store

	// Metrics records gateway activity. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the extension-facing HTTP/WebSocket server. It tracks connected
// clients per tab so results can be pushed back to whoever is watching.
type Server struct {
	cfg     Config
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[string]map[*client]struct{} // tab id -> connections

	httpServer *http.Server
}

// NewServer creates the gateway. Call [Server.Run] to start serving.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("gateway: controller is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8571"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		cfg:     cfg,
		metrics: cfg.Metrics,
		clients: make(map[string]map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.Store != nil {
		(&routes{store: cfg.Store}).register(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// Publish sends msg to every client attached to the tab. Slow clients drop
// messages rather than stalling the pipeline.
func (s *Server) Publish(tabID string, msg ServerMessage) {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients[tabID]))
	for c := range s.clients[tabID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.enqueue(msg)
	}
}

func (s *Server) register(tabID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[tabID] == nil {
		s.clients[tabID] = make(map[*client]struct{})
	}
	s.clients[tabID][c] = struct{}{}
}

// unregister detaches a client and reports whether it was the tab's last.
func (s *Server) unregister(tabID string, c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients[tabID], c)
	if len(s.clients[tabID]) == 0 {
		delete(s.clients, tabID)
		return true
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := newClient(w, r, s)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	c.run(r.Context())
}
