package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyActive indicates a start request for a tab that already has a
// running session of that kind.
var ErrAlreadyActive = errors.New("session: session already active for tab")

// LiveFactory creates a connected live session for a tab, starting at the
// given playback position.
type LiveFactory func(ctx context.Context, tabID string, videoTime float64) (*LiveSession, error)

// GenerationFactory creates a connected generation session for a tab,
// starting at the given playback position.
type GenerationFactory func(ctx context.Context, tabID string, videoTime float64) (*GenerationSession, error)

// Registry tracks sessions per browser tab: at most one live and at most one
// generation session each. Live transcription and generation contend for the
// same engine, so starting a generation run stops the tab's live session
// first. Safe for concurrent use.
type Registry struct {
	newLive       LiveFactory
	newGeneration GenerationFactory

	mu   sync.Mutex
	live map[string]*LiveSession
	gen  map[string]*GenerationSession
}

// NewRegistry creates a registry backed by the given session factories.
func NewRegistry(newLive LiveFactory, newGeneration GenerationFactory) *Registry {
	return &Registry{
		newLive:       newLive,
		newGeneration: newGeneration,
		live:          make(map[string]*LiveSession),
		gen:           make(map[string]*GenerationSession),
	}
}

// StartLive creates and registers a live session for the tab, beginning at
// videoTime. Fails with [ErrAlreadyActive] if one is already running there.
func (r *Registry) StartLive(ctx context.Context, tabID string, videoTime float64) (*LiveSession, error) {
	r.mu.Lock()
	if s, ok := r.live[tabID]; ok && s.State() != StateDisconnected {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: live on %s", ErrAlreadyActive, tabID)
	}
	r.mu.Unlock()

	s, err := r.newLive(ctx, tabID, videoTime)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.live[tabID] = s
	r.mu.Unlock()
	return s, nil
}

// StartGeneration creates and registers a generation session for the tab,
// stopping the tab's live session first so the two never share the engine.
func (r *Registry) StartGeneration(ctx context.Context, tabID string, videoTime float64) (*GenerationSession, error) {
	r.mu.Lock()
	if s, ok := r.gen[tabID]; ok && s.State() != StateDisconnected {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: generation on %s", ErrAlreadyActive, tabID)
	}
	liveSess := r.live[tabID]
	r.mu.Unlock()

	if liveSess != nil {
		liveSess.Stop()
	}

	s, err := r.newGeneration(ctx, tabID, videoTime)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.gen[tabID] = s
	r.mu.Unlock()
	return s, nil
}

// Live returns the tab's live session, or nil if none is running.
func (r *Registry) Live(tabID string) *LiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.live[tabID]; ok && s.State() != StateDisconnected {
		return s
	}
	return nil
}

// Generation returns the tab's generation session, or nil if none is
// running.
func (r *Registry) Generation(tabID string) *GenerationSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.gen[tabID]; ok && s.State() != StateDisconnected {
		return s
	}
	return nil
}

// StopLive stops and deregisters the tab's live session, if any.
func (r *Registry) StopLive(tabID string) {
	r.mu.Lock()
	s := r.live[tabID]
	delete(r.live, tabID)
	r.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// StopGeneration stops and deregisters the tab's generation session, if any.
func (r *Registry) StopGeneration(tabID string) {
	r.mu.Lock()
	s := r.gen[tabID]
	delete(r.gen, tabID)
	r.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// CloseTab stops everything attached to the tab. Called when the tab goes
// away; the sessions cannot be resumed.
func (r *Registry) CloseTab(tabID string) {
	r.StopLive(tabID)
	r.StopGeneration(tabID)
}

// Shutdown stops every registered session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	lives := make([]*LiveSession, 0, len(r.live))
	for _, s := range r.live {
		lives = append(lives, s)
	}
	gens := make([]*GenerationSession, 0, len(r.gen))
	for _, s := range r.gen {
		gens = append(gens, s)
	}
	r.live = make(map[string]*LiveSession)
	r.gen = make(map[string]*GenerationSession)
	r.mu.Unlock()

	for _, s := range lives {
		s.Stop()
	}
	for _, s := range gens {
		s.Stop()
	}
}
