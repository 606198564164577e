// Package store persists learned audio patterns and finished transcripts.
//
// Patterns survive restarts so a session can preload the engine's matcher
// with everything learned before; transcripts from generation runs are kept
// for later retrieval. Two implementations exist: [PostgresStore] for
// deployments with a database and [MemoryStore] for everything else.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tabscribe/internal/timeline"
)

// ErrNotFound indicates a lookup for an id that does not exist.
var ErrNotFound = errors.New("store: not found")

// Pattern is a learned audio pattern: a fingerprint for exact acoustic
// matching plus a voice embedding for fuzzy similarity search.
type Pattern struct {
	ID          string
	Name        string
	PatternType string
	Duration    float64
	Fingerprint []int32
	Embedding   []float32
	CreatedAt   time.Time
}

// Validate checks the fields persistence relies on.
func (p *Pattern) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("store: pattern id must not be empty"))
	}
	if p.Name == "" {
		errs = append(errs, errors.New("store: pattern name must not be empty"))
	}
	if p.PatternType == "" {
		errs = append(errs, errors.New("store: pattern type must not be empty"))
	}
	return errors.Join(errs...)
}

// Transcript is the persisted outcome of a generation run.
type Transcript struct {
	ID        string
	VideoURL  string
	Title     string
	Language  string
	Entries   []timeline.Entry
	CreatedAt time.Time
}

// Validate checks the fields persistence relies on.
func (t *Transcript) Validate() error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("store: transcript id must not be empty"))
	}
	if t.VideoURL == "" {
		errs = append(errs, errors.New("store: transcript video url must not be empty"))
	}
	return errors.Join(errs...)
}

// PatternStore persists learned patterns.
type PatternStore interface {
	// SavePattern inserts or replaces a pattern by id.
	SavePattern(ctx context.Context, p *Pattern) error

	// ListPatterns returns all patterns, newest first.
	ListPatterns(ctx context.Context) ([]Pattern, error)

	// DeletePattern removes a pattern. Deleting a missing id is not an error.
	DeletePattern(ctx context.Context, id string) error

	// SearchSimilar returns up to limit patterns ordered by embedding
	// similarity to the query vector.
	SearchSimilar(ctx context.Context, embedding []float32, limit int) ([]Pattern, error)
}

// TranscriptStore persists generation results.
type TranscriptStore interface {
	// SaveTranscript inserts or replaces a transcript by id.
	SaveTranscript(ctx context.Context, t *Transcript) error

	// GetTranscript fetches one transcript. Returns ErrNotFound (wrapped) for
	// missing ids.
	GetTranscript(ctx context.Context, id string) (*Transcript, error)

	// ListTranscripts returns all transcripts, newest first, without entries.
	ListTranscripts(ctx context.Context) ([]Transcript, error)
}

// Store combines both persistence concerns.
type Store interface {
	PatternStore
	TranscriptStore
}

// MemoryStore is an in-memory [Store]. State is lost on restart; it backs
// deployments that run without a database. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	patterns    map[string]Pattern
	transcripts map[string]Transcript
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns:    make(map[string]Pattern),
		transcripts: make(map[string]Transcript),
	}
}

// SavePattern implements [PatternStore].
func (s *MemoryStore) SavePattern(_ context.Context, p *Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.patterns[p.ID] = *p
	return nil
}

// ListPatterns implements [PatternStore].
func (s *MemoryStore) ListPatterns(context.Context) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeletePattern implements [PatternStore].
func (s *MemoryStore) DeletePattern(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patterns, id)
	return nil
}

// SearchSimilar implements [PatternStore] with an exact cosine-distance scan.
func (s *MemoryStore) SearchSimilar(_ context.Context, embedding []float32, limit int) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		p    Pattern
		dist float64
	}
	var candidates []scored
	for _, p := range s.patterns {
		if len(p.Embedding) != len(embedding) || len(embedding) == 0 {
			continue
		}
		candidates = append(candidates, scored{p: p, dist: cosineDistance(embedding, p.Embedding)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Pattern, len(candidates))
	for i, c := range candidates {
		out[i] = c.p
	}
	return out, nil
}

// SaveTranscript implements [TranscriptStore].
func (s *MemoryStore) SaveTranscript(_ context.Context, t *Transcript) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.transcripts[t.ID] = *t
	return nil
}

// GetTranscript implements [TranscriptStore].
func (s *MemoryStore) GetTranscript(_ context.Context, id string) (*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transcripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: transcript %q", ErrNotFound, id)
	}
	return &t, nil
}

// ListTranscripts implements [TranscriptStore].
func (s *MemoryStore) ListTranscripts(context.Context) ([]Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transcript, 0, len(s.transcripts))
	for _, t := range s.transcripts {
		t.Entries = nil
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// cosineDistance returns 1 - cosine similarity, matching the ordering the
// pgvector <=> operator produces.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
