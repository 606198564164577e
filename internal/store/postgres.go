package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"tabscribe/internal/timeline"
)

// EmbeddingDim is the dimensionality of pattern voice embeddings. It matches
// what the speech engine's embedding model produces.
const EmbeddingDim = 256

// Schema is the SQL DDL for the pattern and transcript tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment. Requires
// the pgvector extension.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS patterns (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    pattern_type TEXT NOT NULL,
    duration     DOUBLE PRECISION NOT NULL DEFAULT 0,
    fingerprint  JSONB NOT NULL DEFAULT '[]',
    embedding    vector(256),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type);

CREATE TABLE IF NOT EXISTS transcripts (
    id         TEXT PRIMARY KEY,
    video_url  TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    language   TEXT NOT NULL DEFAULT '',
    entries    JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcripts_video ON transcripts(video_url);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL with pgvector for embedding
// similarity search.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate] before issuing
// queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SavePattern implements [PatternStore].
func (s *PostgresStore) SavePattern(ctx context.Context, p *Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}

	fpJSON, err := json.Marshal(emptyFingerprint(p.Fingerprint))
	if err != nil {
		return fmt.Errorf("store: marshal fingerprint: %w", err)
	}

	const query = `
		INSERT INTO patterns (id, name, pattern_type, duration, fingerprint, embedding)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			pattern_type = EXCLUDED.pattern_type,
			duration = EXCLUDED.duration,
			fingerprint = EXCLUDED.fingerprint,
			embedding = EXCLUDED.embedding
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		p.ID, p.Name, p.PatternType, p.Duration, fpJSON, embeddingValue(p.Embedding),
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save pattern %q: %w", p.ID, err)
	}
	return nil
}

// ListPatterns implements [PatternStore].
func (s *PostgresStore) ListPatterns(ctx context.Context) ([]Pattern, error) {
	const query = `
		SELECT id, name, pattern_type, duration, fingerprint, embedding, created_at
		FROM patterns
		ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list patterns: %w", err)
	}
	return patterns, nil
}

// DeletePattern implements [PatternStore].
func (s *PostgresStore) DeletePattern(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM patterns WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete pattern %q: %w", id, err)
	}
	return nil
}

// SearchSimilar implements [PatternStore] using the pgvector cosine-distance
// operator.
func (s *PostgresStore) SearchSimilar(ctx context.Context, embedding []float32, limit int) ([]Pattern, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
		SELECT id, name, pattern_type, duration, fingerprint, embedding, created_at
		FROM patterns
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("store: search patterns: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search patterns: %w", err)
	}
	return patterns, nil
}

// SaveTranscript implements [TranscriptStore].
func (s *PostgresStore) SaveTranscript(ctx context.Context, t *Transcript) error {
	if err := t.Validate(); err != nil {
		return err
	}

	entries := t.Entries
	if entries == nil {
		entries = []timeline.Entry{}
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("store: marshal entries: %w", err)
	}

	const query = `
		INSERT INTO transcripts (id, video_url, title, language, entries)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			video_url = EXCLUDED.video_url,
			title = EXCLUDED.title,
			language = EXCLUDED.language,
			entries = EXCLUDED.entries
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		t.ID, t.VideoURL, t.Title, t.Language, entriesJSON,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save transcript %q: %w", t.ID, err)
	}
	return nil
}

// GetTranscript implements [TranscriptStore].
func (s *PostgresStore) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	const query = `
		SELECT id, video_url, title, language, entries, created_at
		FROM transcripts
		WHERE id = $1`

	var t Transcript
	var entriesJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.VideoURL, &t.Title, &t.Language, &entriesJSON, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: transcript %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get transcript %q: %w", id, err)
	}
	if err := json.Unmarshal(entriesJSON, &t.Entries); err != nil {
		return nil, fmt.Errorf("store: unmarshal entries: %w", err)
	}
	return &t, nil
}

// ListTranscripts implements [TranscriptStore]. Entries are omitted; fetch a
// single transcript for the full timeline.
func (s *PostgresStore) ListTranscripts(ctx context.Context) ([]Transcript, error) {
	const query = `
		SELECT id, video_url, title, language, created_at
		FROM transcripts
		ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list transcripts: %w", err)
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.ID, &t.VideoURL, &t.Title, &t.Language, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list transcripts scan: %w", err)
		}
		transcripts = append(transcripts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list transcripts: %w", err)
	}
	return transcripts, nil
}

// scanPattern reads one pattern row, decoding the fingerprint JSONB and the
// nullable embedding vector.
func scanPattern(rows pgx.Rows) (Pattern, error) {
	var p Pattern
	var fpJSON []byte
	var embedding *pgvector.Vector
	if err := rows.Scan(&p.ID, &p.Name, &p.PatternType, &p.Duration, &fpJSON, &embedding, &p.CreatedAt); err != nil {
		return Pattern{}, fmt.Errorf("store: pattern scan: %w", err)
	}
	if err := json.Unmarshal(fpJSON, &p.Fingerprint); err != nil {
		return Pattern{}, fmt.Errorf("store: unmarshal fingerprint: %w", err)
	}
	if embedding != nil {
		p.Embedding = embedding.Slice()
	}
	return p, nil
}

// embeddingValue maps an empty embedding to SQL NULL rather than a
// zero-dimension vector, which pgvector rejects.
func embeddingValue(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

// emptyFingerprint ensures JSON marshalling produces "[]" instead of "null".
func emptyFingerprint(fp []int32) []int32 {
	if fp == nil {
		return []int32{}
	}
	return fp
}
