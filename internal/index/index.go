// Package index stores embedded content fragments per owner and user.
//
// A reindex fully supersedes the previous indexing of an owner: the delete
// and insert run in one transaction under a per-owner advisory lock, so
// concurrent reindexes of the same owner cannot interleave and duplicate
// fragments never accumulate.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ficous/sage/internal/chunker"
)

// OwnerType identifies the kind of entity a fragment was indexed from.
type OwnerType string

// Owner types for indexed fragments.
const (
	OwnerNote    OwnerType = "note"
	OwnerSource  OwnerType = "source"
	OwnerSummary OwnerType = "summary"
	OwnerConcept OwnerType = "concept"
)

// Valid reports whether t is a known owner type.
func (t OwnerType) Valid() bool {
	switch t {
	case OwnerNote, OwnerSource, OwnerSummary, OwnerConcept:
		return true
	}
	return false
}

// Metadata carries the personalization signals attached to a fragment.
type Metadata struct {
	ConceptTags []string `json:"concept_tags"`
	Strength    float64  `json:"strength"`
	Recency     float64  `json:"recency"`
	TokenCount  int      `json:"token_count"`
}

// Fragment is an indexed, embedded slice of owner content.
type Fragment struct {
	ID        int64
	UserID    uuid.UUID
	OwnerType OwnerType
	OwnerID   uuid.UUID
	Text      string
	Vector    []float32
	Metadata  Metadata
	CreatedAt time.Time
}

// Embedder converts text into the system-wide fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QueryOption configures fragment queries.
type QueryOption func(*queryConfig)

type queryConfig struct {
	subjectID *uuid.UUID
}

// WithSubject restricts results to fragments whose owning note belongs to
// the given subject.
func WithSubject(subjectID uuid.UUID) QueryOption {
	return func(c *queryConfig) {
		c.subjectID = &subjectID
	}
}

// Store manages fragments backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool      *pgxpool.Pool
	embedder  Embedder
	chunkSize int
	overlap   int
	logger    *slog.Logger
}

// New creates a fragment Store. Non-positive chunk parameters select the
// chunker defaults.
func New(pool *pgxpool.Pool, embedder Embedder, chunkSize, overlap int, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	if overlap < 0 {
		overlap = chunker.DefaultOverlap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:      pool,
		embedder:  embedder,
		chunkSize: chunkSize,
		overlap:   overlap,
		logger:    logger,
	}, nil
}

// buildFragments chunks and embeds text into fragments ready for insert.
// New fragments start at the baseline strength with full recency.
func (s *Store) buildFragments(ctx context.Context, ownerType OwnerType, ownerID, userID uuid.UUID, text string, tags []string) ([]Fragment, error) {
	clean := chunker.CleanText(text)
	if clean == "" {
		return nil, nil
	}

	chunks := chunker.Chunk(clean, s.chunkSize, s.overlap)
	fragments := make([]Fragment, 0, len(chunks))
	for _, chunk := range chunks {
		vec, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embedding chunk: %w", err)
		}
		fragments = append(fragments, Fragment{
			UserID:    userID,
			OwnerType: ownerType,
			OwnerID:   ownerID,
			Text:      chunk,
			Vector:    vec,
			Metadata: Metadata{
				ConceptTags: tags,
				Strength:    0.5,
				Recency:     1.0,
				TokenCount:  len(strings.Fields(chunk)),
			},
		})
	}
	return fragments, nil
}

// Reindex replaces every fragment of (ownerType, ownerID) with a fresh
// chunking of text and returns the number of fragments indexed. Empty text
// clears the owner's fragments and returns 0.
//
// Embedding happens outside the transaction; the delete-then-insert runs
// inside it under a per-owner advisory lock so two concurrent reindexes of
// the same owner serialize instead of interleaving.
func (s *Store) Reindex(ctx context.Context, ownerType OwnerType, ownerID, userID uuid.UUID, text string, tags []string) (int, error) {
	if !ownerType.Valid() {
		return 0, fmt.Errorf("invalid owner type %q", ownerType)
	}

	fragments, err := s.buildFragments(ctx, ownerType, ownerID, userID, text, tags)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reindex tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lockKey := string(ownerType) + ":" + ownerID.String()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return 0, fmt.Errorf("acquire owner lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM fragments WHERE owner_type = $1 AND owner_id = $2`,
		ownerType, ownerID); err != nil {
		return 0, fmt.Errorf("delete stale fragments: %w", err)
	}

	for _, f := range fragments {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal fragment metadata: %w", err)
		}
		vec := pgvector.NewVector(f.Vector)
		if _, err := tx.Exec(ctx,
			`INSERT INTO fragments (user_id, owner_type, owner_id, chunk_text, embedding, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			f.UserID, f.OwnerType, f.OwnerID, f.Text, vec, meta); err != nil {
			return 0, fmt.Errorf("insert fragment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reindex tx: %w", err)
	}

	s.logger.Debug("reindexed owner",
		"owner_type", ownerType, "owner_id", ownerID, "fragments", len(fragments))
	return len(fragments), nil
}

// Query returns all fragments for a user, optionally constrained to a
// subject. Ordering is insertion order, which keeps downstream ranking
// stable across calls.
func (s *Store) Query(ctx context.Context, userID uuid.UUID, opts ...QueryOption) ([]Fragment, error) {
	var cfg queryConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	query := `SELECT id, user_id, owner_type, owner_id, chunk_text, embedding, metadata, created_at
		FROM fragments WHERE user_id = $1`
	args := []any{userID}
	if cfg.subjectID != nil {
		query += ` AND owner_id IN (SELECT id FROM notes WHERE subject_id = $2)`
		args = append(args, *cfg.subjectID)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	return scanFragments(rows)
}

// DeleteOwner removes every fragment of an owner. Called when the owner
// entity itself is deleted.
func (s *Store) DeleteOwner(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM fragments WHERE owner_type = $1 AND owner_id = $2`,
		ownerType, ownerID); err != nil {
		return fmt.Errorf("delete owner fragments: %w", err)
	}
	return nil
}

// scanFragments converts rows into Fragments, tolerating malformed
// metadata by restoring the indexing defaults.
func scanFragments(rows pgx.Rows) ([]Fragment, error) {
	var fragments []Fragment
	for rows.Next() {
		var (
			f    Fragment
			vec  pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.OwnerType, &f.OwnerID, &f.Text, &vec, &meta, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.Vector = vec.Slice()
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			f.Metadata = Metadata{Strength: 0.5, Recency: 1.0}
		}
		fragments = append(fragments, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	return fragments, nil
}
