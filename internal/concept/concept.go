// Package concept tracks a user's estimated mastery per concept.
//
// Strength lives in [0,1] and is owned exclusively by Bump: every update
// is a read-modify-write inside a transaction with a row lock, so
// concurrent interactions for the same user never lose a clamped
// addition. Stats are created lazily at the baseline on first observation.
package concept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Baseline is the strength assigned to a concept on first observation.
const Baseline = 0.5

// Stat is one user's mastery estimate for one concept.
type Stat struct {
	UserID     uuid.UUID
	Concept    string
	Strength   float64
	LastSeenAt time.Time
}

// Clamp bounds a strength value to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Apply computes the clamped result of adding delta to current.
func Apply(current, delta float64) float64 {
	return Clamp(current + delta)
}

// Store persists concept stats in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a concept stat Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// firstBumpSQL creates a stat on first observation. Two concurrent first
// bumps both pass the FOR UPDATE read with no row; the loser lands on the
// conflict arm instead of a duplicate-key error.
const firstBumpSQL = `INSERT INTO concept_stats (user_id, concept, strength, last_seen_at)
	 VALUES ($1, $2, $3, now())
	 ON CONFLICT (user_id, concept) DO UPDATE
	 SET strength = LEAST(1.0, GREATEST(0.0, concept_stats.strength + $4)),
	     last_seen_at = now()
	 RETURNING strength`

// Bump adjusts a concept's strength by delta and returns the new value.
// Missing rows are created at Baseline before the delta applies. The row
// is locked for the duration of the update.
func (s *Store) Bump(ctx context.Context, userID uuid.UUID, concept string, delta float64) (float64, error) {
	if concept == "" {
		return 0, fmt.Errorf("concept is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin concept tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current float64
	err = tx.QueryRow(ctx,
		`SELECT strength FROM concept_stats WHERE user_id = $1 AND concept = $2 FOR UPDATE`,
		userID, concept).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// FOR UPDATE does not lock absent rows, so a concurrent first
		// bump may insert between the read and this statement. The
		// conflict arm applies the delta to the winner's row, clamped
		// the same way Apply clamps.
		var updated float64
		if err := tx.QueryRow(ctx, firstBumpSQL,
			userID, concept, Apply(Baseline, delta), delta).Scan(&updated); err != nil {
			return 0, fmt.Errorf("insert concept stat: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit concept tx: %w", err)
		}
		return updated, nil
	case err != nil:
		return 0, fmt.Errorf("read concept stat: %w", err)
	}

	updated := Apply(current, delta)
	if _, err := tx.Exec(ctx,
		`UPDATE concept_stats SET strength = $3, last_seen_at = now()
		 WHERE user_id = $1 AND concept = $2`,
		userID, concept, updated); err != nil {
		return 0, fmt.Errorf("update concept stat: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit concept tx: %w", err)
	}

	s.logger.Debug("concept strength updated",
		"concept", concept, "from", current, "to", updated)
	return updated, nil
}

// Weakest returns the n concepts the user has the least mastery of,
// weakest first. Used to bias answers toward known difficulties.
func (s *Store) Weakest(ctx context.Context, userID uuid.UUID, n int) ([]Stat, error) {
	if n <= 0 {
		n = 3
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, concept, strength, last_seen_at
		 FROM concept_stats WHERE user_id = $1
		 ORDER BY strength ASC, concept ASC LIMIT $2`,
		userID, n)
	if err != nil {
		return nil, fmt.Errorf("query weakest concepts: %w", err)
	}
	defer rows.Close()

	var stats []Stat
	for rows.Next() {
		var st Stat
		if err := rows.Scan(&st.UserID, &st.Concept, &st.Strength, &st.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan concept stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate concept stats: %w", err)
	}
	return stats, nil
}
