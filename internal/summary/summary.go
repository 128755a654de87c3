// Package summary maintains rolling study summaries per user.
//
// Two scopes exist: one global summary across all of a user's notes,
// and one summary per subject. Summaries refresh lazily: the maintainer
// counts how much material changed since the last regeneration and
// decides whether one is due. A provider outage never destroys an existing
// summary; the stale text stays in place until the next refresh succeeds.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// StaleAfter is how long a summary stays fresh without new material.
	StaleAfter = 24 * time.Hour

	// NewItemThreshold forces a refresh once this many items arrived
	// since the last regeneration, regardless of age.
	NewItemThreshold = 5

	maxSourceChars = 12000
)

// Scope identifies which slice of a user's notes a summary covers.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSubject Scope = "subject"
)

// Summary is a stored rolling summary.
type Summary struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Scope     Scope
	ScopeID   *uuid.UUID
	Content   string
	ItemCount int
	UpdatedAt time.Time
}

// Completer produces summary text from a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NoteSource supplies the raw material summaries are built from.
type NoteSource interface {
	// RecentContent returns concatenable note content for the user,
	// newest first. A nil subjectID means all subjects.
	RecentContent(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID, limit int) ([]string, error)

	// CountUpdatedSince reports how many of the user's notes were
	// created or changed after the given instant. A nil subjectID
	// means all subjects.
	CountUpdatedSince(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID, since time.Time) (int, error)
}

// Maintainer owns the summary lifecycle.
type Maintainer struct {
	pool      *pgxpool.Pool
	completer Completer
	notes     NoteSource
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Maintainer. The completer may be nil, in which case
// refreshes are skipped and existing summaries are kept as-is.
func New(pool *pgxpool.Pool, completer Completer, notes NoteSource, logger *slog.Logger) (*Maintainer, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if notes == nil {
		return nil, fmt.Errorf("note source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		pool:      pool,
		completer: completer,
		notes:     notes,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// ShouldUpdate reports whether a summary needs regeneration: it does
// when none exists yet, when it is older than StaleAfter, or when more
// than NewItemThreshold items arrived since the last run.
func ShouldUpdate(existing *Summary, newItemCount int, now time.Time) bool {
	if existing == nil {
		return true
	}
	if now.Sub(existing.UpdatedAt) > StaleAfter {
		return true
	}
	return newItemCount > NewItemThreshold
}

// Get returns the stored summary for the scope, or nil when none exists.
func (m *Maintainer) Get(ctx context.Context, userID uuid.UUID, scope Scope, scopeID *uuid.UUID) (*Summary, error) {
	row := m.pool.QueryRow(ctx,
		`SELECT id, user_id, scope, scope_id, content, item_count, updated_at
		 FROM summaries
		 WHERE user_id = $1 AND scope = $2
		   AND COALESCE(scope_id, '00000000-0000-0000-0000-000000000000'::uuid) =
		       COALESCE($3::uuid, '00000000-0000-0000-0000-000000000000'::uuid)`,
		userID, scope, scopeID)

	var s Summary
	err := row.Scan(&s.ID, &s.UserID, &s.Scope, &s.ScopeID, &s.Content, &s.ItemCount, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	return &s, nil
}

// Refresh regenerates the scope's summary if ShouldUpdate says it is
// due. The new-item count is derived from the note source: notes that
// changed since the summary's last regeneration. Returns the current
// summary, which is the previous one when regeneration was skipped or
// failed.
func (m *Maintainer) Refresh(ctx context.Context, userID uuid.UUID, scope Scope, scopeID *uuid.UUID) (*Summary, error) {
	existing, err := m.Get(ctx, userID, scope, scopeID)
	if err != nil {
		return nil, err
	}
	newItems, err := m.newItemsSince(ctx, userID, existing, scope, scopeID)
	if err != nil {
		return nil, err
	}
	if !ShouldUpdate(existing, newItems, m.now()) {
		return existing, nil
	}
	if m.completer == nil {
		m.logger.Debug("summary refresh skipped, no completer configured", "scope", scope)
		return existing, nil
	}

	content, err := m.generate(ctx, userID, scope, scopeID)
	if err != nil {
		// Keep serving the old summary; the next refresh retries.
		m.logger.Warn("summary refresh failed, keeping previous",
			"scope", scope, "error", err)
		return existing, nil
	}
	if content == "" {
		return existing, nil
	}

	saved, err := m.upsert(ctx, userID, scope, scopeID, content)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// UpdateGlobal refreshes the user's global summary.
func (m *Maintainer) UpdateGlobal(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	return m.Refresh(ctx, userID, ScopeGlobal, nil)
}

// UpdateSubject refreshes the summary for one subject.
func (m *Maintainer) UpdateSubject(ctx context.Context, userID, subjectID uuid.UUID) (*Summary, error) {
	return m.Refresh(ctx, userID, ScopeSubject, &subjectID)
}

// newItemsSince counts the notes that changed after the summary's last
// regeneration. A missing summary needs no count; ShouldUpdate fires on
// nil regardless.
func (m *Maintainer) newItemsSince(ctx context.Context, userID uuid.UUID, existing *Summary, scope Scope, scopeID *uuid.UUID) (int, error) {
	if existing == nil {
		return 0, nil
	}
	var subjectFilter *uuid.UUID
	if scope == ScopeSubject {
		subjectFilter = scopeID
	}
	n, err := m.notes.CountUpdatedSince(ctx, userID, subjectFilter, existing.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("count new notes: %w", err)
	}
	return n, nil
}

func (m *Maintainer) generate(ctx context.Context, userID uuid.UUID, scope Scope, scopeID *uuid.UUID) (string, error) {
	var subjectFilter *uuid.UUID
	if scope == ScopeSubject {
		subjectFilter = scopeID
	}

	parts, err := m.notes.RecentContent(ctx, userID, subjectFilter, 20)
	if err != nil {
		return "", fmt.Errorf("collect source notes: %w", err)
	}
	if len(parts) == 0 {
		return "", nil
	}

	source := strings.Join(parts, "\n\n---\n\n")
	if runes := []rune(source); len(runes) > maxSourceChars {
		source = string(runes[:maxSourceChars])
	}

	system := "You summarize a student's study notes. Produce a compact overview " +
		"of the main topics, definitions, and open gaps, in at most 200 words. " +
		"Write in the same language as the notes."
	if scope == ScopeSubject {
		system = "You summarize a student's notes for a single subject. Produce a compact " +
			"overview of what the student has covered and where the gaps are, in at " +
			"most 150 words. Write in the same language as the notes."
	}

	text, err := m.completer.Complete(ctx, system, source)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (m *Maintainer) upsert(ctx context.Context, userID uuid.UUID, scope Scope, scopeID *uuid.UUID, content string) (*Summary, error) {
	row := m.pool.QueryRow(ctx,
		`INSERT INTO summaries (user_id, scope, scope_id, content, item_count, updated_at)
		 VALUES ($1, $2, $3, $4, 0, now())
		 ON CONFLICT (user_id, scope, COALESCE(scope_id, '00000000-0000-0000-0000-000000000000'::uuid))
		 DO UPDATE SET content = EXCLUDED.content, item_count = 0, updated_at = now()
		 RETURNING id, user_id, scope, scope_id, content, item_count, updated_at`,
		userID, scope, scopeID, content)

	var s Summary
	if err := row.Scan(&s.ID, &s.UserID, &s.Scope, &s.ScopeID, &s.Content, &s.ItemCount, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert summary: %w", err)
	}

	m.logger.Info("summary refreshed", "scope", scope, "chars", len(content))
	return &s, nil
}
