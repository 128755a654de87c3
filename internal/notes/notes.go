// Package notes stores study notes and their subjects. Every content
// change reindexes the note's fragments so retrieval never serves
// stale text.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ficous/sage/internal/index"
)

// ErrNotFound is returned when a note or subject does not exist or
// belongs to another user.
var ErrNotFound = errors.New("not found")

// Subject groups notes by course or topic.
type Subject struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Note is one study note. Summary, Questions, and Concepts are filled
// in by processing and may be empty on a fresh note.
type Note struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	SubjectID *uuid.UUID
	Title     *string
	Content   string
	Summary   *string
	Questions []string
	Concepts  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Indexer replaces an owner's searchable fragments.
type Indexer interface {
	Reindex(ctx context.Context, ownerType index.OwnerType, ownerID, userID uuid.UUID, text string, tags []string) (int, error)
	DeleteOwner(ctx context.Context, ownerType index.OwnerType, ownerID uuid.UUID) error
}

// Store persists subjects and notes.
type Store struct {
	pool    *pgxpool.Pool
	indexer Indexer
	logger  *slog.Logger
}

// NewStore creates a note Store. The indexer may be nil, in which case
// notes are stored without being searchable.
func NewStore(pool *pgxpool.Pool, indexer Indexer, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, indexer: indexer, logger: logger}, nil
}

// CreateSubject adds a subject for the user.
func (s *Store) CreateSubject(ctx context.Context, userID uuid.UUID, name string) (*Subject, error) {
	if name == "" {
		return nil, fmt.Errorf("subject name is required")
	}

	var sub Subject
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subjects (user_id, name) VALUES ($1, $2)
		 RETURNING id, user_id, name, created_at`,
		userID, name).Scan(&sub.ID, &sub.UserID, &sub.Name, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create subject: %w", err)
	}
	return &sub, nil
}

// ListSubjects returns the user's subjects by name.
func (s *Store) ListSubjects(ctx context.Context, userID uuid.UUID) ([]Subject, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, created_at FROM subjects
		 WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subs []Subject
	for rows.Next() {
		var sub Subject
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Name, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}
	return subs, nil
}

const noteColumns = `id, user_id, subject_id, title, content, summary,
	questions, concepts, created_at, updated_at`

// Create stores a note and indexes its content.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID, title *string, content string) (*Note, error) {
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO notes (user_id, subject_id, title, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+noteColumns,
		userID, subjectID, title, content)
	note, err := scanNote(row)
	if err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}

	s.reindex(ctx, note)
	return note, nil
}

// Get returns one of the user's notes.
func (s *Store) Get(ctx context.Context, userID, noteID uuid.UUID) (*Note, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1 AND user_id = $2`,
		noteID, userID)
	note, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}
	return note, nil
}

// List returns the user's notes, newest first, optionally filtered by
// subject.
func (s *Store) List(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID) ([]Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes WHERE user_id = $1`
	args := []any{userID}
	if subjectID != nil {
		query += ` AND subject_id = $2`
		args = append(args, *subjectID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var result []Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		result = append(result, *note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return result, nil
}

// Update rewrites a note's content fields. Nil arguments leave the
// stored value alone. A content change triggers a reindex.
func (s *Store) Update(ctx context.Context, userID, noteID uuid.UUID, title *string, content *string, subjectID *uuid.UUID) (*Note, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE notes SET
		    title = COALESCE($3, title),
		    content = COALESCE($4, content),
		    subject_id = COALESCE($5, subject_id),
		    updated_at = now()
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+noteColumns,
		noteID, userID, title, content, subjectID)
	note, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}

	if content != nil {
		s.reindex(ctx, note)
	}
	return note, nil
}

// SetProcessed stores the derived summary, questions, and concepts
// produced by note processing.
func (s *Store) SetProcessed(ctx context.Context, userID, noteID uuid.UUID, summary string, questions, concepts []string) (*Note, error) {
	qs, err := json.Marshal(questions)
	if err != nil {
		return nil, fmt.Errorf("encode questions: %w", err)
	}
	cs, err := json.Marshal(concepts)
	if err != nil {
		return nil, fmt.Errorf("encode concepts: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE notes SET summary = $3, questions = $4, concepts = $5, updated_at = now()
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+noteColumns,
		noteID, userID, summary, qs, cs)
	note, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store processed note: %w", err)
	}
	return note, nil
}

// Delete removes a note and its fragments.
func (s *Store) Delete(ctx context.Context, userID, noteID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notes WHERE id = $1 AND user_id = $2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if s.indexer != nil {
		if err := s.indexer.DeleteOwner(ctx, index.OwnerNote, noteID); err != nil {
			s.logger.Warn("fragment cleanup failed", "note_id", noteID, "error", err)
		}
	}
	return nil
}

// RecentContent returns recent note material for summarization,
// preferring each note's short summary over its raw content.
func (s *Store) RecentContent(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT COALESCE(NULLIF(summary, ''), LEFT(content, 2000))
	          FROM notes WHERE user_id = $1`
	args := []any{userID}
	if subjectID != nil {
		query += ` AND subject_id = $2`
		args = append(args, *subjectID)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collect note content: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan note content: %w", err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note content: %w", err)
	}
	return parts, nil
}

// CountUpdatedSince reports how many of the user's notes were created or
// changed after the given instant, feeding the summary staleness check.
func (s *Store) CountUpdatedSince(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM notes WHERE user_id = $1 AND updated_at > $2`
	args := []any{userID, since}
	if subjectID != nil {
		query += ` AND subject_id = $3`
		args = append(args, *subjectID)
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count updated notes: %w", err)
	}
	return n, nil
}

func (s *Store) reindex(ctx context.Context, note *Note) {
	if s.indexer == nil {
		return
	}
	n, err := s.indexer.Reindex(ctx, index.OwnerNote, note.ID, note.UserID, note.Content, note.Concepts)
	if err != nil {
		// The note itself is saved; retrieval just lags until the
		// next successful reindex.
		s.logger.Warn("note reindex failed", "note_id", note.ID, "error", err)
		return
	}
	s.logger.Debug("note reindexed", "note_id", note.ID, "fragments", n)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*Note, error) {
	var (
		n      Note
		rawQ   []byte
		rawC   []byte
	)
	err := row.Scan(&n.ID, &n.UserID, &n.SubjectID, &n.Title, &n.Content, &n.Summary,
		&rawQ, &rawC, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(rawQ) > 0 {
		_ = json.Unmarshal(rawQ, &n.Questions)
	}
	if len(rawC) > 0 {
		_ = json.Unmarshal(rawC, &n.Concepts)
	}
	return &n, nil
}
