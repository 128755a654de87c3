package review

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

// ErrCardNotFound is returned when a card does not exist or belongs to
// another user.
var ErrCardNotFound = errors.New("card not found")

const dueListLimit = 50

// Card is one learning card. NextReviewAt is nil until the card has
// been graded at least once.
type Card struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	SubjectID    *uuid.UUID
	NoteID       *uuid.UUID
	Question     string
	Answer       string
	EaseGrade    *Grade
	IntervalDays *int
	NextReviewAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists learning cards.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a card Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

const cardColumns = `id, user_id, subject_id, note_id, question, answer,
	ease_grade, interval_days, next_review_at, created_at, updated_at`

// Create stores a new ungraded card.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, subjectID, noteID *uuid.UUID, question, answer string) (*Card, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question is required")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO flashcards (user_id, subject_id, note_id, question, answer)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+cardColumns,
		userID, subjectID, noteID, question, answer)
	return scanCard(row)
}

// List returns all of a user's cards, newest first.
func (s *Store) List(ctx context.Context, userID uuid.UUID) ([]Card, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM flashcards
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	return collectCards(rows)
}

// DueCards returns cards ready for review: never graded or past their
// scheduled time, most overdue first.
func (s *Store) DueCards(ctx context.Context, userID uuid.UUID) ([]Card, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM flashcards
		 WHERE user_id = $1 AND (next_review_at IS NULL OR next_review_at <= $2)
		 ORDER BY next_review_at ASC NULLS FIRST
		 LIMIT $3`,
		userID, s.now(), dueListLimit)
	if err != nil {
		return nil, fmt.Errorf("list due cards: %w", err)
	}
	defer rows.Close()
	return collectCards(rows)
}

// Grade records a recall grade on a card and reschedules it.
func (s *Store) Grade(ctx context.Context, userID, cardID uuid.UUID, grade Grade) (*Card, error) {
	if !grade.Valid() {
		return nil, fmt.Errorf("invalid grade %q", grade)
	}

	intervalDays, next, err := Schedule(grade, s.now())
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE flashcards
		 SET ease_grade = $3, interval_days = $4, next_review_at = $5, updated_at = now()
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+cardColumns,
		cardID, userID, string(grade), intervalDays, next)

	card, err := scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("card graded", "card_id", cardID, "grade", grade, "interval_days", intervalDays)
	return card, nil
}

// Delete removes a card.
func (s *Store) Delete(ctx context.Context, userID, cardID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM flashcards WHERE id = $1 AND user_id = $2`, cardID, userID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// ExtractQuestions pulls question-shaped bullets out of generated
// slide content, capped at qty. Bullets without a question mark are
// not card material.
func ExtractQuestions(bullets []string, qty int) []string {
	if qty <= 0 {
		qty = 5
	}
	var out []string
	for _, b := range bullets {
		b = strings.TrimSpace(b)
		if b == "" || !strings.Contains(b, "?") {
			continue
		}
		out = append(out, b)
		if len(out) == qty {
			break
		}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*Card, error) {
	var (
		c     Card
		grade *string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.SubjectID, &c.NoteID, &c.Question, &c.Answer,
		&grade, &c.IntervalDays, &c.NextReviewAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if grade != nil {
		g := Grade(*grade)
		c.EaseGrade = &g
	}
	return &c, nil
}

func collectCards(rows pgx.Rows) ([]Card, error) {
	var cards []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}
