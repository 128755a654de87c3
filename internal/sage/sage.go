// Package sage is the service facade over the study assistant: it
// assembles personalized context, answers prompts at three depth
// levels, processes notes into summaries and review questions, and
// hands grading and scheduling through to the review layer.
package sage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ficous/sage/internal/cache"
	"github.com/ficous/sage/internal/chunker"
	"github.com/ficous/sage/internal/concept"
	"github.com/ficous/sage/internal/index"
	"github.com/ficous/sage/internal/notes"
	"github.com/ficous/sage/internal/retrieval"
	"github.com/ficous/sage/internal/review"
	"github.com/ficous/sage/internal/summary"
)

var (
	// ErrValidation marks caller mistakes: missing context, bad level,
	// empty prompt.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound marks references to entities the user does not have.
	ErrNotFound = errors.New("not found")
)

const (
	// MaxContextChars bounds the assembled megacontext.
	MaxContextChars = 16000

	// MaxInputChars bounds raw note material accepted for processing.
	MaxInputChars = 12000

	ragTopK          = 3
	weakConceptCount = 3
	conceptBump      = 0.1
	maxPromptChars   = 1500
	maxAnswerContext = 6000
	defaultLanguage  = "en"
)

// Level selects answer depth: 1 is chat balloons, 2 is a slide-style
// mini lesson, 3 is a sectioned deep explanation.
type Level int

const (
	LevelBalloons Level = 1
	LevelSlides   Level = 2
	LevelSections Level = 3
)

// Valid reports whether the level is one of the three supported depths.
func (l Level) Valid() bool { return l >= LevelBalloons && l <= LevelSections }

func (l Level) String() string { return fmt.Sprintf("level%d", int(l)) }

// Answer is a leveled response payload.
type Answer struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Balloon is one short chat message in a level-1 answer.
type Balloon struct {
	Text string `json:"text"`
}

// Slide is one screen of a level-2 mini lesson.
type Slide struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

// Section is one block of a level-3 explanation.
type Section struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Code      string `json:"code,omitempty"`
	ImageHint string `json:"image_hint,omitempty"`
}

// Completer produces model text from a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	ChatModel() string
}

// NoteStore is the slice of the note layer the service needs.
type NoteStore interface {
	Get(ctx context.Context, userID, noteID uuid.UUID) (*notes.Note, error)
	List(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID) ([]notes.Note, error)
	ListSubjects(ctx context.Context, userID uuid.UUID) ([]notes.Subject, error)
	SetProcessed(ctx context.Context, userID, noteID uuid.UUID, summaryText string, questions, concepts []string) (*notes.Note, error)
}

// Retriever ranks indexed fragments against a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, userID uuid.UUID, topK int, opts ...index.QueryOption) ([]retrieval.Match, error)
}

// SummaryReader serves stored rolling summaries.
type SummaryReader interface {
	Get(ctx context.Context, userID uuid.UUID, scope summary.Scope, scopeID *uuid.UUID) (*summary.Summary, error)
	UpdateGlobal(ctx context.Context, userID uuid.UUID) (*summary.Summary, error)
	UpdateSubject(ctx context.Context, userID, subjectID uuid.UUID) (*summary.Summary, error)
}

// ConceptTracker reads and adjusts per-user concept strengths.
type ConceptTracker interface {
	Weakest(ctx context.Context, userID uuid.UUID, n int) ([]concept.Stat, error)
	Bump(ctx context.Context, userID uuid.UUID, conceptName string, delta float64) (float64, error)
}

// CardStore persists learning cards.
type CardStore interface {
	Create(ctx context.Context, userID uuid.UUID, subjectID, noteID *uuid.UUID, question, answer string) (*review.Card, error)
}

// Service wires the assistant together. All dependencies except the
// completer are required; without a completer every operation degrades
// to its deterministic fallback.
type Service struct {
	notes     NoteStore
	retriever Retriever
	cache     *cache.Cache
	completer Completer
	summaries SummaryReader
	concepts  ConceptTracker
	cards     CardStore
	grader    *review.Grader
	logger    *slog.Logger
}

// Config collects the service's collaborators.
type Config struct {
	Notes     NoteStore
	Retriever Retriever
	Cache     *cache.Cache
	Completer Completer
	Summaries SummaryReader
	Concepts  ConceptTracker
	Cards     CardStore
	Grader    *review.Grader
	Logger    *slog.Logger
}

// New creates the Service.
func New(cfg Config) (*Service, error) {
	if cfg.Notes == nil {
		return nil, fmt.Errorf("note store is required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Summaries == nil {
		return nil, fmt.Errorf("summary reader is required")
	}
	if cfg.Concepts == nil {
		return nil, fmt.Errorf("concept tracker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		notes:     cfg.Notes,
		retriever: cfg.Retriever,
		cache:     cfg.Cache,
		completer: cfg.Completer,
		summaries: cfg.Summaries,
		concepts:  cfg.Concepts,
		cards:     cfg.Cards,
		grader:    cfg.Grader,
		logger:    cfg.Logger,
	}, nil
}

// AnswerRequest describes one question. Exactly one of NoteID,
// SubjectID, or RawContext supplies the main context.
type AnswerRequest struct {
	UserID     uuid.UUID
	NoteID     *uuid.UUID
	SubjectID  *uuid.UUID
	RawContext string
	Prompt     string
	Level      Level
	Normalize  bool
	Language   string
}

// Answer builds the personalized megacontext, consults the cache, and
// produces a leveled answer. Provider failures yield the level's
// deterministic fallback rather than an error; only caller mistakes
// and storage failures surface.
func (s *Service) Answer(ctx context.Context, req AnswerRequest) (*Answer, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if !req.Level.Valid() {
		return nil, fmt.Errorf("%w: level must be 1, 2, or 3", ErrValidation)
	}

	mainContext, note, err := s.resolveContext(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Normalize {
		mainContext = chunker.CleanText(mainContext)
	}

	prompt := req.Prompt
	if runes := []rune(prompt); len(runes) > maxPromptChars {
		prompt = string(runes[:maxPromptChars])
	}
	lang := normalizeLanguage(req.Language)

	// A note carries its own subject; use it when the caller gave none
	// so the subject summary and subject-filtered retrieval still apply.
	subjectID := req.SubjectID
	if subjectID == nil && note != nil {
		subjectID = note.SubjectID
	}

	assembled := s.assembleMegacontext(ctx, req.UserID, subjectID, prompt, mainContext)

	model := ""
	if s.completer != nil {
		model = s.completer.ChatModel()
	}
	if payload, ok := s.cache.Lookup(ctx, prompt, assembled, model); ok {
		var ans Answer
		if err := json.Unmarshal(payload, &ans); err == nil {
			s.logger.Debug("answer served from cache", "level", req.Level)
			return &ans, nil
		}
	}

	ans := s.complete(ctx, assembled, prompt, req.Level, lang)

	if encoded, err := json.Marshal(ans); err == nil {
		s.cache.Store(ctx, prompt, assembled, model, encoded)
	}

	// Seeing a note's concepts again nudges their strength up.
	if note != nil {
		for _, c := range note.Concepts {
			if _, err := s.concepts.Bump(ctx, req.UserID, c, conceptBump); err != nil {
				s.logger.Warn("concept bump failed", "concept", c, "error", err)
			}
		}
	}

	return ans, nil
}

func (s *Service) resolveContext(ctx context.Context, req AnswerRequest) (string, *notes.Note, error) {
	switch {
	case req.NoteID != nil:
		note, err := s.notes.Get(ctx, req.UserID, *req.NoteID)
		if errors.Is(err, notes.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: note %s", ErrNotFound, *req.NoteID)
		}
		if err != nil {
			return "", nil, err
		}
		return note.Content, note, nil

	case req.SubjectID != nil:
		items, err := s.notes.List(ctx, req.UserID, req.SubjectID)
		if err != nil {
			return "", nil, err
		}
		var parts []string
		for i, n := range items {
			if i == ragTopK {
				break
			}
			parts = append(parts, truncate(n.Content, 200))
		}
		return strings.Join(parts, " "), nil, nil

	case req.RawContext != "":
		return req.RawContext, nil, nil
	}
	return "", nil, fmt.Errorf("%w: provide a note, a subject, or raw context", ErrValidation)
}

// assembleMegacontext layers retrieval hits, rolling summaries, and the
// user's weakest concepts around the main content, bounded to
// MaxContextChars. Every enrichment is best-effort.
func (s *Service) assembleMegacontext(ctx context.Context, userID uuid.UUID, subjectID *uuid.UUID, prompt, mainContext string) string {
	var parts []string

	var opts []index.QueryOption
	if subjectID != nil {
		opts = append(opts, index.WithSubject(*subjectID))
	}
	if matches, err := s.retriever.Retrieve(ctx, prompt, userID, ragTopK, opts...); err != nil {
		s.logger.Warn("retrieval unavailable for answer", "error", err)
	} else if len(matches) > 0 {
		var b strings.Builder
		b.WriteString("Related content from your notes:\n")
		for _, m := range matches {
			b.WriteString("- " + truncate(m.Text, 200) + "\n")
		}
		parts = append(parts, b.String())
	}

	if global, err := s.summaries.Get(ctx, userID, summary.ScopeGlobal, nil); err == nil && global != nil && global.Content != "" {
		parts = append(parts, "Overview of your knowledge: "+global.Content)
	}
	if subjectID != nil {
		if sub, err := s.summaries.Get(ctx, userID, summary.ScopeSubject, subjectID); err == nil && sub != nil && sub.Content != "" {
			parts = append(parts, "Subject overview: "+sub.Content)
		}
	}

	if weak, err := s.concepts.Weakest(ctx, userID, weakConceptCount); err == nil && len(weak) > 0 {
		names := make([]string, len(weak))
		for i, st := range weak {
			names[i] = st.Concept
		}
		parts = append(parts, "Concepts you struggle with: "+strings.Join(names, ", "))
	}

	if mainContext != "" {
		parts = append(parts, "Main content: "+mainContext)
	}

	return truncate(strings.Join(parts, "\n\n"), MaxContextChars)
}

func (s *Service) complete(ctx context.Context, assembled, prompt string, level Level, lang string) *Answer {
	if s.completer == nil {
		return fallbackAnswer(level, prompt)
	}

	system := levelSystemPrompt(level, lang)
	user := "Context:\n" + truncate(assembled, maxAnswerContext) + "\n\nRequest:\n" + prompt

	raw, err := s.completer.Complete(ctx, system, user)
	if err != nil {
		s.logger.Warn("answer completion failed, serving fallback",
			"level", level, "error", err)
		return fallbackAnswer(level, prompt)
	}

	var ans Answer
	if err := json.Unmarshal([]byte(extractJSON(raw)), &ans); err != nil || ans.Payload == nil {
		s.logger.Warn("answer payload unparseable, serving fallback", "level", level)
		return fallbackAnswer(level, prompt)
	}
	if ans.Type == "" {
		ans.Type = level.String()
	}
	return &ans
}

func levelSystemPrompt(level Level, lang string) string {
	base := "You are a study assistant that answers in the requested language. Output language: " + lang + ". "
	switch level {
	case LevelBalloons:
		return base + "Answer with 2-5 short, focused chat balloons. " +
			`Respond in JSON: {"type": "level1", "payload": {"balloons": [{"text": string}]}}`
	case LevelSlides:
		return base + "Create a mini lesson of 2-4 slides, each with a title and 3-5 short bullets. " +
			`Respond in JSON: {"type": "level2", "payload": {"slides": [{"title": string, "bullets": [string]}]}}`
	default:
		return base + "Create a structured explanation with 3-6 sections (introduction, concept, examples, connections, summary). " +
			"Each section has a title and paragraph content; include code or image_hint when useful. " +
			`Respond in JSON: {"type": "level3", "payload": {"sections": [{"title": string, "content": string, "code": string, "image_hint": string}]}}`
	}
}

// fallbackAnswer is the deterministic minimal payload per level, used
// when no provider is configured or the provider is unavailable.
func fallbackAnswer(level Level, prompt string) *Answer {
	switch level {
	case LevelBalloons:
		return &Answer{Type: level.String(), Payload: map[string]any{
			"balloons": []Balloon{{Text: truncate(prompt, 140)}},
		}}
	case LevelSlides:
		return &Answer{Type: level.String(), Payload: map[string]any{
			"slides": []Slide{{Title: "Summary", Bullets: []string{truncate(prompt, 100)}}},
		}}
	default:
		return &Answer{Type: level.String(), Payload: map[string]any{
			"sections": []Section{{Title: "Summary", Content: truncate(prompt, 400)}},
		}}
	}
}

func normalizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || len(lang) > 10 {
		return defaultLanguage
	}
	return lang
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// extractJSON strips a markdown code fence if the model wrapped its
// JSON in one.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
