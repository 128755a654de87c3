package sage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ficous/sage/internal/chunker"
	"github.com/ficous/sage/internal/notes"
	"github.com/ficous/sage/internal/review"
)

// ProcessRequest asks for a note (or raw text) to be distilled into a
// short summary and review questions.
type ProcessRequest struct {
	UserID     uuid.UUID
	NoteID     *uuid.UUID
	RawContent string
	Normalize  bool
	Language   string
}

// ProcessResult is the distilled output.
type ProcessResult struct {
	Summary   string   `json:"summary"`
	Questions []string `json:"questions"`
	Concepts  []string `json:"concepts"`
}

// Process summarizes study material and derives 3-5 review questions
// plus the main concepts. When the request names a note, the result is
// stored back onto it. Without a provider the result degrades to a
// truncation summary and stock questions.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	var text string
	switch {
	case req.NoteID != nil:
		note, err := s.notes.Get(ctx, req.UserID, *req.NoteID)
		if errors.Is(err, notes.ErrNotFound) {
			return nil, fmt.Errorf("%w: note %s", ErrNotFound, *req.NoteID)
		}
		if err != nil {
			return nil, err
		}
		text = note.Content
	case req.RawContent != "":
		text = truncate(req.RawContent, MaxInputChars)
	default:
		return nil, fmt.Errorf("%w: provide a note or raw content", ErrValidation)
	}

	if req.Normalize {
		text = truncate(chunker.CleanText(text), MaxInputChars)
	}
	lang := normalizeLanguage(req.Language)

	result := s.summarize(ctx, text, lang)
	result.Concepts = s.extractConcepts(ctx, text, lang)

	if req.NoteID != nil {
		if _, err := s.notes.SetProcessed(ctx, req.UserID, *req.NoteID, result.Summary, result.Questions, result.Concepts); err != nil {
			return nil, fmt.Errorf("store processed note: %w", err)
		}
	}
	return result, nil
}

func (s *Service) summarize(ctx context.Context, text, lang string) *ProcessResult {
	if s.completer == nil {
		return fallbackProcess(text)
	}

	system := "You are a study assistant that writes in the requested language. " +
		"Output language: " + lang + ". " +
		"Summarize the text in 2-3 sentences and produce 3-5 objective review questions. " +
		`Respond in JSON: {"summary": string, "questions": [string]}`

	raw, err := s.completer.Complete(ctx, system, truncate(text, 8000))
	if err != nil {
		s.logger.Warn("note processing failed, serving fallback", "error", err)
		return fallbackProcess(text)
	}

	var parsed struct {
		Summary   string   `json:"summary"`
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil || parsed.Summary == "" {
		return fallbackProcess(text)
	}
	if len(parsed.Questions) > 5 {
		parsed.Questions = parsed.Questions[:5]
	}
	return &ProcessResult{Summary: parsed.Summary, Questions: parsed.Questions}
}

func fallbackProcess(text string) *ProcessResult {
	summary := text
	if len([]rune(text)) > 200 {
		summary = truncate(text, 200) + "..."
	}
	return &ProcessResult{
		Summary: summary,
		Questions: []string{
			"What are the main ideas?",
			"How would you apply this material?",
			"Which terms need a definition?",
		},
	}
}

var conceptTokenRe = regexp.MustCompile(`[\p{L}\p{N}_-]{4,}`)

// extractConcepts asks the model for up to 5 main concepts; with no
// provider (or a failed call) it falls back to the first distinct
// longish tokens of the text.
func (s *Service) extractConcepts(ctx context.Context, text, lang string) []string {
	if s.completer != nil {
		system := "You are a study assistant that writes in the requested language. " +
			"Output language: " + lang + ". " +
			"Extract up to 5 main concepts from the text. " +
			`Respond in JSON: {"concepts": [string]}`

		if raw, err := s.completer.Complete(ctx, system, truncate(text, 8000)); err == nil {
			var parsed struct {
				Concepts []string `json:"concepts"`
			}
			if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err == nil && len(parsed.Concepts) > 0 {
				if len(parsed.Concepts) > 5 {
					parsed.Concepts = parsed.Concepts[:5]
				}
				return parsed.Concepts
			}
		}
	}
	return heuristicConcepts(text, 5)
}

func heuristicConcepts(text string, n int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range conceptTokenRe.FindAllString(text, -1) {
		key := strings.ToLower(tok)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tok)
		if len(out) == n {
			break
		}
	}
	return out
}

// GenerateCardsRequest asks for learning cards derived from a note or
// raw material.
type GenerateCardsRequest struct {
	UserID     uuid.UUID
	NoteID     *uuid.UUID
	RawContext string
	Quantity   int
	Language   string
}

// GenerateCards produces up to Quantity question cards by asking for a
// slide-style lesson and keeping the question-shaped bullets. At least
// one card is always created so the review loop has something to chew.
func (s *Service) GenerateCards(ctx context.Context, req GenerateCardsRequest) ([]review.Card, error) {
	if s.cards == nil {
		return nil, fmt.Errorf("card store not configured")
	}
	if req.Quantity <= 0 {
		req.Quantity = 5
	}

	var noteID *uuid.UUID
	material := req.RawContext
	if req.NoteID != nil {
		note, err := s.notes.Get(ctx, req.UserID, *req.NoteID)
		if errors.Is(err, notes.ErrNotFound) {
			return nil, fmt.Errorf("%w: note %s", ErrNotFound, *req.NoteID)
		}
		if err != nil {
			return nil, err
		}
		material = note.Content
		noteID = req.NoteID
	}
	if material == "" {
		return nil, fmt.Errorf("%w: provide a note or raw context", ErrValidation)
	}

	prompt := fmt.Sprintf("Generate %d flashcards (question and answer).", req.Quantity)
	ans, err := s.Answer(ctx, AnswerRequest{
		UserID:     req.UserID,
		RawContext: material,
		Prompt:     prompt,
		Level:      LevelSlides,
		Language:   req.Language,
	})
	if err != nil {
		return nil, err
	}

	questions := review.ExtractQuestions(slideBullets(ans), req.Quantity)
	if len(questions) == 0 {
		questions = []string{"What is the key takeaway?"}
	}

	var cards []review.Card
	for _, q := range questions {
		card, err := s.cards.Create(ctx, req.UserID, nil, noteID, q, "")
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	return cards, nil
}

// slideBullets flattens the bullets out of a level-2 payload, whatever
// shape the decoder gave it.
func slideBullets(ans *Answer) []string {
	payload, ok := ans.Payload.(map[string]any)
	if !ok {
		return nil
	}
	rawSlides, ok := payload["slides"].([]any)
	if !ok {
		// Fallback payloads carry typed slides.
		if typed, ok := payload["slides"].([]Slide); ok {
			var bullets []string
			for _, sl := range typed {
				bullets = append(bullets, sl.Bullets...)
			}
			return bullets
		}
		return nil
	}

	var bullets []string
	for _, raw := range rawSlides {
		slide, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		items, ok := slide["bullets"].([]any)
		if !ok {
			continue
		}
		for _, it := range items {
			if text, ok := it.(string); ok {
				bullets = append(bullets, text)
			}
		}
	}
	return bullets
}

// Grade scores a free-text answer against a reference embedding.
func (s *Service) Grade(ctx context.Context, studentAnswer string, reference []float32, keyConcepts []string, difficulty review.Difficulty) (*review.Evaluation, error) {
	if s.grader == nil {
		return nil, fmt.Errorf("grader not configured")
	}
	return s.grader.Grade(ctx, studentAnswer, reference, keyConcepts, difficulty)
}

// MaintainSummaries refreshes the user's global summary and one
// summary per subject. Individual failures are logged and skipped so a
// single bad subject cannot block the rest.
func (s *Service) MaintainSummaries(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.summaries.UpdateGlobal(ctx, userID); err != nil {
		return fmt.Errorf("refresh global summary: %w", err)
	}

	subjects, err := s.notes.ListSubjects(ctx, userID)
	if err != nil {
		return fmt.Errorf("list subjects: %w", err)
	}
	for _, sub := range subjects {
		if _, err := s.summaries.UpdateSubject(ctx, userID, sub.ID); err != nil {
			s.logger.Warn("subject summary refresh failed", "subject_id", sub.ID, "error", err)
		}
	}
	return nil
}
