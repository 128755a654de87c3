package review

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ficous/sage/internal/retrieval"
)

// Difficulty selects how strict semantic grading is.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Threshold returns the similarity bar for a difficulty. Unknown
// difficulties get the medium bar.
func (d Difficulty) Threshold() float64 {
	switch d {
	case DifficultyEasy:
		return 0.65
	case DifficultyHard:
		return 0.75
	default:
		return 0.70
	}
}

const (
	similarityWeight = 0.7
	coverageWeight   = 0.3
	belowBarPenalty  = 0.7
)

// Evaluation is the result of grading one free-text answer.
type Evaluation struct {
	Similarity      float64  `json:"similarity"`
	ConceptCoverage float64  `json:"concept_coverage"`
	Score           int      `json:"score"`
	MissingConcepts []string `json:"missing_concepts"`
	Feedback        string   `json:"feedback"`
	Passed          bool     `json:"passed"`
}

// Embedder turns text into a vector in the index's embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Grader scores student answers against a reference embedding.
type Grader struct {
	embedder Embedder
}

// NewGrader creates a Grader.
func NewGrader(embedder Embedder) (*Grader, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Grader{embedder: embedder}, nil
}

// Grade embeds the student answer and scores it on a 0..10 scale:
// 70% cosine similarity to the reference, 30% key-concept coverage,
// with a flat penalty when the blend falls below the difficulty's bar.
func (g *Grader) Grade(ctx context.Context, studentAnswer string, reference []float32, keyConcepts []string, difficulty Difficulty) (*Evaluation, error) {
	if strings.TrimSpace(studentAnswer) == "" {
		return nil, fmt.Errorf("student answer is empty")
	}
	if len(reference) == 0 {
		return nil, fmt.Errorf("reference embedding is empty")
	}

	vec, err := g.embedder.Embed(ctx, studentAnswer)
	if err != nil {
		return nil, fmt.Errorf("embed student answer: %w", err)
	}

	return Score(retrieval.Cosine(vec, reference), studentAnswer, keyConcepts, difficulty.Threshold()), nil
}

// Score is the pure scoring core: it takes an already computed
// similarity and applies the coverage blend, penalty, and feedback
// table. Exposed separately so scoring stays testable without a
// provider.
func Score(similarity float64, studentAnswer string, keyConcepts []string, threshold float64) *Evaluation {
	lower := strings.ToLower(studentAnswer)
	missing := []string{}
	for _, c := range keyConcepts {
		if c == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(c)) {
			missing = append(missing, c)
		}
	}

	coverage := 1.0 - float64(len(missing))/math.Max(1, float64(len(keyConcepts)))
	raw := similarityWeight*similarity + coverageWeight*coverage

	scaled := raw * 10
	if raw < threshold {
		scaled *= belowBarPenalty
	}
	score := int(math.Round(scaled))
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}

	passed := similarity >= threshold

	var feedback string
	switch {
	case passed && len(missing) == 0:
		feedback = "Excellent answer! You covered the main concepts."
	case passed:
		feedback = "Good answer, but consider mentioning: " + strings.Join(missing, ", ")
	case len(missing) > 0:
		feedback = "Your answer is on the right track, but it missed: " + strings.Join(missing, ", ")
	default:
		feedback = "Review the material and try again, focusing on the main concepts."
	}

	return &Evaluation{
		Similarity:      similarity,
		ConceptCoverage: coverage,
		Score:           score,
		MissingConcepts: missing,
		Feedback:        feedback,
		Passed:          passed,
	}
}
