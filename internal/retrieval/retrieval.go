// Package retrieval ranks indexed fragments against a query by
// personalized relevance.
//
// The score is similarity × concept-strength × recency, so content the
// user is weak on and saw recently outranks equally similar content they
// have mastered. Ranking is a pure function of the candidate set: sorting
// is stable and permuting the input order never changes the selected
// top-K set, only tie-break order among equal scores.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/ficous/sage/internal/index"
)

// DefaultTopK bounds result size when the caller does not specify one.
const DefaultTopK = 5

// Match is a ranked retrieval result.
type Match struct {
	Text       string
	Similarity float64
	PersoScore float64
	OwnerType  index.OwnerType
	OwnerID    uuid.UUID
}

// Embedder converts query text into the system-wide vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FragmentSource supplies the candidate fragments for a user.
type FragmentSource interface {
	Query(ctx context.Context, userID uuid.UUID, opts ...index.QueryOption) ([]index.Fragment, error)
}

// Retriever ranks a user's fragments against a query.
type Retriever struct {
	embedder  Embedder
	fragments FragmentSource
	logger    *slog.Logger
}

// New creates a Retriever.
func New(embedder Embedder, fragments FragmentSource, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, fragments: fragments, logger: logger}
}

// Retrieve returns the topK fragments most relevant to query for userID,
// ordered by descending PersoScore. A user with no fragments yields an
// empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, userID uuid.UUID, topK int, opts ...index.QueryOption) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	fragments, err := r.fragments.Query(ctx, userID, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading candidate fragments: %w", err)
	}
	if len(fragments) == 0 {
		return []Match{}, nil
	}

	matches := make([]Match, 0, len(fragments))
	for _, f := range fragments {
		if len(f.Vector) == 0 {
			continue
		}
		sim := Cosine(queryVec, f.Vector)
		matches = append(matches, Match{
			Text:       f.Text,
			Similarity: sim,
			PersoScore: sim * f.Metadata.Strength * f.Metadata.Recency,
			OwnerType:  f.OwnerType,
			OwnerID:    f.OwnerID,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].PersoScore > matches[j].PersoScore
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}

	r.logger.Debug("retrieval ranked", "candidates", len(fragments), "returned", len(matches))
	return matches, nil
}

// Cosine computes the cosine similarity of two raw vectors without
// renormalization beyond the dot-product/magnitude formula. The result is
// clamped to [-1, 1]; mismatched lengths or a zero vector yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return math.Max(-1, math.Min(1, sim))
}
