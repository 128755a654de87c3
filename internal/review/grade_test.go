package review

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

func TestDifficultyThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		difficulty Difficulty
		want       float64
	}{
		{DifficultyEasy, 0.65},
		{DifficultyMedium, 0.70},
		{DifficultyHard, 0.75},
		{Difficulty("unspecified"), 0.70},
	}

	for _, tt := range tests {
		if got := tt.difficulty.Threshold(); got != tt.want {
			t.Errorf("Threshold(%q) = %v, want %v", tt.difficulty, got, tt.want)
		}
	}
}

func TestScorePerfectAnswer(t *testing.T) {
	t.Parallel()

	ev := Score(1.0, "a stack is a LIFO structure with push and pop", []string{"LIFO", "push", "pop"}, 0.70)

	if ev.Score != 10 {
		t.Errorf("score = %d, want 10", ev.Score)
	}
	if !ev.Passed {
		t.Error("answer at similarity 1.0 should pass")
	}
	if len(ev.MissingConcepts) != 0 {
		t.Errorf("missing = %v, want none", ev.MissingConcepts)
	}
	if ev.ConceptCoverage != 1.0 {
		t.Errorf("coverage = %v, want 1.0", ev.ConceptCoverage)
	}
	if !strings.HasPrefix(ev.Feedback, "Excellent") {
		t.Errorf("feedback = %q, want congratulation", ev.Feedback)
	}
}

func TestScorePassedWithMissingConcepts(t *testing.T) {
	t.Parallel()

	ev := Score(0.85, "a stack removes the newest element first", []string{"LIFO", "pop"}, 0.70)

	if !ev.Passed {
		t.Error("similarity above threshold should pass")
	}
	if len(ev.MissingConcepts) != 2 {
		t.Errorf("missing = %v, want both concepts", ev.MissingConcepts)
	}
	if !strings.HasPrefix(ev.Feedback, "Good answer") {
		t.Errorf("feedback = %q, want the missing-concepts variant", ev.Feedback)
	}
	// raw = 0.7*0.85 + 0.3*0 = 0.595 < 0.70, so the penalty applies
	// even though similarity alone passed.
	if ev.Score != 4 {
		t.Errorf("score = %d, want 4", ev.Score)
	}
}

func TestScoreBelowThresholdPenalized(t *testing.T) {
	t.Parallel()

	// raw = 0.7*0.5 + 0.3*1.0 = 0.65 < 0.70 → 6.5 * 0.7 ≈ 4.55 → 5.
	ev := Score(0.5, "something vaguely related", nil, 0.70)

	if ev.Passed {
		t.Error("similarity below threshold should not pass")
	}
	if ev.Score != 5 {
		t.Errorf("score = %d, want 5", ev.Score)
	}
	if !strings.HasPrefix(ev.Feedback, "Review the material") {
		t.Errorf("feedback = %q, want the retry variant", ev.Feedback)
	}
}

func TestScoreFailedWithMissingConcepts(t *testing.T) {
	t.Parallel()

	ev := Score(0.4, "unrelated rambling", []string{"recursion"}, 0.70)

	if !strings.HasPrefix(ev.Feedback, "Your answer is on the right track") {
		t.Errorf("feedback = %q, want the missing-topics variant", ev.Feedback)
	}
	if ev.ConceptCoverage != 0 {
		t.Errorf("coverage = %v, want 0", ev.ConceptCoverage)
	}
}

func TestScoreConceptMatchIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	ev := Score(0.9, "queues are fifo structures", []string{"FIFO"}, 0.70)
	if len(ev.MissingConcepts) != 0 {
		t.Errorf("missing = %v, FIFO should match case-insensitively", ev.MissingConcepts)
	}
}

func TestScoreClampedToRange(t *testing.T) {
	t.Parallel()

	if ev := Score(-1.0, "x", []string{"y"}, 0.70); ev.Score < 0 {
		t.Errorf("score = %d, must not go below 0", ev.Score)
	}
	if ev := Score(1.0, "y", nil, 0.0); ev.Score > 10 {
		t.Errorf("score = %d, must not exceed 10", ev.Score)
	}
}

func TestGraderGrade(t *testing.T) {
	t.Parallel()

	ref := []float32{1, 0, 0}
	g, err := NewGrader(&fixedEmbedder{vec: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("NewGrader: %v", err)
	}

	ev, err := g.Grade(context.Background(), "a stack is LIFO", ref, []string{"LIFO"}, DifficultyMedium)
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if ev.Score != 10 {
		t.Errorf("identical embedding with full coverage: score = %d, want 10", ev.Score)
	}
}

func TestGraderGradeValidation(t *testing.T) {
	t.Parallel()

	g, err := NewGrader(&fixedEmbedder{vec: []float32{1}})
	if err != nil {
		t.Fatalf("NewGrader: %v", err)
	}

	if _, err := g.Grade(context.Background(), "  ", []float32{1}, nil, DifficultyEasy); err == nil {
		t.Error("blank answer should fail")
	}
	if _, err := g.Grade(context.Background(), "answer", nil, nil, DifficultyEasy); err == nil {
		t.Error("empty reference should fail")
	}
}

func TestGraderGradeEmbedError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("provider down")
	g, err := NewGrader(&fixedEmbedder{err: wantErr})
	if err != nil {
		t.Fatalf("NewGrader: %v", err)
	}

	if _, err := g.Grade(context.Background(), "answer", []float32{1}, nil, DifficultyEasy); !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapped %v", err, wantErr)
	}
}

func TestExtractQuestions(t *testing.T) {
	t.Parallel()

	bullets := []string{
		"What is a stack?",
		"Stacks are LIFO.",
		"  How does pop differ from peek?  ",
		"",
		"Why use recursion?",
	}

	got := ExtractQuestions(bullets, 2)
	if len(got) != 2 {
		t.Fatalf("got %d questions, want 2", len(got))
	}
	if got[0] != "What is a stack?" || got[1] != "How does pop differ from peek?" {
		t.Errorf("questions = %v", got)
	}

	if got := ExtractQuestions([]string{"no questions here"}, 5); len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
}
