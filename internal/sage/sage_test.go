package sage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ficous/sage/internal/cache"
	"github.com/ficous/sage/internal/concept"
	"github.com/ficous/sage/internal/index"
	"github.com/ficous/sage/internal/log"
	"github.com/ficous/sage/internal/notes"
	"github.com/ficous/sage/internal/retrieval"
	"github.com/ficous/sage/internal/review"
	"github.com/ficous/sage/internal/summary"
)

type fakeNotes struct {
	notes     map[uuid.UUID]*notes.Note
	subjects  []notes.Subject
	processed map[uuid.UUID]*ProcessResult
}

func newFakeNotes() *fakeNotes {
	return &fakeNotes{
		notes:     make(map[uuid.UUID]*notes.Note),
		processed: make(map[uuid.UUID]*ProcessResult),
	}
}

func (f *fakeNotes) Get(_ context.Context, _, noteID uuid.UUID) (*notes.Note, error) {
	n, ok := f.notes[noteID]
	if !ok {
		return nil, notes.ErrNotFound
	}
	return n, nil
}

func (f *fakeNotes) List(_ context.Context, _ uuid.UUID, _ *uuid.UUID) ([]notes.Note, error) {
	var out []notes.Note
	for _, n := range f.notes {
		out = append(out, *n)
	}
	return out, nil
}

func (f *fakeNotes) ListSubjects(_ context.Context, _ uuid.UUID) ([]notes.Subject, error) {
	return f.subjects, nil
}

func (f *fakeNotes) SetProcessed(_ context.Context, _, noteID uuid.UUID, summaryText string, questions, concepts []string) (*notes.Note, error) {
	n, ok := f.notes[noteID]
	if !ok {
		return nil, notes.ErrNotFound
	}
	f.processed[noteID] = &ProcessResult{Summary: summaryText, Questions: questions, Concepts: concepts}
	return n, nil
}

type fakeRetriever struct {
	matches []retrieval.Match
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ uuid.UUID, _ int, _ ...index.QueryOption) ([]retrieval.Match, error) {
	return f.matches, f.err
}

type fakeSummaries struct {
	global  *summary.Summary
	subject *summary.Summary
	updates []summary.Scope
}

func (f *fakeSummaries) Get(_ context.Context, _ uuid.UUID, scope summary.Scope, _ *uuid.UUID) (*summary.Summary, error) {
	if scope == summary.ScopeGlobal {
		return f.global, nil
	}
	return f.subject, nil
}

func (f *fakeSummaries) UpdateGlobal(_ context.Context, _ uuid.UUID) (*summary.Summary, error) {
	f.updates = append(f.updates, summary.ScopeGlobal)
	return f.global, nil
}

func (f *fakeSummaries) UpdateSubject(_ context.Context, _, _ uuid.UUID) (*summary.Summary, error) {
	f.updates = append(f.updates, summary.ScopeSubject)
	return f.subject, nil
}

type fakeConcepts struct {
	weak  []concept.Stat
	bumps map[string]float64
}

func newFakeConcepts() *fakeConcepts {
	return &fakeConcepts{bumps: make(map[string]float64)}
}

func (f *fakeConcepts) Weakest(_ context.Context, _ uuid.UUID, _ int) ([]concept.Stat, error) {
	return f.weak, nil
}

func (f *fakeConcepts) Bump(_ context.Context, _ uuid.UUID, name string, delta float64) (float64, error) {
	f.bumps[name] += delta
	return concept.Apply(concept.Baseline, f.bumps[name]), nil
}

type fakeCards struct {
	created []review.Card
}

func (f *fakeCards) Create(_ context.Context, userID uuid.UUID, subjectID, noteID *uuid.UUID, question, answer string) (*review.Card, error) {
	card := review.Card{ID: uuid.New(), UserID: userID, SubjectID: subjectID, NoteID: noteID, Question: question, Answer: answer}
	f.created = append(f.created, card)
	return &card, nil
}

type scriptedCompleter struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (s *scriptedCompleter) Complete(_ context.Context, _, userPrompt string) (string, error) {
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, userPrompt)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var resp string
	if i < len(s.responses) {
		resp = s.responses[i]
	}
	return resp, err
}

func (s *scriptedCompleter) ChatModel() string { return "gpt-4o-mini" }

type fixture struct {
	svc       *Service
	notes     *fakeNotes
	retriever *fakeRetriever
	summaries *fakeSummaries
	concepts  *fakeConcepts
	cards     *fakeCards
	completer *scriptedCompleter
}

func newFixture(t *testing.T, completer *scriptedCompleter) *fixture {
	t.Helper()

	f := &fixture{
		notes:     newFakeNotes(),
		retriever: &fakeRetriever{},
		summaries: &fakeSummaries{},
		concepts:  newFakeConcepts(),
		cards:     &fakeCards{},
		completer: completer,
	}

	cfg := Config{
		Notes:     f.notes,
		Retriever: f.retriever,
		Cache:     cache.New(cache.NewMemory(), 0, log.NewNop()),
		Summaries: f.summaries,
		Concepts:  f.concepts,
		Cards:     f.cards,
		Logger:    log.NewNop(),
	}
	if completer != nil {
		cfg.Completer = completer
	}

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func TestAnswerValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	userID := uuid.New()

	tests := []struct {
		name string
		req  AnswerRequest
	}{
		{name: "empty prompt", req: AnswerRequest{UserID: userID, RawContext: "x", Level: LevelBalloons}},
		{name: "bad level", req: AnswerRequest{UserID: userID, RawContext: "x", Prompt: "?", Level: 7}},
		{name: "no context source", req: AnswerRequest{UserID: userID, Prompt: "?", Level: LevelBalloons}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := f.svc.Answer(context.Background(), tt.req); !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestAnswerUnknownNote(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	missing := uuid.New()

	_, err := f.svc.Answer(context.Background(), AnswerRequest{
		UserID: uuid.New(), NoteID: &missing, Prompt: "explain", Level: LevelBalloons,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAnswerFallbackWithoutCompleter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	ans, err := f.svc.Answer(context.Background(), AnswerRequest{
		UserID: uuid.New(), RawContext: "stacks", Prompt: "what is a stack?", Level: LevelSlides,
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Type != "level2" {
		t.Errorf("type = %q, want level2", ans.Type)
	}
	payload, ok := ans.Payload.(map[string]any)
	if !ok || payload["slides"] == nil {
		t.Errorf("payload = %#v, want slides", ans.Payload)
	}
}

func TestAnswerParsesCompleterPayload(t *testing.T) {
	t.Parallel()

	body := `{"type":"level1","payload":{"balloons":[{"text":"A stack is LIFO."}]}}`
	f := newFixture(t, &scriptedCompleter{responses: []string{body}})

	ans, err := f.svc.Answer(context.Background(), AnswerRequest{
		UserID: uuid.New(), RawContext: "stacks", Prompt: "what is a stack?", Level: LevelBalloons,
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Type != "level1" {
		t.Errorf("type = %q, want level1", ans.Type)
	}

	encoded, _ := json.Marshal(ans.Payload)
	if !strings.Contains(string(encoded), "A stack is LIFO.") {
		t.Errorf("payload = %s, want the balloon text", encoded)
	}
}

func TestAnswerSecondCallServedFromCache(t *testing.T) {
	t.Parallel()

	body := `{"type":"level1","payload":{"balloons":[{"text":"cached"}]}}`
	f := newFixture(t, &scriptedCompleter{responses: []string{body, body}})
	req := AnswerRequest{
		UserID: uuid.New(), RawContext: "stacks", Prompt: "what is a stack?", Level: LevelBalloons,
	}

	if _, err := f.svc.Answer(context.Background(), req); err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	if _, err := f.svc.Answer(context.Background(), req); err != nil {
		t.Fatalf("second Answer: %v", err)
	}

	if f.completer.calls != 1 {
		t.Errorf("completer calls = %d, want 1 (second call cached)", f.completer.calls)
	}
}

func TestAnswerFallbackOnProviderError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &scriptedCompleter{errs: []error{errors.New("provider down")}})

	ans, err := f.svc.Answer(context.Background(), AnswerRequest{
		UserID: uuid.New(), RawContext: "stacks", Prompt: "what is a stack?", Level: LevelSections,
	})
	if err != nil {
		t.Fatalf("Answer should degrade, got error: %v", err)
	}
	if ans.Type != "level3" {
		t.Errorf("type = %q, want level3 fallback", ans.Type)
	}
}

func TestAnswerBumpsNoteConcepts(t *testing.T) {
	t.Parallel()

	body := `{"type":"level1","payload":{"balloons":[{"text":"ok"}]}}`
	f := newFixture(t, &scriptedCompleter{responses: []string{body}})

	userID := uuid.New()
	noteID := uuid.New()
	f.notes.notes[noteID] = &notes.Note{
		ID: noteID, UserID: userID,
		Content:  "stacks are LIFO",
		Concepts: []string{"stack", "LIFO"},
	}

	if _, err := f.svc.Answer(context.Background(), AnswerRequest{
		UserID: userID, NoteID: &noteID, Prompt: "explain", Level: LevelBalloons,
	}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	for _, c := range []string{"stack", "LIFO"} {
		if f.concepts.bumps[c] != 0.1 {
			t.Errorf("bump[%s] = %v, want 0.1", c, f.concepts.bumps[c])
		}
	}
}

func TestAnswerMegacontextCarriesPersonalization(t *testing.T) {
	t.Parallel()

	body := `{"type":"level1","payload":{"balloons":[{"text":"ok"}]}}`
	completer := &scriptedCompleter{responses: []string{body}}
	f := newFixture(t, completer)

	f.retriever.matches = []retrieval.Match{{Text: "a stack pops the newest element"}}
	f.summaries.global = &summary.Summary{Content: "you have covered lists and trees"}
	f.concepts.weak = []concept.Stat{{Concept: "recursion"}, {Concept: "pointers"}}

	if _, err := f.svc.Answer(context.Background(), AnswerRequest{
		UserID: uuid.New(), RawContext: "stack notes", Prompt: "what is a stack?", Level: LevelBalloons,
	}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	sent := completer.prompts[0]
	for _, want := range []string{
		"a stack pops the newest element",
		"you have covered lists and trees",
		"recursion, pointers",
		"Main content: stack notes",
	} {
		if !strings.Contains(sent, want) {
			t.Errorf("assembled context missing %q", want)
		}
	}
}

func TestAnswerUsesNoteSubjectWhenNoneGiven(t *testing.T) {
	t.Parallel()

	body := `{"type":"level1","payload":{"balloons":[{"text":"ok"}]}}`
	completer := &scriptedCompleter{responses: []string{body}}
	f := newFixture(t, completer)

	userID := uuid.New()
	noteID := uuid.New()
	subjectID := uuid.New()
	f.notes.notes[noteID] = &notes.Note{
		ID: noteID, UserID: userID, SubjectID: &subjectID,
		Content: "mitosis has four phases",
	}
	f.summaries.subject = &summary.Summary{Content: "you have covered cell division basics"}

	if _, err := f.svc.Answer(context.Background(), AnswerRequest{
		UserID: userID, NoteID: &noteID, Prompt: "explain mitosis", Level: LevelBalloons,
	}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if !strings.Contains(completer.prompts[0], "Subject overview: you have covered cell division basics") {
		t.Error("note's subject summary should enrich the context when no subject is passed")
	}
}

func TestProcessFallbackWithoutCompleter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	long := strings.Repeat("photosynthesis converts light into chemical energy. ", 20)
	res, err := f.svc.Process(context.Background(), ProcessRequest{
		UserID: uuid.New(), RawContent: long,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.HasSuffix(res.Summary, "...") {
		t.Errorf("fallback summary should be truncated, got %q", res.Summary)
	}
	if len(res.Questions) != 3 {
		t.Errorf("fallback questions = %d, want 3", len(res.Questions))
	}
	if len(res.Concepts) == 0 {
		t.Error("heuristic concepts should not be empty")
	}
}

func TestProcessStoresResultOnNote(t *testing.T) {
	t.Parallel()

	summaryBody := `{"summary":"Light becomes sugar.","questions":["How?","Where?","Why?"]}`
	conceptsBody := `{"concepts":["photosynthesis","chlorophyll"]}`
	f := newFixture(t, &scriptedCompleter{responses: []string{summaryBody, conceptsBody}})

	userID := uuid.New()
	noteID := uuid.New()
	f.notes.notes[noteID] = &notes.Note{ID: noteID, UserID: userID, Content: "photosynthesis notes"}

	res, err := f.svc.Process(context.Background(), ProcessRequest{UserID: userID, NoteID: &noteID})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Summary != "Light becomes sugar." {
		t.Errorf("summary = %q", res.Summary)
	}

	stored := f.notes.processed[noteID]
	if stored == nil {
		t.Fatal("processed result was not stored on the note")
	}
	if len(stored.Questions) != 3 || len(stored.Concepts) != 2 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestGenerateCardsFromSlides(t *testing.T) {
	t.Parallel()

	body := `{"type":"level2","payload":{"slides":[{"title":"Review","bullets":["What is a stack?","Stacks are LIFO.","When to use a queue?"]}]}}`
	f := newFixture(t, &scriptedCompleter{responses: []string{body}})

	cards, err := f.svc.GenerateCards(context.Background(), GenerateCardsRequest{
		UserID: uuid.New(), RawContext: "stacks and queues", Quantity: 2,
	})
	if err != nil {
		t.Fatalf("GenerateCards: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("cards = %d, want 2", len(cards))
	}
	if cards[0].Question != "What is a stack?" || cards[1].Question != "When to use a queue?" {
		t.Errorf("questions = %q, %q", cards[0].Question, cards[1].Question)
	}
}

func TestGenerateCardsAlwaysYieldsACard(t *testing.T) {
	t.Parallel()

	// No completer: the slide fallback has no question bullets.
	f := newFixture(t, nil)

	cards, err := f.svc.GenerateCards(context.Background(), GenerateCardsRequest{
		UserID: uuid.New(), RawContext: "bare material",
	})
	if err != nil {
		t.Fatalf("GenerateCards: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("cards = %d, want the single fallback card", len(cards))
	}
}

func TestMaintainSummaries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.notes.subjects = []notes.Subject{
		{ID: uuid.New(), Name: "biology"},
		{ID: uuid.New(), Name: "algorithms"},
	}

	if err := f.svc.MaintainSummaries(context.Background(), uuid.New()); err != nil {
		t.Fatalf("MaintainSummaries: %v", err)
	}

	var global, subject int
	for _, scope := range f.summaries.updates {
		if scope == summary.ScopeGlobal {
			global++
		} else {
			subject++
		}
	}
	if global != 1 || subject != 2 {
		t.Errorf("updates = %d global / %d subject, want 1/2", global, subject)
	}
}
