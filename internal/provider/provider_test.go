package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ficous/sage/internal/log"
	"github.com/ficous/sage/internal/resilience"
)

// mockAPI implements completionAPI for tests.
type mockAPI struct {
	embedCalls int
	chatCalls  int
	lastInput  string

	embedVec []float32
	embedErr error
	chatText string
	chatErr  error
}

func (m *mockAPI) CreateEmbeddings(_ context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	m.embedCalls++
	if r, ok := req.(openai.EmbeddingRequestStrings); ok && len(r.Input) > 0 {
		m.lastInput = r.Input[0]
	}
	if m.embedErr != nil {
		return openai.EmbeddingResponse{}, m.embedErr
	}
	return openai.EmbeddingResponse{
		Data: []openai.Embedding{{Embedding: m.embedVec}},
	}, nil
}

func (m *mockAPI) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.chatCalls++
	if m.chatErr != nil {
		return openai.ChatCompletionResponse{}, m.chatErr
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.chatText}},
		},
	}, nil
}

// testClient builds a Client around a mock with a fast retry policy.
func testClient(api completionAPI, dim int) *Client {
	cfg := DefaultConfig("test-key")
	cfg.Dimension = dim
	cfg.Retry = resilience.RetryPolicy{MaxAttempts: 2, BaseDelay: 1, Multiplier: 1, MaxDelay: 1}
	cfg.RequestsPerSecond = 0
	c := New(cfg, log.NewNop())
	c.api = api
	return c
}

func TestDeterministicFallback(t *testing.T) {
	t.Parallel()

	a := DeterministicFallback("same text", 8)
	b := DeterministicFallback("same text", 8)
	c := DeterministicFallback("other text", 8)

	if len(a) != 8 {
		t.Fatalf("expected 8 dimensions, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("identical text must produce identical fallback vectors")
		}
	}
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("distinct texts should produce distinct fallback vectors")
	}
}

func TestEmbed_Success(t *testing.T) {
	t.Parallel()

	api := &mockAPI{embedVec: []float32{0.1, 0.2, 0.3}}
	c := testClient(api, 3)

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestEmbed_TruncatesLongInput(t *testing.T) {
	t.Parallel()

	api := &mockAPI{embedVec: []float32{1, 2, 3}}
	c := testClient(api, 3)

	long := strings.Repeat("a", maxEmbedInput+500)
	if _, err := c.Embed(context.Background(), long); err != nil {
		t.Fatal(err)
	}
	if got := len([]rune(api.lastInput)); got != maxEmbedInput {
		t.Errorf("input should be truncated to %d chars, got %d", maxEmbedInput, got)
	}
}

func TestEmbed_FallsBackWhenUnconfigured(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig(""), log.NewNop())

	vec, err := c.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatalf("fallback mode must not error: %v", err)
	}
	if len(vec) != DefaultDimension {
		t.Errorf("fallback vector must match the system dimension, got %d", len(vec))
	}
}

func TestEmbed_FallsBackOnExhaustedRetries(t *testing.T) {
	t.Parallel()

	api := &mockAPI{embedErr: errors.New("503 service unavailable")}
	c := testClient(api, 3)

	vec, err := c.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("indexing must not block on provider failure: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected fallback vector of system dimension, got %d", len(vec))
	}
	if api.embedCalls != 2 {
		t.Errorf("expected retries before falling back, got %d calls", api.embedCalls)
	}
}

func TestEmbed_DimensionMismatchIsFatal(t *testing.T) {
	t.Parallel()

	api := &mockAPI{embedVec: []float32{1, 2}}
	c := testClient(api, 3)

	if _, err := c.Embed(context.Background(), "text"); err == nil {
		t.Fatal("a provider/schema width disagreement must not be indexed silently")
	}
}

func TestComplete_Success(t *testing.T) {
	t.Parallel()

	api := &mockAPI{chatText: `{"ok":true}`}
	c := testClient(api, 3)

	got, err := c.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"ok":true}` {
		t.Errorf("got %q", got)
	}
}

func TestComplete_UnconfiguredReportsUnavailable(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig(""), log.NewNop())

	_, err := c.Complete(context.Background(), "s", "u")
	if !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestComplete_AuthErrorNotRetried(t *testing.T) {
	t.Parallel()

	api := &mockAPI{chatErr: errors.New("401 invalid api key")}
	c := testClient(api, 3)

	_, err := c.Complete(context.Background(), "s", "u")
	if err == nil {
		t.Fatal("expected error")
	}
	if api.chatCalls != 1 {
		t.Errorf("auth failures must not be retried, got %d calls", api.chatCalls)
	}
}

func TestComplete_TransientRetriedThenUnavailable(t *testing.T) {
	t.Parallel()

	api := &mockAPI{chatErr: errors.New("connection reset by peer")}
	c := testClient(api, 3)

	_, err := c.Complete(context.Background(), "s", "u")
	if !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if api.chatCalls != 2 {
		t.Errorf("expected both attempts used, got %d", api.chatCalls)
	}
}
