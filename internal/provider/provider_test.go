package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestGenerateStreamsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"id":"cmpl-1","choices":[{"delta":{"content":"Hel"}}]}`,
			``,
			`: keepalive comment`,
			`data: {"id":"cmpl-1","choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"id":"cmpl-1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: {"id":"cmpl-1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`data: [DONE]`,
		}
		for _, frame := range frames {
			io.WriteString(w, frame+"\n")
		}
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "test-key", "test-model", zap.NewNop().Sugar())

	stream, err := p.Generate(context.Background(), GenerateRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("generate returned error: %v", err)
	}
	defer stream.Close()

	var content strings.Builder
	var id string
	var usage *Usage
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv returned error: %v", err)
		}
		id = delta.ID
		content.WriteString(delta.Content)
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}

	if content.String() != "Hello" {
		t.Fatalf("expected accumulated content %q, got %q", "Hello", content.String())
	}
	if id != "cmpl-1" {
		t.Fatalf("expected provider completion id, got %q", id)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Fatalf("expected token usage from final chunk, got %+v", usage)
	}
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":"rate_limited","message":"slow down"}}`)
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "test-key", "test-model", zap.NewNop().Sugar())

	_, err := p.Generate(context.Background(), GenerateRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("expected provider message in error, got %v", err)
	}
}

func TestGenerateRequiresMessages(t *testing.T) {
	p := NewOpenAIProvider("http://localhost:1", "key", "model", zap.NewNop().Sugar())
	if _, err := p.Generate(context.Background(), GenerateRequest{}); err == nil {
		t.Fatalf("expected error for empty message list")
	}
}

func TestSummarizeReturnsSanitizedTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"  \"Weekend in Lisbon.\"  "}}]}`)
	}))
	defer server.Close()

	s := NewTitleService(server.URL, "key", "model", zap.NewNop().Sugar())

	title, err := s.Summarize(context.Background(), "let's plan a weekend trip to Lisbon")
	if err != nil {
		t.Fatalf("summarize returned error: %v", err)
	}
	if title != "Weekend in Lisbon" {
		t.Fatalf("unexpected title %q", title)
	}
}

func TestSummarizeSurfacesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := NewTitleService(server.URL, "key", "model", zap.NewNop().Sugar())

	if _, err := s.Summarize(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error from failing title api")
	}
}

func TestFallbackTitle(t *testing.T) {
	if got := FallbackTitle("   "); got != "New conversation" {
		t.Fatalf("expected default placeholder, got %q", got)
	}

	long := strings.Repeat("a", 80)
	got := FallbackTitle(long)
	if len([]rune(got)) != maxTitleRuneLength+1 {
		t.Fatalf("expected truncation to %d runes plus ellipsis, got %d", maxTitleRuneLength, len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}

	if got := FallbackTitle("hello   world"); got != "hello world" {
		t.Fatalf("expected whitespace collapse, got %q", got)
	}
}
