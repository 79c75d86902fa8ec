// Package provider wraps the external model-completion and
// title-summarization facilities behind small interfaces so the turn
// pipeline can be exercised without network access.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Message is one prompt message in the OpenAI-compatible wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries token accounting returned by the completion API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateRequest describes one streamed completion call.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Delta is one streamed content increment. ID carries the
// provider-generated completion id and is stable across the stream. Usage
// arrives at most once, on the final chunk of APIs that report it.
type Delta struct {
	ID           string
	Content      string
	FinishReason string
	Usage        *Usage
}

// Stream yields deltas until io.EOF. Close releases the transport.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// CompletionProvider produces message content incrementally.
type CompletionProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (Stream, error)
}

// TitleProvider summarizes a conversation opening into a short title.
type TitleProvider interface {
	Summarize(ctx context.Context, text string) (string, error)
}

const defaultHTTPTimeout = 20 * time.Second

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

func newDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// newStreamingHTTPClient has no client-side timeout; long-lived streams are
// bounded by the request context instead.
func newStreamingHTTPClient() *http.Client {
	return &http.Client{}
}

type apiError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Error *apiError `json:"error,omitempty"`
}

func decodeAPIError(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}

	if envelope.Error == nil {
		return nil
	}

	envelope.Error.Message = strings.TrimSpace(envelope.Error.Message)
	return envelope.Error
}

func buildAPIError(statusCode int, body []byte) error {
	if apiErr := decodeAPIError(body); apiErr != nil {
		if apiErr.Code != "" && apiErr.Message != "" {
			return fmt.Errorf("completion api error (%d, %s): %s", statusCode, apiErr.Code, apiErr.Message)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("completion api error (%d): %s", statusCode, apiErr.Message)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("completion api error (%d, %s)", statusCode, apiErr.Code)
		}
	}

	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		snippet = http.StatusText(statusCode)
	}
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	return fmt.Errorf("completion api error (%d): %s", statusCode, snippet)
}

func truncateRunes(input string, max int) string {
	if max <= 0 {
		return input
	}
	if utf8.RuneCountInString(input) <= max {
		return input
	}

	var builder strings.Builder
	count := 0
	for _, r := range input {
		if count >= max {
			builder.WriteRune('…')
			break
		}
		builder.WriteRune(r)
		count++
	}
	return builder.String()
}
