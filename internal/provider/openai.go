package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OpenAIProvider streams chat completions from an OpenAI-compatible
// /chat/completions endpoint.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  httpDoer
	logger  *zap.SugaredLogger
}

func NewOpenAIProvider(baseURL, apiKey, model string, logger *zap.SugaredLogger) *OpenAIProvider {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		baseURL: base,
		apiKey:  apiKey,
		model:   strings.TrimSpace(model),
		client:  newStreamingHTTPClient(),
		logger:  logger,
	}
}

type chatAPIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatStreamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type chatStreamChunk struct {
	ID      string             `json:"id"`
	Choices []chatStreamChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
	Error   *apiError          `json:"error,omitempty"`
}

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (Stream, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.model
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("completion request has no messages")
	}

	payload := chatAPIRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   true,
	}
	if req.Temperature > 0 {
		payload.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion payload: %w", err)
	}

	endpoint := p.baseURL + "/chat/completions"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+p.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream")

	response, err := p.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("call completion api: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(io.LimitReader(response.Body, 64*1024))
		_ = response.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("completion api error (%d)", response.StatusCode)
		}
		return nil, buildAPIError(response.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &sseStream{body: response.Body, scanner: scanner}, nil
}

// sseStream reads "data:" framed chunks until the [DONE] terminator.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseStream) Recv() (Delta, error) {
	if s.done {
		return Delta{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)

		if data == "[DONE]" {
			s.done = true
			return Delta{}, io.EOF
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Delta{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return Delta{}, fmt.Errorf("completion stream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunks carry no choices.
			if chunk.Usage != nil {
				return Delta{ID: chunk.ID, Usage: chunk.Usage}, nil
			}
			continue
		}

		choice := chunk.Choices[0]
		return Delta{
			ID:           chunk.ID,
			Content:      choice.Delta.Content,
			FinishReason: choice.FinishReason,
			Usage:        chunk.Usage,
		}, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Delta{}, fmt.Errorf("read completion stream: %w", err)
	}

	// Stream ended without an explicit terminator; treat as clean EOF.
	s.done = true
	return Delta{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
