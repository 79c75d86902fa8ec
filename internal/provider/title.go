package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	maxTitleRuneLength = 40
	titleSystemPrompt  = "Summarize the user's message into a conversation title of at most six words. " +
		"Answer with the title only, no quotes and no trailing punctuation."
)

// TitleService asks the completion API for a short conversation title.
type TitleService struct {
	baseURL string
	apiKey  string
	model   string
	client  httpDoer
	logger  *zap.SugaredLogger
}

func NewTitleService(baseURL, apiKey, model string, logger *zap.SugaredLogger) *TitleService {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}

	return &TitleService{
		baseURL: base,
		apiKey:  apiKey,
		model:   strings.TrimSpace(model),
		client:  newDefaultHTTPClient(),
		logger:  logger,
	}
}

type titleAPIResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

func (s *TitleService) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("nothing to summarize")
	}

	payload := chatAPIRequest{
		Model: s.model,
		Messages: []Message{
			{Role: "system", Content: titleSystemPrompt},
			{Role: "user", Content: truncateRunes(text, 500)},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal title payload: %w", err)
	}

	endpoint := s.baseURL + "/chat/completions"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create title request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("call title api: %w", err)
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read title response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", buildAPIError(response.StatusCode, respBody)
	}

	var apiResp titleAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("decode title response: %w", err)
	}
	if apiResp.Error != nil && apiResp.Error.Message != "" {
		return "", fmt.Errorf("title api error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("title response contained no choices")
	}

	title := sanitizeTitle(apiResp.Choices[0].Message.Content)
	if title == "" {
		return "", fmt.Errorf("title response was empty")
	}
	return title, nil
}

// FallbackTitle derives a placeholder title from the opening user text.
func FallbackTitle(text string) string {
	title := sanitizeTitle(text)
	if title == "" {
		return "New conversation"
	}
	return truncateRunes(title, maxTitleRuneLength)
}

func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.Join(strings.Fields(title), " ")
	return strings.TrimRight(title, ".!?")
}
