package chat

import (
	"strings"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
	"github.com/zhangyuhan0377/zyh.ai/internal/provider"
)

const (
	baseSystemPrompt = "You are a helpful assistant. Answer clearly and keep formatting simple. " +
		"When you are unsure about a fact, say so instead of guessing."
	webSearchDirective = "Web search is enabled for this turn: prefer fresh information and mention " +
		"when an answer depends on data that may have changed."
)

// assembleMessages converts the in-memory turn history into the provider
// wire shape, prepending the assembled system turn.
func assembleMessages(history []models.Turn, webSearchEnabled bool) []provider.Message {
	var system strings.Builder
	system.WriteString(baseSystemPrompt)
	if webSearchEnabled {
		system.WriteString("\n")
		system.WriteString(webSearchDirective)
	}

	messages := make([]provider.Message, 0, len(history)+1)
	messages = append(messages, provider.Message{Role: "system", Content: system.String()})

	for _, turn := range history {
		content := strings.TrimSpace(turn.Text())
		if content == "" {
			continue
		}
		role := string(turn.Role)
		if role == "" {
			role = string(models.RoleUser)
		}
		messages = append(messages, provider.Message{Role: role, Content: content})
	}

	return messages
}

// firstUserText returns the text of the earliest user turn, the seed for
// placeholder titles.
func firstUserText(history []models.Turn) string {
	for _, turn := range history {
		if turn.Role != models.RoleUser {
			continue
		}
		if text := strings.TrimSpace(turn.Text()); text != "" {
			return text
		}
	}
	return ""
}
