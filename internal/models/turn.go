package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the typed content segments of a turn.
type PartType string

const (
	PartText      PartType = "text"
	PartFile      PartType = "file"
	PartTool      PartType = "tool"
	PartReasoning PartType = "reasoning"
)

// TurnPart is one ordered content segment within a turn. Exactly the fields
// relevant to its type are populated.
type TurnPart struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	FileID     string          `json:"file_id,omitempty"`
	FileName   string          `json:"file_name,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// Turn is one message within a conversation. User turn ids are generated by
// the client, assistant turn ids by the completion provider. Turns form a
// strictly append-ordered sequence and are never mutated except by
// dedup-triggered truncation.
type Turn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           Role       `json:"role"`
	Parts          []TurnPart `json:"parts"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TextTurn builds a turn holding a single text part.
func TextTurn(id, conversationID string, role Role, text string) Turn {
	return Turn{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Parts:          []TurnPart{{Type: PartText, Text: text}},
	}
}

// Text concatenates the text segments of the turn.
func (t Turn) Text() string {
	var builder strings.Builder
	for _, part := range t.Parts {
		if part.Type != PartText || part.Text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(part.Text)
	}
	return builder.String()
}
