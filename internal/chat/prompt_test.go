package chat

import (
	"strings"
	"testing"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
)

func TestAssembleMessagesPrependsSystemTurn(t *testing.T) {
	history := []models.Turn{
		models.TextTurn("m1", "c1", models.RoleUser, "hello"),
		models.TextTurn("a1", "c1", models.RoleAssistant, "hi there"),
		models.TextTurn("m2", "c1", models.RoleUser, "  "),
	}

	messages := assembleMessages(history, false)
	if len(messages) != 3 {
		t.Fatalf("expected system + two non-empty turns, got %d", len(messages))
	}
	if messages[0].Role != "system" {
		t.Fatalf("system turn must come first, got %q", messages[0].Role)
	}
	if strings.Contains(messages[0].Content, webSearchDirective) {
		t.Fatalf("web-search directive present when disabled")
	}
	if messages[1].Role != "user" || messages[1].Content != "hello" {
		t.Fatalf("unexpected mapped turn: %+v", messages[1])
	}
}

func TestAssembleMessagesAddsWebSearchDirective(t *testing.T) {
	messages := assembleMessages([]models.Turn{
		models.TextTurn("m1", "c1", models.RoleUser, "what's new today?"),
	}, true)

	if !strings.Contains(messages[0].Content, webSearchDirective) {
		t.Fatalf("web-search directive missing from system turn")
	}
}

func TestFirstUserText(t *testing.T) {
	history := []models.Turn{
		models.TextTurn("s1", "c1", models.RoleSystem, "context"),
		models.TextTurn("m1", "c1", models.RoleUser, "  plan a trip  "),
		models.TextTurn("m2", "c1", models.RoleUser, "second"),
	}

	if got := firstUserText(history); got != "plan a trip" {
		t.Fatalf("expected first user text, got %q", got)
	}
	if got := firstUserText(nil); got != "" {
		t.Fatalf("expected empty seed for empty history, got %q", got)
	}
}
