package chat

import (
	"context"
	"testing"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
	"github.com/zhangyuhan0377/zyh.ai/internal/store"
)

func TestEvaluateDetectsResentUserTurn(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, models.Conversation{ID: "c1", OwnerID: "alice"}); err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if err := s.AppendTurn(ctx, "c1", models.TextTurn("m1", "c1", models.RoleUser, "hello")); err != nil {
		t.Fatalf("append returned error: %v", err)
	}

	guard := NewDedupGuard(s)

	dup, err := guard.Evaluate(ctx, "c1", models.TextTurn("m1", "c1", models.RoleUser, "hello"))
	if err != nil {
		t.Fatalf("evaluate returned error: %v", err)
	}
	if !dup {
		t.Fatalf("resent user turn id not detected as duplicate")
	}

	dup, err = guard.Evaluate(ctx, "c1", models.TextTurn("m2", "c1", models.RoleUser, "fresh"))
	if err != nil || dup {
		t.Fatalf("fresh turn flagged as duplicate: dup=%v err=%v", dup, err)
	}
}

func TestEvaluateIgnoresNonUserTurns(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, models.Conversation{ID: "c1", OwnerID: "alice"}); err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if err := s.AppendTurn(ctx, "c1", models.TextTurn("a1", "c1", models.RoleAssistant, "reply")); err != nil {
		t.Fatalf("append returned error: %v", err)
	}

	guard := NewDedupGuard(s)

	dup, err := guard.Evaluate(ctx, "c1", models.TextTurn("a1", "c1", models.RoleAssistant, "reply"))
	if err != nil || dup {
		t.Fatalf("assistant turn must never be treated as a resend: dup=%v err=%v", dup, err)
	}
}

func TestTruncateStaleRemovesTrailingTurns(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, models.Conversation{ID: "c1", OwnerID: "alice"}); err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	for _, id := range []string{"m1", "a1", "m2", "a2"} {
		role := models.RoleAssistant
		if id[0] == 'm' {
			role = models.RoleUser
		}
		if err := s.AppendTurn(ctx, "c1", models.TextTurn(id, "c1", role, id)); err != nil {
			t.Fatalf("append returned error: %v", err)
		}
	}

	guard := NewDedupGuard(s)
	removed, err := guard.TruncateStale(ctx, "c1", "m1")
	if err != nil {
		t.Fatalf("truncate returned error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 stale turns removed, got %d", removed)
	}

	turns, _ := s.Turns(ctx, "c1")
	if len(turns) != 1 || turns[0].ID != "m1" {
		t.Fatalf("unexpected surviving turns: %+v", turns)
	}
}
