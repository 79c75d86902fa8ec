package chat

import (
	"context"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
	"github.com/zhangyuhan0377/zyh.ai/internal/store"
)

// DedupGuard detects resubmission of an already-stored user turn. A client
// that lost its connection resends the same turn id expecting resumption;
// everything stored after that turn is stale output of the aborted attempt
// and must be truncated before a new assistant turn is written.
type DedupGuard struct {
	store store.ConversationStore
}

func NewDedupGuard(s store.ConversationStore) *DedupGuard {
	return &DedupGuard{store: s}
}

// Evaluate reports whether the incoming last turn duplicates a stored user
// turn with the same id.
func (g *DedupGuard) Evaluate(ctx context.Context, conversationID string, incoming models.Turn) (bool, error) {
	if incoming.Role != models.RoleUser || incoming.ID == "" {
		return false, nil
	}

	existing, err := g.store.FindTurn(ctx, conversationID, incoming.ID)
	if err != nil {
		return false, err
	}
	return existing != nil && existing.Role == models.RoleUser, nil
}

// TruncateStale removes every turn stored after the resent user turn. It is
// a compensating action, composed by the orchestrator into the same task
// that writes the fresh assistant turn so the two cannot reorder.
func (g *DedupGuard) TruncateStale(ctx context.Context, conversationID, turnID string) (int, error) {
	return g.store.TruncateAfter(ctx, conversationID, turnID)
}
