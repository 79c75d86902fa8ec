// Package store holds conversation records and their ordered turn
// sequences. Two implementations exist: an in-memory store used for tests
// and development, and a Postgres store for deployments.
package store

import (
	"context"
	"errors"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
)

var (
	// ErrConflict is returned by Create when the conversation id is taken
	// and by AppendTurn when the turn id already exists in the conversation.
	ErrConflict = errors.New("store: id already exists")
	// ErrNotFound is returned when a referenced conversation or turn is absent.
	ErrNotFound = errors.New("store: not found")
	// ErrForbidden is returned by mutation paths when the conversation
	// belongs to a different owner. Read paths return nil instead so that
	// existence does not leak across owners.
	ErrForbidden = errors.New("store: conversation owned by another user")
	// ErrInconsistentDelete reports a delete that found turns but removed
	// none of them. It must never be swallowed as success.
	ErrInconsistentDelete = errors.New("store: conversation delete removed no turns while turns existed")
)

// DeleteResult reports what a cascading conversation delete removed.
type DeleteResult struct {
	Deleted      bool `json:"deleted"`
	DeletedTurns int  `json:"deleted_turns"`
}

// Page is one window of a paginated conversation listing.
type Page struct {
	Conversations []models.Conversation `json:"conversations"`
	Total         int                   `json:"total"`
	HasMore       bool                  `json:"has_more"`
}

// ConversationStore is the durable home of conversations and turns.
type ConversationStore interface {
	// Create inserts a new conversation. A taken id yields ErrConflict,
	// never a silent overwrite.
	Create(ctx context.Context, conv models.Conversation) error
	// Get returns the conversation scoped by owner. Cross-owner reads
	// return (nil, nil), indistinguishable from absence.
	Get(ctx context.Context, id, ownerID string) (*models.Conversation, error)
	// Lookup returns the conversation regardless of owner. Used by the
	// orchestrator to run its explicit ownership check on the write path.
	Lookup(ctx context.Context, id string) (*models.Conversation, error)
	UpdateTitle(ctx context.Context, id, ownerID, title string) error
	UpdateVisibility(ctx context.Context, id, ownerID string, visibility models.Visibility) error
	// AppendTurn appends a turn to the strictly ordered sequence.
	AppendTurn(ctx context.Context, conversationID string, turn models.Turn) error
	Turns(ctx context.Context, conversationID string) ([]models.Turn, error)
	FindTurn(ctx context.Context, conversationID, turnID string) (*models.Turn, error)
	// TruncateAfter removes every turn stored after turnID and reports how
	// many were removed.
	TruncateAfter(ctx context.Context, conversationID, turnID string) (int, error)
	// Delete removes the conversation and all of its turns as one logical
	// unit.
	Delete(ctx context.Context, id, ownerID string) (DeleteResult, error)
	ListRecent(ctx context.Context, ownerID string, limit, offset int) (Page, error)
	// Search matches case-insensitively against titles and serialized turn
	// content, in stable creation-descending order.
	Search(ctx context.Context, ownerID, query string, limit, offset int) (Page, error)
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
