package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
)

// MemoryStore keeps conversations and turns in process memory. It backs
// tests and DB-less development runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	turns         map[string][]models.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		turns:         make(map[string][]models.Turn),
	}
}

func (s *MemoryStore) Create(ctx context.Context, conv models.Conversation) error {
	_ = ctx

	if conv.Visibility == "" {
		conv.Visibility = models.VisibilityPrivate
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return ErrConflict
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id, ownerID string) (*models.Conversation, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return nil, nil
	}
	copied := conv
	return &copied, nil
}

func (s *MemoryStore) Lookup(ctx context.Context, id string) (*models.Conversation, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	copied := conv
	return &copied, nil
}

func (s *MemoryStore) UpdateTitle(ctx context.Context, id, ownerID, title string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if conv.OwnerID != ownerID {
		return ErrForbidden
	}
	conv.Title = title
	s.conversations[id] = conv
	return nil
}

func (s *MemoryStore) UpdateVisibility(ctx context.Context, id, ownerID string, visibility models.Visibility) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if conv.OwnerID != ownerID {
		return ErrForbidden
	}
	conv.Visibility = visibility
	s.conversations[id] = conv
	return nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, conversationID string, turn models.Turn) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.turns[conversationID] {
		if existing.ID == turn.ID {
			return ErrConflict
		}
	}

	turn.ConversationID = conversationID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[conversationID] = append(s.turns[conversationID], turn)
	return nil
}

func (s *MemoryStore) Turns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[conversationID]
	copied := make([]models.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

func (s *MemoryStore) FindTurn(ctx context.Context, conversationID, turnID string) (*models.Turn, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, turn := range s.turns[conversationID] {
		if turn.ID == turnID {
			copied := turn
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) TruncateAfter(ctx context.Context, conversationID, turnID string) (int, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.turns[conversationID]
	for i, turn := range turns {
		if turn.ID == turnID {
			removed := len(turns) - i - 1
			s.turns[conversationID] = turns[:i+1]
			return removed, nil
		}
	}
	return 0, ErrNotFound
}

func (s *MemoryStore) Delete(ctx context.Context, id, ownerID string) (DeleteResult, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return DeleteResult{}, ErrNotFound
	}
	if conv.OwnerID != ownerID {
		return DeleteResult{}, ErrForbidden
	}

	removed := len(s.turns[id])
	delete(s.turns, id)
	delete(s.conversations, id)
	return DeleteResult{Deleted: true, DeletedTurns: removed}, nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, ownerID string, limit, offset int) (Page, error) {
	_ = ctx
	return s.page(ownerID, "", limit, offset)
}

func (s *MemoryStore) Search(ctx context.Context, ownerID, query string, limit, offset int) (Page, error) {
	_ = ctx
	return s.page(ownerID, query, limit, offset)
}

func (s *MemoryStore) page(ownerID, query string, limit, offset int) (Page, error) {
	limit, offset = clampPage(limit, offset)
	needle := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.OwnerID != ownerID {
			continue
		}
		if needle != "" && !s.matchesLocked(conv, needle) {
			continue
		}
		matched = append(matched, conv)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if offset >= total {
		return Page{Conversations: []models.Conversation{}, Total: total, HasMore: false}, nil
	}

	end := offset + limit
	if end > total {
		end = total
	}
	window := matched[offset:end]

	return Page{
		Conversations: window,
		Total:         total,
		HasMore:       offset+len(window) < total,
	}, nil
}

func (s *MemoryStore) matchesLocked(conv models.Conversation, needle string) bool {
	if strings.Contains(strings.ToLower(conv.Title), needle) {
		return true
	}
	for _, turn := range s.turns[conv.ID] {
		serialized, err := json.Marshal(turn.Parts)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(serialized)), needle) {
			return true
		}
	}
	return false
}
