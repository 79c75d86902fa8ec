package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
)

// PostgresStore persists conversations and turns in Postgres. Turn order is
// the insertion order of a BIGSERIAL sequence column; parts are stored as a
// JSONB document per turn.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the underlying pool so sibling components (the quota
// counter) can share one connection set.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner_created ON conversations (owner_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS turns (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			parts JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (conversation_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_seq ON turns (conversation_id, seq);`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			owner_id TEXT NOT NULL,
			period TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, period)
		);`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, conv models.Conversation) error {
	if conv.Visibility == "" {
		conv.Visibility = models.VisibilityPrivate
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, owner_id, title, visibility, created_at) VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.OwnerID, conv.Title, string(conv.Visibility), conv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id, ownerID string) (*models.Conversation, error) {
	return s.fetch(ctx,
		`SELECT id, owner_id, title, visibility, created_at FROM conversations WHERE id = $1 AND owner_id = $2`,
		id, ownerID)
}

func (s *PostgresStore) Lookup(ctx context.Context, id string) (*models.Conversation, error) {
	return s.fetch(ctx,
		`SELECT id, owner_id, title, visibility, created_at FROM conversations WHERE id = $1`,
		id)
}

func (s *PostgresStore) fetch(ctx context.Context, query string, args ...any) (*models.Conversation, error) {
	var conv models.Conversation
	var visibility string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&conv.ID, &conv.OwnerID, &conv.Title, &visibility, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	conv.Visibility = models.Visibility(visibility)
	return &conv, nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, id, ownerID, title string) error {
	return s.updateField(ctx,
		`UPDATE conversations SET title = $3 WHERE id = $1 AND owner_id = $2`,
		id, ownerID, title)
}

func (s *PostgresStore) UpdateVisibility(ctx context.Context, id, ownerID string, visibility models.Visibility) error {
	return s.updateField(ctx,
		`UPDATE conversations SET visibility = $3 WHERE id = $1 AND owner_id = $2`,
		id, ownerID, string(visibility))
}

func (s *PostgresStore) updateField(ctx context.Context, query, id, ownerID string, value any) error {
	tag, err := s.pool.Exec(ctx, query, id, ownerID, value)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish absence from foreign ownership for mutation callers.
		existing, lookupErr := s.Lookup(ctx, id)
		if lookupErr != nil {
			return lookupErr
		}
		if existing == nil {
			return ErrNotFound
		}
		return ErrForbidden
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, conversationID string, turn models.Turn) error {
	parts, err := json.Marshal(turn.Parts)
	if err != nil {
		return fmt.Errorf("marshal turn parts: %w", err)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO turns (id, conversation_id, role, parts, created_at) VALUES ($1, $2, $3, $4, $5)`,
		turn.ID, conversationID, string(turn.Role), parts, turn.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return ErrConflict
			case pgerrcode.ForeignKeyViolation:
				return ErrNotFound
			}
		}
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Turns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, parts, created_at FROM turns WHERE conversation_id = $1 ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	turns := make([]models.Turn, 0)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) FindTurn(ctx context.Context, conversationID, turnID string) (*models.Turn, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, role, parts, created_at FROM turns WHERE conversation_id = $1 AND id = $2`,
		conversationID, turnID)

	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &turn, nil
}

func scanTurn(row pgx.Row) (models.Turn, error) {
	var turn models.Turn
	var role string
	var parts []byte
	if err := row.Scan(&turn.ID, &turn.ConversationID, &role, &parts, &turn.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Turn{}, pgx.ErrNoRows
		}
		return models.Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	turn.Role = models.Role(role)
	if err := json.Unmarshal(parts, &turn.Parts); err != nil {
		return models.Turn{}, fmt.Errorf("decode turn parts: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) TruncateAfter(ctx context.Context, conversationID, turnID string) (int, error) {
	var anchor int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq FROM turns WHERE conversation_id = $1 AND id = $2`,
		conversationID, turnID).Scan(&anchor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("locate truncation anchor: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM turns WHERE conversation_id = $1 AND seq > $2`,
		conversationID, anchor)
	if err != nil {
		return 0, fmt.Errorf("truncate turns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Delete(ctx context.Context, id, ownerID string) (DeleteResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner string
	if err := tx.QueryRow(ctx, `SELECT owner_id FROM conversations WHERE id = $1`, id).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeleteResult{}, ErrNotFound
		}
		return DeleteResult{}, fmt.Errorf("fetch conversation owner: %w", err)
	}
	if owner != ownerID {
		return DeleteResult{}, ErrForbidden
	}

	var turnCount int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE conversation_id = $1`, id).Scan(&turnCount); err != nil {
		return DeleteResult{}, fmt.Errorf("count turns: %w", err)
	}

	turnTag, err := tx.Exec(ctx, `DELETE FROM turns WHERE conversation_id = $1`, id)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete turns: %w", err)
	}
	if turnCount > 0 && turnTag.RowsAffected() == 0 {
		return DeleteResult{}, ErrInconsistentDelete
	}

	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return DeleteResult{}, fmt.Errorf("delete conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DeleteResult{}, fmt.Errorf("commit delete tx: %w", err)
	}
	return DeleteResult{Deleted: true, DeletedTurns: int(turnTag.RowsAffected())}, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, ownerID string, limit, offset int) (Page, error) {
	return s.page(ctx, ownerID, "", limit, offset)
}

func (s *PostgresStore) Search(ctx context.Context, ownerID, query string, limit, offset int) (Page, error) {
	return s.page(ctx, ownerID, strings.TrimSpace(query), limit, offset)
}

func (s *PostgresStore) page(ctx context.Context, ownerID, query string, limit, offset int) (Page, error) {
	limit, offset = clampPage(limit, offset)

	filter := `owner_id = $1`
	args := []any{ownerID}
	if query != "" {
		filter += ` AND (title ILIKE '%' || $2 || '%' OR EXISTS (
			SELECT 1 FROM turns t WHERE t.conversation_id = conversations.id AND t.parts::text ILIKE '%' || $2 || '%'
		))`
		args = append(args, query)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM conversations WHERE ` + filter
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count conversations: %w", err)
	}

	listQuery := `SELECT id, owner_id, title, visibility, created_at FROM conversations WHERE ` + filter +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0, limit)
	for rows.Next() {
		var conv models.Conversation
		var visibility string
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &visibility, &conv.CreatedAt); err != nil {
			return Page{}, fmt.Errorf("scan conversation: %w", err)
		}
		conv.Visibility = models.Visibility(visibility)
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	return Page{
		Conversations: conversations,
		Total:         total,
		HasMore:       offset+len(conversations) < total,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
