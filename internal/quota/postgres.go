package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCounter stores usage counters in the usage_counters table. It
// shares the pool of the conversation store; the schema lives there too.
type PostgresCounter struct {
	pool *pgxpool.Pool
}

func NewPostgresCounter(pool *pgxpool.Pool) *PostgresCounter {
	return &PostgresCounter{pool: pool}
}

func (c *PostgresCounter) Current(ctx context.Context, ownerID, period string) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx,
		`SELECT count FROM usage_counters WHERE owner_id = $1 AND period = $2`,
		ownerID, period).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read usage counter: %w", err)
	}
	return count, nil
}

// Add performs the conditional upsert-increment in one round trip. The
// WHERE clause on the conflict update makes the limit check and the
// increment a single atomic statement; no row coming back means the limit
// would have been crossed and nothing was charged.
func (c *PostgresCounter) Add(ctx context.Context, ownerID, period string, amount, limit int) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx,
		`INSERT INTO usage_counters (owner_id, period, count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id, period) DO UPDATE
		 SET count = usage_counters.count + EXCLUDED.count
		 WHERE usage_counters.count + EXCLUDED.count <= $4
		 RETURNING count`,
		ownerID, period, amount, limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrQuotaExceeded
		}
		return 0, fmt.Errorf("increment usage counter: %w", err)
	}
	return count, nil
}
