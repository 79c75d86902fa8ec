// Package quota meters per-owner monthly message usage. The counter
// mutation is a single atomic check-and-increment at the storage layer;
// the ledger itself never does read-then-write arithmetic on shared state.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
)

// ErrQuotaExceeded is returned by Reserve when the increment would push the
// period count past the owner's limit. The counter is left untouched.
var ErrQuotaExceeded = errors.New("quota: monthly message limit exceeded")

// Counter is the storage primitive behind the ledger. Add must be atomic:
// it either applies the full increment under the limit or applies nothing.
type Counter interface {
	Current(ctx context.Context, ownerID, period string) (int, error)
	Add(ctx context.Context, ownerID, period string, amount, limit int) (int, error)
}

// Entitlements resolves whether an owner is on the higher-quota plan.
type Entitlements interface {
	IsEntitledToHigherQuota(ctx context.Context, ownerID string) (bool, error)
}

// PeriodKey buckets a point in time into its calendar-month usage period.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type Ledger struct {
	counter      Counter
	entitlements Entitlements
	freeLimit    int
	proLimit     int
	now          func() time.Time
	logger       *zap.SugaredLogger
}

func NewLedger(counter Counter, entitlements Entitlements, freeLimit, proLimit int, logger *zap.SugaredLogger) *Ledger {
	if freeLimit <= 0 {
		freeLimit = 50
	}
	if proLimit < freeLimit {
		proLimit = freeLimit
	}
	return &Ledger{
		counter:      counter,
		entitlements: entitlements,
		freeLimit:    freeLimit,
		proLimit:     proLimit,
		now:          time.Now,
		logger:       logger,
	}
}

// CheckRemaining reads the current period's usage against the plan limit.
// A ledger that cannot be read reports zero remaining: quota gating fails
// closed rather than letting traffic through unmetered.
func (l *Ledger) CheckRemaining(ctx context.Context, ownerID string) models.QuotaDecision {
	limit := l.limitFor(ctx, ownerID)

	current, err := l.counter.Current(ctx, ownerID, PeriodKey(l.now()))
	if err != nil {
		l.logger.Warnw("quota counter unavailable, failing closed", "owner", ownerID, "error", err)
		return models.QuotaDecision{Remaining: 0, Limit: limit, CurrentUsage: limit}
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return models.QuotaDecision{Remaining: remaining, Limit: limit, CurrentUsage: current}
}

// Reserve atomically charges amount against the current period. It is
// idempotent per amount but not per request: the orchestrator must invoke
// it at most once per completed turn.
func (l *Ledger) Reserve(ctx context.Context, ownerID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, errors.New("quota: reserve amount must be positive")
	}

	limit := l.limitFor(ctx, ownerID)
	if amount > limit {
		return 0, ErrQuotaExceeded
	}

	return l.counter.Add(ctx, ownerID, PeriodKey(l.now()), amount, limit)
}

func (l *Ledger) limitFor(ctx context.Context, ownerID string) int {
	if l.entitlements == nil {
		return l.freeLimit
	}
	entitled, err := l.entitlements.IsEntitledToHigherQuota(ctx, ownerID)
	if err != nil {
		l.logger.Warnw("entitlement lookup failed, assuming free tier", "owner", ownerID, "error", err)
		return l.freeLimit
	}
	if entitled {
		return l.proLimit
	}
	return l.freeLimit
}

// MemoryCounter keeps usage counters in process memory for tests and
// DB-less development runs. Rows mirror the usage_counters table: one
// models.UsageCounter per (owner, period), never deleted.
type MemoryCounter struct {
	mu   sync.Mutex
	rows map[string]*models.UsageCounter
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{rows: make(map[string]*models.UsageCounter)}
}

func counterKey(ownerID, period string) string {
	return ownerID + "|" + period
}

func (c *MemoryCounter) Current(ctx context.Context, ownerID, period string) (int, error) {
	_ = ctx

	c.mu.Lock()
	defer c.mu.Unlock()

	if row, ok := c.rows[counterKey(ownerID, period)]; ok {
		return row.Count, nil
	}
	return 0, nil
}

func (c *MemoryCounter) Add(ctx context.Context, ownerID, period string, amount, limit int) (int, error) {
	_ = ctx

	c.mu.Lock()
	defer c.mu.Unlock()

	key := counterKey(ownerID, period)
	row, ok := c.rows[key]
	if !ok {
		row = &models.UsageCounter{OwnerID: ownerID, Period: period}
	}
	if row.Count+amount > limit {
		return 0, ErrQuotaExceeded
	}
	row.Count += amount
	c.rows[key] = row
	return row.Count, nil
}

// StaticEntitlements resolves higher-quota owners from a fixed id set.
type StaticEntitlements struct {
	pro map[string]struct{}
}

func NewStaticEntitlements(proOwnerIDs []string) *StaticEntitlements {
	pro := make(map[string]struct{}, len(proOwnerIDs))
	for _, id := range proOwnerIDs {
		pro[id] = struct{}{}
	}
	return &StaticEntitlements{pro: pro}
}

func (e *StaticEntitlements) IsEntitledToHigherQuota(ctx context.Context, ownerID string) (bool, error) {
	_ = ctx
	_, ok := e.pro[ownerID]
	return ok, nil
}
