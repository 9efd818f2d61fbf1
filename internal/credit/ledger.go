// Package credit implements the per-user generation quota gate.
//
// Consumption is a single atomic upsert in PostgreSQL, so concurrent turns
// by the same user cannot double-spend past the quota ceiling. Credits are
// charged on attempt: a turn that later fails does not refund.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atelier-dev/atelier/internal/log"
)

// ErrQuotaExhausted indicates the user has no credits left in the current
// period. Distinct from storage failures so callers can route the user to
// an upgrade flow instead of a generic error.
var ErrQuotaExhausted = errors.New("credit quota exhausted")

// Tier identifies a user's plan. The quota is resolved per call, never
// cached, since a user's tier may change between turns.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// TierFunc resolves a user's current tier. The auth system owns tiers;
// this package only asks.
type TierFunc func(ctx context.Context, userID string) (Tier, error)

// Quotas holds the per-tier credit ceilings and the reset period.
type Quotas struct {
	Free   int
	Pro    int
	Period time.Duration
}

// quotaFor returns the ceiling for a tier; unknown tiers get the free quota.
func (q Quotas) quotaFor(tier Tier) int {
	if tier == TierPro {
		return q.Pro
	}
	return q.Free
}

// Receipt reports the outcome of a successful consume.
type Receipt struct {
	Remaining int
	ResetAt   time.Time
}

// DB is the subset of *pgxpool.Pool the ledger depends on.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger gates generation turns on per-user credit consumption.
//
// Ledger is safe for concurrent use by multiple goroutines.
type Ledger struct {
	db     DB
	quotas Quotas
	tierFn TierFunc
	logger log.Logger
}

// NewLedger creates a ledger. tierFn may be nil, in which case every user
// is treated as free tier.
func NewLedger(db DB, quotas Quotas, tierFn TierFunc, logger log.Logger) *Ledger {
	if tierFn == nil {
		tierFn = func(context.Context, string) (Tier, error) { return TierFree, nil }
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Ledger{db: db, quotas: quotas, tierFn: tierFn, logger: logger}
}

// consumeSQL increments the user's counter by one unless the ceiling is
// reached, resetting the counter when the period has elapsed. The whole
// decision runs inside one statement so it is atomic under concurrency:
// with one credit remaining, exactly one of N concurrent calls gets a row
// back and the rest fall through to no-rows.
const consumeSQL = `
INSERT INTO credits (user_id, used, period_start)
VALUES ($1, 1, now())
ON CONFLICT (user_id) DO UPDATE SET
    used = CASE
        WHEN credits.period_start <= now() - make_interval(secs => $2) THEN 1
        ELSE credits.used + 1
    END,
    period_start = CASE
        WHEN credits.period_start <= now() - make_interval(secs => $2) THEN now()
        ELSE credits.period_start
    END
WHERE credits.period_start <= now() - make_interval(secs => $2)
   OR credits.used < $3
RETURNING used, period_start`

// Consume spends one credit for the user, or returns ErrQuotaExhausted.
// Must be called before any generation work starts.
func (l *Ledger) Consume(ctx context.Context, userID string) (*Receipt, error) {
	tier, err := l.tierFn(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier for %s: %w", userID, err)
	}
	quota := l.quotas.quotaFor(tier)

	var (
		used        int
		periodStart time.Time
	)
	err = l.db.QueryRow(ctx, consumeSQL, userID, l.quotas.Period.Seconds(), quota).
		Scan(&used, &periodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		l.logger.Info("credit gate denied", "user_id", userID, "tier", tier, "quota", quota)
		return nil, fmt.Errorf("user %s (tier %s): %w", userID, tier, ErrQuotaExhausted)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume credit for %s: %w", userID, err)
	}

	receipt := &Receipt{
		Remaining: quota - used,
		ResetAt:   periodStart.Add(l.quotas.Period),
	}
	l.logger.Debug("credit consumed",
		"user_id", userID, "tier", tier, "used", used, "remaining", receipt.Remaining)
	return receipt, nil
}

// Status reports the user's current consumption without spending a credit.
// A user with no row yet has the full quota available.
func (l *Ledger) Status(ctx context.Context, userID string) (*Receipt, error) {
	tier, err := l.tierFn(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier for %s: %w", userID, err)
	}
	quota := l.quotas.quotaFor(tier)

	var (
		used        int
		periodStart time.Time
	)
	err = l.db.QueryRow(ctx,
		`SELECT used, period_start FROM credits WHERE user_id = $1`, userID,
	).Scan(&used, &periodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Receipt{Remaining: quota, ResetAt: time.Now().Add(l.quotas.Period)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credit status for %s: %w", userID, err)
	}

	// A lapsed period means the next consume starts fresh.
	if periodStart.Add(l.quotas.Period).Before(time.Now()) {
		return &Receipt{Remaining: quota, ResetAt: time.Now().Add(l.quotas.Period)}, nil
	}

	return &Receipt{
		Remaining: max(quota-used, 0),
		ResetAt:   periodStart.Add(l.quotas.Period),
	}, nil
}
