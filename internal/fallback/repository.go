// Package fallback guarantees liveness when an expected upstream completion
// event never arrives: a timer per (stage, scope) is armed when the scope
// becomes pending, disarmed when a qualifying event shows up, and fires a
// synthetic full-scope event on expiry.
package fallback

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Timer is one armed fallback deadline.
type Timer struct {
	Stage      string
	ScopeKey   string
	ArmedAt    time.Time
	DeadlineAt time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Arming is idempotent: while a timer is pending the earliest deadline
// wins, and a timer that already fired or was disarmed is reset for the new
// pending cycle.
const armQuery = `
	INSERT INTO fallback_timers (stage, scope_key, armed_at, deadline_at)
	VALUES ($1, $2, now(), $3)
	ON CONFLICT (stage, scope_key) DO UPDATE
	SET armed_at = CASE
	        WHEN fallback_timers.fired_at IS NOT NULL OR fallback_timers.disarmed_at IS NOT NULL
	        THEN now()
	        ELSE fallback_timers.armed_at
	    END,
	    deadline_at = CASE
	        WHEN fallback_timers.fired_at IS NOT NULL OR fallback_timers.disarmed_at IS NOT NULL
	        THEN EXCLUDED.deadline_at
	        ELSE LEAST(fallback_timers.deadline_at, EXCLUDED.deadline_at)
	    END,
	    fired_at = NULL,
	    disarmed_at = NULL`

// Arm registers (or refreshes) the fallback deadline for a pending scope.
func (r *Repository) Arm(ctx context.Context, stage, scopeKey string, deadline time.Time) error {
	_, err := r.pool.Exec(ctx, armQuery, stage, scopeKey, deadline)
	return err
}

const disarmQuery = `
	UPDATE fallback_timers
	SET disarmed_at = now()
	WHERE stage = $1 AND scope_key = $2 AND fired_at IS NULL AND disarmed_at IS NULL`

// Disarm cancels a pending timer once a qualifying completion event arrived.
// Disarming an absent or already resolved timer is a no-op.
func (r *Repository) Disarm(ctx context.Context, stage, scopeKey string) error {
	_, err := r.pool.Exec(ctx, disarmQuery, stage, scopeKey)
	return err
}

// The atomic claim is what makes firing exactly-once per armed timer:
// concurrent dispatchers cannot claim the same row, and a claimed row is
// never due again until it is re-armed.
const claimDueQuery = `
	UPDATE fallback_timers
	SET fired_at = now()
	WHERE (stage, scope_key) IN (
	    SELECT stage, scope_key
	    FROM fallback_timers
	    WHERE deadline_at <= $1 AND fired_at IS NULL AND disarmed_at IS NULL
	    ORDER BY deadline_at
	    LIMIT $2
	    FOR UPDATE SKIP LOCKED
	)
	RETURNING stage, scope_key, armed_at, deadline_at`

// ClaimDue atomically claims up to limit expired timers.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	rows, err := r.pool.Query(ctx, claimDueQuery, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	timers := make([]Timer, 0)
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.Stage, &t.ScopeKey, &t.ArmedAt, &t.DeadlineAt); err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return timers, nil
}

const resetQuery = `
	UPDATE fallback_timers
	SET fired_at = NULL
	WHERE stage = $1 AND scope_key = $2 AND disarmed_at IS NULL`

// Reset un-fires a claimed timer so the next tick retries it. Used when
// publishing the synthetic event failed after the claim.
func (r *Repository) Reset(ctx context.Context, stage, scopeKey string) error {
	_, err := r.pool.Exec(ctx, resetQuery, stage, scopeKey)
	return err
}
