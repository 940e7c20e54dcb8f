// Package execlog records every stage invocation: trigger reason, entity
// scope versus active population, duration, and outcome. Pure recorder with
// no decision logic; its aggregates feed the externally owned call on when
// finer-grained processing is worth building.
package execlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TriggerKind identifies what started a stage invocation.
type TriggerKind string

const (
	TriggerCompletion TriggerKind = "completion_event"
	TriggerFallback   TriggerKind = "fallback_timer"
	TriggerManual     TriggerKind = "manual"
)

// Outcome identifies how a stage invocation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Entry is one append-only execution log row. Never mutated after write.
type Entry struct {
	ID             uuid.UUID
	Stage          string
	Trigger        TriggerKind
	ScopeKind      string
	ScopeSize      int
	PopulationSize int
	Duration       time.Duration
	Outcome        Outcome
	ErrorKind      string
	ContentHash    string
	StartedAt      time.Time
}

// ScopeRatio is the fraction of the active population the invocation
// covered; 1 when the invocation ran full-scope or the population is
// unknown.
func (e Entry) ScopeRatio() float64 {
	if e.PopulationSize <= 0 || e.ScopeSize <= 0 {
		return 1
	}
	ratio := float64(e.ScopeSize) / float64(e.PopulationSize)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// StageStats aggregates a stage's recent invocations.
type StageStats struct {
	Stage            string    `json:"stage"`
	Invocations      int64     `json:"invocations"`
	Failures         int64     `json:"failures"`
	FallbackRuns     int64     `json:"fallback_runs"`
	AvgDurationMs    float64   `json:"avg_duration_ms"`
	AvgScopeSize     float64   `json:"avg_scope_size"`
	AvgPopulation    float64   `json:"avg_population"`
	LastInvocationAt time.Time `json:"last_invocation_at"`
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertEntryQuery = `
	INSERT INTO execution_log (id, stage, trigger_kind, scope_kind, scope_size, population_size, duration_ms, outcome, error_kind, content_hash, started_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)`

// Append writes one invocation record. Assigns an ID when missing.
func (r *Repository) Append(ctx context.Context, e Entry) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, insertEntryQuery,
		e.ID, e.Stage, string(e.Trigger), e.ScopeKind, e.ScopeSize, e.PopulationSize,
		e.Duration.Milliseconds(), string(e.Outcome), e.ErrorKind, e.ContentHash, e.StartedAt,
	)
	if err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

const seenContentHashQuery = `
	SELECT EXISTS (
		SELECT 1 FROM execution_log
		WHERE stage = $1 AND content_hash = $2 AND outcome = 'success'
	)`

// SeenContentHash reports whether the stage already processed an event with
// this content hash successfully. Backs duplicate-delivery dedup.
func (r *Repository) SeenContentHash(ctx context.Context, stage, contentHash string) (bool, error) {
	if contentHash == "" {
		return false, nil
	}
	var seen bool
	err := r.pool.QueryRow(ctx, seenContentHashQuery, stage, contentHash).Scan(&seen)
	if err != nil {
		return false, err
	}
	return seen, nil
}

const stageStatsQuery = `
	SELECT stage,
	       COUNT(*) AS invocations,
	       COUNT(*) FILTER (WHERE outcome = 'failure') AS failures,
	       COUNT(*) FILTER (WHERE trigger_kind = 'fallback_timer') AS fallback_runs,
	       COALESCE(AVG(duration_ms), 0),
	       COALESCE(AVG(scope_size), 0),
	       COALESCE(AVG(population_size), 0),
	       MAX(started_at)
	FROM execution_log
	WHERE started_at >= $1
	GROUP BY stage
	ORDER BY stage`

// Stats aggregates per-stage invocation metrics since the given time.
func (r *Repository) Stats(ctx context.Context, since time.Time) ([]StageStats, error) {
	rows, err := r.pool.Query(ctx, stageStatsQuery, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]StageStats, 0)
	for rows.Next() {
		var s StageStats
		if err := rows.Scan(&s.Stage, &s.Invocations, &s.Failures, &s.FallbackRuns,
			&s.AvgDurationMs, &s.AvgScopeSize, &s.AvgPopulation, &s.LastInvocationAt); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return stats, nil
}
