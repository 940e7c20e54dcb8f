// Package depstore persists the dependency store: the latest observation of
// every (stage, source, scope key) triple, plus the active-entity roster.
package depstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// ErrNotFound is returned when no usage record exists for a key.
var ErrNotFound = errors.New("usage record not found")

// UsageRecord is the latest observation of a source for a scope key.
type UsageRecord struct {
	Stage           string
	Source          string
	ScopeKey        string
	LastUpdatedAt   time.Time
	RowsFound       int64
	CompletenessPct float64
	RecordedAt      time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// The conditional upsert is the per-key compare-and-swap on last_updated_at:
// replaying an old observation is a no-op, concurrent writers for the same
// key serialize inside Postgres, and disjoint keys need no coordination.
const upsertUsageQuery = `
	INSERT INTO source_usage (stage, source, scope_key, last_updated_at, rows_found, completeness_pct, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (stage, source, scope_key) DO UPDATE
	SET last_updated_at  = EXCLUDED.last_updated_at,
	    rows_found       = EXCLUDED.rows_found,
	    completeness_pct = EXCLUDED.completeness_pct,
	    recorded_at      = now()
	WHERE source_usage.last_updated_at <= EXCLUDED.last_updated_at`

// UpsertUsage writes the latest observation for a key, last-write-wins by
// LastUpdatedAt. Replaying the same record is idempotent.
func (r *Repository) UpsertUsage(ctx context.Context, rec UsageRecord) error {
	_, err := r.pool.Exec(ctx, upsertUsageQuery,
		rec.Stage, rec.Source, rec.ScopeKey, rec.LastUpdatedAt, rec.RowsFound, rec.CompletenessPct,
	)
	return err
}

const getUsageQuery = `
	SELECT stage, source, scope_key, last_updated_at, rows_found, completeness_pct, recorded_at
	FROM source_usage
	WHERE stage = $1 AND source = $2 AND scope_key = $3`

// GetUsage returns the record for one (stage, source, scopeKey) key.
func (r *Repository) GetUsage(ctx context.Context, stage, source, scopeKey string) (UsageRecord, error) {
	var rec UsageRecord
	err := r.pool.QueryRow(ctx, getUsageQuery, stage, source, scopeKey).Scan(
		&rec.Stage, &rec.Source, &rec.ScopeKey, &rec.LastUpdatedAt, &rec.RowsFound, &rec.CompletenessPct, &rec.RecordedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return UsageRecord{}, ErrNotFound
		}
		return UsageRecord{}, err
	}
	return rec, nil
}

// Latest observation of each source for each scope key, regardless of which
// stage recorded it. Readiness is a property of the source data, not of any
// one consumer.
const latestUsageQuery = `
	SELECT DISTINCT ON (source, scope_key)
	       stage, source, scope_key, last_updated_at, rows_found, completeness_pct, recorded_at
	FROM source_usage
	WHERE source = ANY($1) AND scope_key = ANY($2)
	ORDER BY source, scope_key, last_updated_at DESC`

// LatestUsage returns the freshest record per (source, scopeKey) pair.
func (r *Repository) LatestUsage(ctx context.Context, sources, scopeKeys []string) ([]UsageRecord, error) {
	rows, err := r.pool.Query(ctx, latestUsageQuery, sources, scopeKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]UsageRecord, 0)
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.Stage, &rec.Source, &rec.ScopeKey, &rec.LastUpdatedAt, &rec.RowsFound, &rec.CompletenessPct, &rec.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return records, nil
}

const changedSourcesQuery = `
	SELECT DISTINCT source
	FROM source_usage
	WHERE source = ANY($1) AND scope_key = ANY($2) AND last_updated_at > $3
	ORDER BY source`

// ChangedSources lists which of the given sources have an observation newer
// than the reference timestamp for any of the scope keys.
func (r *Repository) ChangedSources(ctx context.Context, sources, scopeKeys []string, since time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, changedSourcesQuery, sources, scopeKeys, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changed := make([]string, 0)
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, err
		}
		changed = append(changed, source)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return changed, nil
}

const activeEntitiesQuery = `
	SELECT entity_id
	FROM active_entities
	WHERE active_on = $1
	ORDER BY entity_id`

// ActiveEntities returns the roster of entities active on a date (2006-01-02).
func (r *Repository) ActiveEntities(ctx context.Context, date string) ([]string, error) {
	rows, err := r.pool.Query(ctx, activeEntitiesQuery, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		entities = append(entities, id)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return entities, nil
}
