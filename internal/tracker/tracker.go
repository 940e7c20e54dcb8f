// Package tracker orchestrates dependency-store reads and writes on behalf
// of a stage: recording what a stage consumed, answering whether a stage is
// ready to run for a scope, and listing what changed since it last ran.
package tracker

import (
	"context"
	"fmt"
	"time"

	"boxscore_pipeline/internal/depstore"
	"boxscore_pipeline/internal/wire"
	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/logger"
)

// RequiredSource declares one upstream source a stage depends on and the
// minimum completeness (0-100) gating readiness. Exactly-at-threshold
// counts as ready.
type RequiredSource struct {
	Name            string  `yaml:"name" validate:"required"`
	MinCompleteness float64 `yaml:"min_completeness" validate:"gte=0,lte=100"`
}

// Store is the dependency-store surface the tracker needs.
type Store interface {
	UpsertUsage(ctx context.Context, rec depstore.UsageRecord) error
	LatestUsage(ctx context.Context, sources, scopeKeys []string) ([]depstore.UsageRecord, error)
	ChangedSources(ctx context.Context, sources, scopeKeys []string, since time.Time) ([]string, error)
}

type Tracker struct {
	store Store
	log   *logger.Logger
}

func New(store Store, log *logger.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// RecordUsage writes the latest observation of a source for a scope key.
// Completeness is derived from the observed and expected row counts, capped
// at 100. An expectation of zero or less means the source has no expected
// count and the observation is complete by definition.
// The write is idempotent: replaying it cannot corrupt state.
func (t *Tracker) RecordUsage(ctx context.Context, stage, source, scopeKey string, observedAt time.Time, rowsFound, expectedRows int64) error {
	completeness := 100.0
	if expectedRows > 0 {
		completeness = float64(rowsFound) / float64(expectedRows) * 100
		if completeness > 100 {
			completeness = 100
		}
	}

	rec := depstore.UsageRecord{
		Stage:           stage,
		Source:          source,
		ScopeKey:        scopeKey,
		LastUpdatedAt:   observedAt,
		RowsFound:       rowsFound,
		CompletenessPct: completeness,
	}

	if err := t.store.UpsertUsage(ctx, rec); err != nil {
		t.log.DatabaseError("upsert_usage", err)
		return apperr.StoreUnavailable("record usage", err)
	}
	return nil
}

// IsReady reports whether every required source meets its completeness
// threshold for every scope key implied by the scope. It fails closed: a
// store error yields (false, KindStoreUnavailable), never a false positive,
// and a missing record counts as not ready.
func (t *Tracker) IsReady(ctx context.Context, stage string, required []RequiredSource, scope wire.Scope) (bool, error) {
	if len(required) == 0 {
		return true, nil
	}

	keys := scope.Keys()
	records, err := t.store.LatestUsage(ctx, sourceNames(required), keys)
	if err != nil {
		t.log.DatabaseError("latest_usage", err)
		return false, apperr.StoreUnavailable("readiness check", err)
	}

	completeness := make(map[string]float64, len(records))
	for _, rec := range records {
		completeness[rec.Source+"\x00"+rec.ScopeKey] = rec.CompletenessPct
	}

	for _, req := range required {
		for _, key := range keys {
			pct, ok := completeness[req.Name+"\x00"+key]
			if !ok {
				t.log.Debug("not ready: no usage record",
					"stage", stage, "source", req.Name, "scope_key", key)
				return false, nil
			}
			if pct < req.MinCompleteness {
				t.log.Debug("not ready: below threshold",
					"stage", stage, "source", req.Name, "scope_key", key,
					"completeness_pct", pct, "min", req.MinCompleteness)
				return false, nil
			}
		}
	}

	return true, nil
}

// ChangedSince lists which required sources have observations newer than
// the reference timestamp for the scope.
func (t *Tracker) ChangedSince(ctx context.Context, required []RequiredSource, scope wire.Scope, since time.Time) ([]string, error) {
	if len(required) == 0 {
		return nil, nil
	}

	changed, err := t.store.ChangedSources(ctx, sourceNames(required), scope.Keys(), since)
	if err != nil {
		t.log.DatabaseError("changed_sources", err)
		return nil, apperr.StoreUnavailable("changed-since check", err)
	}
	return changed, nil
}

// NotReadyError builds the recoverable error a handler returns when a scope
// is not yet ready; the bus redelivers the message after a backoff.
func NotReadyError(stage string, scope wire.Scope) error {
	return apperr.NotReady(fmt.Sprintf("stage %s is not ready for scope %v", stage, scope.Keys()))
}

func sourceNames(required []RequiredSource) []string {
	names := make([]string, len(required))
	for i, r := range required {
		names[i] = r.Name
	}
	return names
}
