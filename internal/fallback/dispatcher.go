package fallback

import (
	"context"
	"time"

	"boxscore_pipeline/internal/wire"
	"boxscore_pipeline/platform/events"
	"boxscore_pipeline/platform/logger"
)

// Producer is the producing_stage value stamped on synthetic events so
// receivers can tell a forced run from a real upstream completion.
const Producer = "fallback-trigger"

const claimBatchSize = 50

// syntheticEvent builds the forced "run anyway" event for an expired timer.
// The event re-covers exactly the timer's pending scope: a date key becomes
// a dated full-scope event, an entity key becomes an entity scope. Readiness
// gating downstream checks the same keys usage rows are recorded under, so
// the forced run can actually pass the gate. The content hash is unique per
// firing so duplicate-delivery dedup never suppresses a fallback run.
func syntheticEvent(stage, scopeKey string, firedAt time.Time) wire.ChangeEvent {
	scope := wire.Scope{Kind: wire.ScopeAll}
	if _, err := time.Parse("2006-01-02", scopeKey); err == nil {
		scope.Date = scopeKey
	} else if scopeKey != "" && scopeKey != string(wire.ScopeAll) {
		scope = wire.Scope{Kind: wire.ScopeEntities, EntityIDs: []string{scopeKey}}
	}
	return wire.ChangeEvent{
		ProducingStage: Producer,
		Scope:          scope,
		ProducedAt:     firedAt,
		ContentHash:    wire.ContentHash([]byte(stage + "|" + scopeKey + "|" + firedAt.UTC().Format(time.RFC3339Nano))),
	}
}

// TimerStore is the registry surface the dispatcher needs.
type TimerStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Timer, error)
	Reset(ctx context.Context, stage, scopeKey string) error
}

// Dispatcher scans for expired fallback timers and publishes one synthetic
// "run anyway" event per claimed timer. Intentionally coarse: it trades
// efficiency for guaranteed forward progress.
type Dispatcher struct {
	repo TimerStore
	pub  events.Publisher
	// fallbackTopics maps a stage name to its fallback topic.
	fallbackTopics map[string]string
	interval       time.Duration
	maxBytes       int
	log            *logger.Logger
}

func NewDispatcher(repo TimerStore, pub events.Publisher, fallbackTopics map[string]string, interval time.Duration, maxBytes int, log *logger.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Dispatcher{
		repo:           repo,
		pub:            pub,
		fallbackTopics: fallbackTopics,
		interval:       interval,
		maxBytes:       maxBytes,
		log:            log,
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.tick(ctx, time.Now().UTC())
	}
}

func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	timers, err := d.repo.ClaimDue(ctx, now, claimBatchSize)
	if err != nil {
		d.log.DatabaseError("claim_due_timers", err)
		return
	}

	for _, timer := range timers {
		topic, ok := d.fallbackTopics[timer.Stage]
		if !ok {
			d.log.Error("no fallback topic for stage", "stage", timer.Stage)
			continue
		}

		payload, err := wire.Encode(syntheticEvent(timer.Stage, timer.ScopeKey, now), d.maxBytes)
		if err != nil {
			d.log.Error("encode synthetic event failed", "stage", timer.Stage, "error", err)
			continue
		}

		if err := d.pub.Publish(ctx, topic, payload); err != nil {
			// Un-fire so the next tick retries; losing the synthetic event
			// would reopen the liveness hole the timer exists to close.
			d.log.Warn("fallback publish failed", "stage", timer.Stage, "scope_key", timer.ScopeKey, "error", err)
			if resetErr := d.repo.Reset(ctx, timer.Stage, timer.ScopeKey); resetErr != nil {
				d.log.DatabaseError("reset_timer", resetErr)
			}
			continue
		}

		d.log.FallbackFired(timer.Stage, timer.ScopeKey, timer.ArmedAt)
	}
}
