package deadletter

import (
	"context"

	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/events"
	"boxscore_pipeline/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RemediationStore is the repository surface remediation needs.
type RemediationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (Record, error)
	Resolve(ctx context.Context, id uuid.UUID, status Status) error
	List(ctx context.Context, status Status, limit int) ([]Record, error)
	PendingMetrics(ctx context.Context) (Metrics, error)
}

// Remediator performs the manual remediation operations: replaying a dead
// letter back onto its origin topic, or discarding it. Replays are
// rate-limited so a bulk replay cannot flood the bus.
type Remediator struct {
	store   RemediationStore
	pub     events.Publisher
	limiter *rate.Limiter
	log     *logger.Logger
}

func NewRemediator(store RemediationStore, pub events.Publisher, replayPerSecond float64, log *logger.Logger) *Remediator {
	if replayPerSecond <= 0 {
		replayPerSecond = 5
	}
	return &Remediator{
		store:   store,
		pub:     pub,
		limiter: rate.NewLimiter(rate.Limit(replayPerSecond), 1),
		log:     log,
	}
}

// Replay re-publishes a pending dead letter's original payload to its
// origin topic and marks it replayed.
func (r *Remediator) Replay(ctx context.Context, id uuid.UUID) error {
	rec, err := r.store.GetByID(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return apperr.NotFound("dead letter not found")
		}
		return apperr.StoreUnavailable("load dead letter", err)
	}
	if rec.Status != StatusPending {
		return apperr.Conflict("dead letter already resolved")
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := r.pub.Publish(ctx, rec.Topic, rec.Payload); err != nil {
		return apperr.Wrap(apperr.KindInternal, "replay publish failed", err)
	}

	if err := r.store.Resolve(ctx, id, StatusReplayed); err != nil {
		if err == ErrNotFound {
			// A concurrent operator resolved it between load and resolve;
			// the message is already back on the bus either way.
			return apperr.Conflict("dead letter already resolved")
		}
		return apperr.StoreUnavailable("mark replayed", err)
	}

	r.log.Info("dead letter replayed", "id", id.String(), "topic", rec.Topic)
	return nil
}

// Discard marks a pending dead letter discarded without re-publishing.
func (r *Remediator) Discard(ctx context.Context, id uuid.UUID) error {
	if err := r.store.Resolve(ctx, id, StatusDiscarded); err != nil {
		if err == ErrNotFound {
			return apperr.NotFound("dead letter not found or already resolved")
		}
		return apperr.StoreUnavailable("mark discarded", err)
	}

	r.log.Info("dead letter discarded", "id", id.String())
	return nil
}

// Pending lists pending dead letters, oldest first.
func (r *Remediator) Pending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	records, err := r.store.List(ctx, StatusPending, limit)
	if err != nil {
		return nil, apperr.StoreUnavailable("list dead letters", err)
	}
	return records, nil
}

// Metrics returns the pending count and age-of-oldest.
func (r *Remediator) Metrics(ctx context.Context) (Metrics, error) {
	m, err := r.store.PendingMetrics(ctx)
	if err != nil {
		return Metrics{}, apperr.StoreUnavailable("dead letter metrics", err)
	}
	return m, nil
}
