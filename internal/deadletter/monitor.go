package deadletter

import (
	"context"
	"encoding/json"

	"boxscore_pipeline/internal/bus"
	"boxscore_pipeline/platform/events"
	"boxscore_pipeline/platform/logger"

	"github.com/google/uuid"
)

// Store is the persistence surface the monitor needs.
type Store interface {
	Insert(ctx context.Context, id uuid.UUID, topic string, payload []byte, lastError string, retryCount int) error
}

// Monitor consumes dead-letter queues and archives every envelope for
// operator inspection.
type Monitor struct {
	store Store
	log   *logger.Logger
}

func NewMonitor(store Store, log *logger.Logger) *Monitor {
	return &Monitor{store: store, log: log}
}

// Handler returns the bus handler for a dead-letter topic. Registered with
// SubscribeRaw: a failure here retries at the bus level but must never
// recurse into another dead-letter hop.
func (m *Monitor) Handler() events.Handler {
	return events.HandlerFunc(func(ctx context.Context, d events.Delivery) error {
		var env bus.DeadLetterEnvelope
		if err := json.Unmarshal(d.Payload, &env); err != nil {
			// An unreadable envelope is still worth keeping; store it as-is.
			env = bus.DeadLetterEnvelope{Topic: d.Topic, Payload: d.Payload, LastError: "unreadable envelope: " + err.Error()}
		}

		if err := m.store.Insert(ctx, uuid.New(), env.Topic, env.Payload, env.LastError, env.RetryCount); err != nil {
			m.log.DatabaseError("insert_dead_letter", err)
			return err
		}

		m.log.DeadLetter(env.Topic, env.RetryCount, env.LastError)
		return nil
	})
}
