// Package events provides the event bus contracts used to sequence
// pipeline stages. The durable implementation lives in internal/bus.
// This is part of the platform layer and contains no business logic.
package events

import (
	"context"
	"time"
)

// Delivery is a single message delivered to a subscriber's handler.
type Delivery struct {
	// Topic the message was published on.
	Topic string
	// Payload is the serialized event.
	Payload []byte
	// Attempt is the zero-based redelivery count for this message.
	Attempt int
	// MaxRetry is the configured retry ceiling for this topic.
	MaxRetry int
	// EnqueuedAt is when the message was durably accepted by the bus.
	EnqueuedAt time.Time
}

// Handler processes deliveries for a subscribed topic. A delivery is
// considered successfully processed only if Handle returns nil; otherwise
// the bus redelivers after a backoff, up to the retry ceiling, after which
// the message is routed to the topic's paired dead-letter channel.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle calls the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Publisher publishes serialized events onto a topic. Publish returns once
// the event is durably accepted by the bus, not once it is delivered.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber registers handlers for topics and runs the delivery loop.
// Handlers must tolerate duplicate and out-of-order deliveries.
type Subscriber interface {
	// Subscribe registers a handler for a topic. Must be called before Run.
	Subscribe(topic string, handler Handler)
	// Run blocks delivering messages until ctx is cancelled.
	Run(ctx context.Context) error
}
