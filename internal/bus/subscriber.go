package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"boxscore_pipeline/internal/wire"
	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/config"
	"boxscore_pipeline/platform/events"
	"boxscore_pipeline/platform/logger"

	"github.com/hibiken/asynq"
)

// DeadLetterEnvelope wraps a message routed to a dead-letter queue with the
// context an operator needs for remediation.
type DeadLetterEnvelope struct {
	Topic      string `json:"topic"`
	Payload    []byte `json:"payload"`
	LastError  string `json:"last_error"`
	RetryCount int    `json:"retry_count"`
}

// routeAction is the delivery outcome decided after a handler error.
type routeAction int

const (
	actionRetry routeAction = iota
	actionDeadLetterPermanent
	actionDeadLetterExhausted
)

// decideRoute classifies a failed delivery. Malformed events are permanent:
// retrying cannot fix malformed content, so they dead-letter immediately.
// Everything else retries until the ceiling, then dead-letters.
func decideRoute(err error, retryCount, maxRetry int) routeAction {
	if apperr.Is(err, apperr.KindMalformed) {
		return actionDeadLetterPermanent
	}
	if retryCount >= maxRetry {
		return actionDeadLetterExhausted
	}
	return actionRetry
}

// Subscriber consumes topic queues and dispatches deliveries to registered
// handlers with at-least-once semantics. Handlers must tolerate duplicate
// and out-of-order deliveries.
type Subscriber struct {
	opt         asynq.RedisClientOpt
	mux         *asynq.ServeMux
	queues      map[string]int
	concurrency int
	maxRetry    int
	dlqClient   *asynq.Client
	log         *logger.Logger
}

func NewSubscriber(cfg config.BusConfig, log *logger.Logger) (*Subscriber, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetBusConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	return &Subscriber{
		opt:         opt,
		mux:         asynq.NewServeMux(),
		queues:      make(map[string]int),
		concurrency: concurrency,
		maxRetry:    cfg.GetBusMaxRetry(),
		dlqClient:   asynq.NewClient(opt),
		log:         log,
	}, nil
}

// Subscribe registers a handler for a topic. Must be called before Run.
func (s *Subscriber) Subscribe(topic string, handler events.Handler) {
	s.queues[topic] = 1
	s.mux.HandleFunc(topic, s.wrap(topic, handler))
}

// SubscribeRaw registers a handler without dead-letter routing, for
// consumers of dead-letter queues themselves.
func (s *Subscriber) SubscribeRaw(topic string, handler events.Handler) {
	s.queues[topic] = 1
	s.mux.HandleFunc(topic, func(ctx context.Context, task *asynq.Task) error {
		retryCount, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		return handler.Handle(ctx, events.Delivery{
			Topic:    topic,
			Payload:  task.Payload(),
			Attempt:  retryCount,
			MaxRetry: maxRetry,
		})
	})
}

func (s *Subscriber) wrap(topic string, handler events.Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		retryCount, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		err := handler.Handle(ctx, events.Delivery{
			Topic:    topic,
			Payload:  task.Payload(),
			Attempt:  retryCount,
			MaxRetry: maxRetry,
		})
		s.log.BusDelivery(topic, retryCount, maxRetry, err)
		if err == nil {
			return nil
		}

		switch decideRoute(err, retryCount, maxRetry) {
		case actionDeadLetterPermanent:
			s.deadLetter(ctx, topic, task.Payload(), err, retryCount)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		case actionDeadLetterExhausted:
			s.deadLetter(ctx, topic, task.Payload(), err, retryCount)
			return apperr.DeliveryExhausted("retry ceiling reached", err)
		default:
			return err
		}
	}
}

// deadLetter copies the message onto the topic's paired dead-letter queue.
// Best effort: a failure here must not mask the original handler error, and
// asynq's archive still retains the task.
func (s *Subscriber) deadLetter(ctx context.Context, topic string, payload []byte, cause error, retryCount int) {
	env := DeadLetterEnvelope{
		Topic:      topic,
		Payload:    payload,
		LastError:  cause.Error(),
		RetryCount: retryCount,
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("dead-letter envelope marshal failed", "topic", topic, "error", err)
		return
	}

	dlqTopic := wire.DeadLetterTopic(topic)
	task := asynq.NewTask(dlqTopic, data)
	if _, err := s.dlqClient.EnqueueContext(ctx, task, asynq.Queue(dlqTopic), asynq.MaxRetry(s.maxRetry)); err != nil {
		s.log.Error("dead-letter enqueue failed", "topic", dlqTopic, "error", err)
		return
	}

	s.log.DeadLetter(topic, retryCount, cause.Error())
}

// Run consumes the subscribed queues until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	if len(s.queues) == 0 {
		return fmt.Errorf("no subscriptions registered")
	}

	server := asynq.NewServer(s.opt, asynq.Config{
		Concurrency: s.concurrency,
		Queues:      s.queues,
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(s.mux); err != nil {
		return fmt.Errorf("subscriber stopped: %w", err)
	}
	return nil
}

// Close releases the dead-letter publishing client.
func (s *Subscriber) Close() error {
	if s == nil || s.dlqClient == nil {
		return nil
	}
	return s.dlqClient.Close()
}
