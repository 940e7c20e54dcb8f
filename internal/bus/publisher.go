package bus

import (
	"context"
	"fmt"

	"boxscore_pipeline/platform/config"
	"boxscore_pipeline/platform/logger"

	"github.com/hibiken/asynq"
)

// Publisher publishes events onto topic queues. Publish returns once the
// message is durably accepted by Redis, not once it is delivered.
type Publisher struct {
	client   *asynq.Client
	maxRetry int
	log      *logger.Logger
}

func NewPublisher(cfg config.BusConfig, log *logger.Logger) (*Publisher, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Publisher{
		client:   asynq.NewClient(opt),
		maxRetry: cfg.GetBusMaxRetry(),
		log:      log,
	}, nil
}

func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Publish enqueues a payload on the topic's queue. The task type and the
// queue name are both the topic so a subscriber consumes exactly its topics.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher not configured")
	}

	task := asynq.NewTask(topic, payload)
	info, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(topic),
		asynq.MaxRetry(p.maxRetry),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.log.Debug("event published", "topic", topic, "task_id", info.ID, "bytes", len(payload))
	return nil
}
