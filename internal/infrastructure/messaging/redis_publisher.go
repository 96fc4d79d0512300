package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
	redisstore "github.com/eduplatform/xp-engine/internal/infrastructure/persistence/redis"
	"github.com/eduplatform/xp-engine/pkg/circuitbreaker"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REDIS PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// RedisClient is the subset of the Redis client the publisher needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisPublisher publishes every event as a JSON envelope on the
// "pubsub:<event type>" channel and then hands it to the local bus.
type RedisPublisher struct {
	client  RedisClient
	local   shared.EventPublisher
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	log     *logger.Logger
}

// RedisPublisherConfig contains configuration for RedisPublisher.
type RedisPublisherConfig struct {
	Client RedisClient

	// Local receives every event after the Redis publish. Optional.
	Local shared.EventPublisher

	// Timeout bounds a single PUBLISH call (default 2s).
	Timeout time.Duration

	// Breaker skips Redis after repeated failures. Nil uses a breaker that
	// opens after 5 consecutive failures for 30s.
	Breaker *circuitbreaker.CircuitBreaker

	Logger *logger.Logger
}

// NewRedisPublisher creates a new Redis publisher.
func NewRedisPublisher(config RedisPublisherConfig) (*RedisPublisher, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	log := config.Logger.With(logger.Component("redis_publisher"))

	if config.Breaker == nil {
		config.Breaker = circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				log.Warn("redis circuit state changed",
					logger.String("from", from.String()),
					logger.String("to", to.String()),
				)
			},
		})
	}

	return &RedisPublisher{
		client:  config.Client,
		local:   config.Local,
		timeout: config.Timeout,
		breaker: config.Breaker,
		log:     log,
	}, nil
}

// Publish sends the event to Redis and to the local bus. A Redis failure is
// logged and does not stop local delivery.
func (p *RedisPublisher) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	envelope, err := NewEnvelope(event)
	if err != nil {
		return err
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	channel := redisstore.PubSubChannel(string(event.EventType()))
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.client.Publish(ctx, channel, string(data))
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		p.log.Debug("redis circuit open, event not sent",
			logger.String("channel", channel),
			logger.String("event_id", envelope.ID),
		)
	case err != nil:
		p.log.Error("failed to publish to redis",
			logger.String("channel", channel),
			logger.String("event_id", envelope.ID),
			logger.Err(err),
		)
	}

	if p.local != nil {
		return p.local.Publish(event)
	}
	return nil
}

// NewEnvelope wraps an event for transport with a fresh id.
func NewEnvelope(event shared.Event) (shared.EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return shared.EventEnvelope{}, fmt.Errorf("marshal payload: %w", err)
	}

	envelope := shared.EventEnvelope{
		ID:          uuid.NewString(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if c, ok := event.(interface{ Correlation() string }); ok {
		envelope.CorrelationID = c.Correlation()
	}
	return envelope, nil
}
