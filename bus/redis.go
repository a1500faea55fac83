// bus/redis.go

package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-topicfuzz/msggen"
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// RedisBus publishes with Redis PUBLISH. Redis pub/sub is at-most-once, so any QoS
// above 0 is accepted but not honoured.
type RedisBus struct {
	client *redis.Client
	clock  clock.Clock
	logger zerolog.Logger
}

// NewRedisBus creates a Redis bus. The connection is made lazily by the client.
func NewRedisBus(cfg RedisConfig, clk clock.Clock, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		clock:  clk,
		logger: logger.With().Str("component", "RedisBus").Str("addr", cfg.Addr).Logger(),
	}
}

// Ping checks that the server answers.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w: %w", ErrNotConnected, err)
	}
	return nil
}

// CreatePublisher pings the server so a bus that is not ready fails at setup.
func (b *RedisBus) CreatePublisher(ctx context.Context, topic, msgType string, qos int) (Publisher, error) {
	if err := checkTopic(topic); err != nil {
		return nil, err
	}
	if qos < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedQoS, qos)
	}
	if err := b.Ping(ctx); err != nil {
		return nil, err
	}
	if qos > 0 {
		b.logger.Warn().Str("topic", topic).Int("qos", qos).Msg("Redis pub/sub delivers at most once; qos is ignored")
	}
	b.logger.Debug().Str("topic", topic).Str("msg_type", msgType).Msg("Publisher created")
	return &redisPublisher{bus: b, topic: topic, seq: NewSequence(1)}, nil
}

// Poll waits up to d; Redis publishes complete synchronously.
func (b *RedisBus) Poll(ctx context.Context, d time.Duration) error {
	return idle(ctx, b.clock, d)
}

// Close closes the client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisPublisher struct {
	bus   *RedisBus
	topic string
	seq   *Sequence
}

func (p *redisPublisher) Publish(ctx context.Context, msg msggen.Message) error {
	payload, err := Encode(p.topic, p.seq.Next(), p.bus.clock.Now(), msg)
	if err != nil {
		return err
	}
	receivers, err := p.bus.client.Publish(ctx, p.topic, payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish error on %s: %w", p.topic, err)
	}
	p.bus.logger.Debug().Str("topic", p.topic).Int64("receivers", receivers).Msg("Message published")
	return nil
}
