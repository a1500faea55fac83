// bus/bus.go

package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-topicfuzz/msggen"
)

var (
	// ErrInvalidTopic is returned when a bus cannot publish to the given topic name.
	ErrInvalidTopic = errors.New("invalid topic name")
	// ErrUnsupportedQoS is returned when a bus has no mapping for the requested QoS level.
	ErrUnsupportedQoS = errors.New("unsupported qos")
	// ErrNotConnected is returned when the bus is not ready to create publishers or publish.
	ErrNotConnected = errors.New("bus not connected")
)

// Bus is the messaging system the scheduler publishes onto.
type Bus interface {
	// CreatePublisher binds a publisher to one topic, message type and QoS level.
	CreatePublisher(ctx context.Context, topic, msgType string, qos int) (Publisher, error)
	// Poll services bus-internal work (acknowledgements, connection state) for at most d.
	Poll(ctx context.Context, d time.Duration) error
	// Close releases the bus connection.
	Close() error
}

// Publisher sends messages to the topic it was created for.
type Publisher interface {
	Publish(ctx context.Context, msg msggen.Message) error
}

// Config selects a bus implementation and holds the settings of each.
type Config struct {
	// Kind is one of "mqtt", "pubsub", "redis" or "memory".
	Kind   string `env:"BUS_KIND" envDefault:"mqtt"`
	MQTT   MQTTConfig
	PubSub PubSubConfig
	Redis  RedisConfig
}

// Open creates and connects the bus described by cfg.
func Open(ctx context.Context, cfg Config, clk clock.Clock, logger zerolog.Logger) (Bus, error) {
	switch cfg.Kind {
	case "memory":
		return NewMemoryBus(clk, logger), nil
	case "mqtt":
		b := NewMQTTBus(cfg.MQTT, clk, logger)
		if err := b.Connect(); err != nil {
			return nil, err
		}
		return b, nil
	case "pubsub":
		b, err := NewPubSubBus(ctx, cfg.PubSub, clk, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "redis":
		b := NewRedisBus(cfg.Redis, clk, logger)
		if err := b.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}

func checkTopic(topic string) error {
	if topic == "" || strings.TrimSpace(topic) != topic {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

func checkQoS(qos, max int) error {
	if qos < 0 || qos > max {
		return fmt.Errorf("%w: %d (supported 0-%d)", ErrUnsupportedQoS, qos, max)
	}
	return nil
}

// idle waits for d or until ctx is done. A mock clock is advanced instead of waited on,
// which gives every bus a virtual-time mode for tests and dry runs.
func idle(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if mock, ok := clk.(*clock.Mock); ok {
		mock.Add(d)
		return ctx.Err()
	}

	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
