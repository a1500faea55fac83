// bus/mqtt.go

package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-topicfuzz/msggen"
)

// MQTTConfig holds the broker settings for MQTTBus.
type MQTTConfig struct {
	BrokerURL      string        `env:"MQTT_BROKER_URL" envDefault:"tcp://localhost:1883"`
	ClientIDPrefix string        `env:"MQTT_CLIENT_ID_PREFIX" envDefault:"topicfuzz"`
	ConnectTimeout time.Duration `env:"MQTT_CONNECT_TIMEOUT" envDefault:"10s"`
	// AckTimeout is how long a QoS 0 publish may stay unanswered before Poll reports it.
	AckTimeout time.Duration `env:"MQTT_ACK_TIMEOUT" envDefault:"10s"`
	// MaxPendingAcks caps the unanswered QoS 0 publishes; further publishes fail.
	MaxPendingAcks int `env:"MQTT_MAX_PENDING_ACKS" envDefault:"1024"`
}

// MQTTBus publishes onto an MQTT broker. QoS 0 publishes are not waited for; their
// completion is checked on the next Poll. QoS 1 and 2 wait for the broker's ack.
type MQTTBus struct {
	client mqtt.Client
	cfg    MQTTConfig
	clock  clock.Clock
	logger zerolog.Logger
	acks   pendingAcks
	lost   chan error
}

// NewMQTTBus creates an unconnected MQTT bus.
func NewMQTTBus(cfg MQTTConfig, clk clock.Clock, logger zerolog.Logger) *MQTTBus {
	return &MQTTBus{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("component", "MQTTBus").Logger(),
		acks:   pendingAcks{timeout: cfg.AckTimeout, limit: cfg.MaxPendingAcks},
		lost:   make(chan error, 1),
	}
}

// Connect establishes a connection to the MQTT broker. It fails with ErrNotConnected
// when the broker does not accept the connection within ConnectTimeout. Once connected,
// a dropped connection is re-established in the background and reported by Poll.
func (b *MQTTBus) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%s", b.cfg.ClientIDPrefix, uuid.New().String())).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			b.logger.Error().Err(err).Msg("MQTT Connection lost")
			select {
			case b.lost <- err:
			default:
			}
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			b.logger.Info().Str("broker", b.cfg.BrokerURL).Msg("Successfully connected to MQTT broker")
		})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if err := b.awaitConnect(token); err != nil {
		b.client.Disconnect(0)
		b.logger.Error().Err(err).Msg("Failed to connect to MQTT broker")
		return err
	}
	return nil
}

func (b *MQTTBus) awaitConnect(token mqtt.Token) error {
	if b.cfg.ConnectTimeout > 0 {
		if !token.WaitTimeout(b.cfg.ConnectTimeout) {
			return fmt.Errorf("connect to %s timed out after %s: %w", b.cfg.BrokerURL, b.cfg.ConnectTimeout, ErrNotConnected)
		}
	} else {
		token.Wait()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w: %w", b.cfg.BrokerURL, ErrNotConnected, err)
	}
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("failed to connect to %s: %w", b.cfg.BrokerURL, ErrNotConnected)
	}
	return nil
}

// Close disconnects from the broker and stops any reconnect in progress.
func (b *MQTTBus) Close() error {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		b.logger.Info().Msg("MQTT client disconnected")
	}
	return nil
}

// CreatePublisher binds a publisher to a concrete topic. Wildcard topics are rejected and
// the connection must be open.
func (b *MQTTBus) CreatePublisher(_ context.Context, topic, msgType string, qos int) (Publisher, error) {
	if err := checkTopic(topic); err != nil {
		return nil, err
	}
	if strings.ContainsAny(topic, "+#") {
		return nil, fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	}
	if err := checkQoS(qos, 2); err != nil {
		return nil, err
	}
	if b.client == nil || !b.client.IsConnectionOpen() {
		return nil, fmt.Errorf("publisher for %s: %w", topic, ErrNotConnected)
	}
	b.logger.Debug().Str("topic", topic).Str("msg_type", msgType).Int("qos", qos).Msg("Publisher created")
	return &mqttPublisher{bus: b, topic: topic, qos: byte(qos), seq: NewSequence(1)}, nil
}

// Poll reports failed or expired fire-and-forget publishes and connection loss, then
// waits up to d.
func (b *MQTTBus) Poll(ctx context.Context, d time.Duration) error {
	b.acks.drain(b.clock.Now(), func(topic string, err error) {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("Publish failed")
	})
	select {
	case err := <-b.lost:
		return fmt.Errorf("mqtt connection lost: %w", err)
	default:
	}
	return idle(ctx, b.clock, d)
}

type mqttPublisher struct {
	bus   *MQTTBus
	topic string
	qos   byte
	seq   *Sequence
}

func (p *mqttPublisher) Publish(ctx context.Context, msg msggen.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !p.bus.client.IsConnectionOpen() {
		return fmt.Errorf("publish to %s: %w", p.topic, ErrNotConnected)
	}
	if p.qos == 0 && p.bus.acks.full() {
		return fmt.Errorf("%w on %s", ErrAckBacklog, p.topic)
	}
	payload, err := Encode(p.topic, p.seq.Next(), p.bus.clock.Now(), msg)
	if err != nil {
		return err
	}

	token := p.bus.client.Publish(p.topic, p.qos, false, payload)
	if p.qos == 0 {
		return p.bus.acks.add(p.topic, p.bus.clock.Now(), token.Done(), token.Error)
	}

	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("mqtt publish error on %s: %w", p.topic, token.Error())
		}
		p.bus.logger.Debug().Str("topic", p.topic).Msg("Message published")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for publish confirmation on %s: %w", p.topic, ctx.Err())
	}
}
