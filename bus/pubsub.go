// bus/pubsub.go

package bus

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/illmade-knight/go-topicfuzz/msggen"
)

var pubsubTopicID = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9\-_.~+%]{2,254}$`)

// PubSubConfig holds the Google Cloud Pub/Sub settings. The client library honours
// PUBSUB_EMULATOR_HOST on its own.
type PubSubConfig struct {
	ProjectID    string `env:"PUBSUB_PROJECT_ID" envDefault:"topicfuzz-local"`
	CreateTopics bool   `env:"PUBSUB_CREATE_TOPICS" envDefault:"true"`
}

// PubSubBus publishes onto Google Cloud Pub/Sub. QoS 0 publishes are checked on the
// next Poll; QoS 1 waits for the server-assigned message id.
type PubSubBus struct {
	client *pubsub.Client
	cfg    PubSubConfig
	clock  clock.Clock
	logger zerolog.Logger
	acks   pendingAcks

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// NewPubSubBus creates a Pub/Sub client for cfg.ProjectID.
func NewPubSubBus(ctx context.Context, cfg PubSubConfig, clk clock.Clock, logger zerolog.Logger, opts ...option.ClientOption) (*PubSubBus, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client for project %s: %w", cfg.ProjectID, err)
	}
	return &PubSubBus{
		client:     client,
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With().Str("component", "PubSubBus").Str("project_id", cfg.ProjectID).Logger(),
		publishers: make(map[string]*pubsub.Publisher),
	}, nil
}

// TopicName expands a bare topic id into its fully qualified resource name.
func (b *PubSubBus) TopicName(topic string) string {
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", b.cfg.ProjectID, topic)
}

// CreatePublisher resolves topic, creating it when allowed, and reuses one
// pubsub.Publisher per topic.
func (b *PubSubBus) CreatePublisher(ctx context.Context, topic, msgType string, qos int) (Publisher, error) {
	if err := checkTopic(topic); err != nil {
		return nil, err
	}
	name := b.TopicName(topic)
	if id := name[strings.LastIndex(name, "/")+1:]; !pubsubTopicID.MatchString(id) {
		return nil, fmt.Errorf("%w: %q is not a valid Pub/Sub topic id", ErrInvalidTopic, id)
	}
	if err := checkQoS(qos, 1); err != nil {
		return nil, err
	}
	if err := b.ensureTopic(ctx, name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	pub, ok := b.publishers[name]
	if !ok {
		pub = b.client.Publisher(name)
		b.publishers[name] = pub
	}
	b.mu.Unlock()

	b.logger.Debug().Str("topic", name).Str("msg_type", msgType).Int("qos", qos).Msg("Publisher created")
	return &pubsubPublisher{bus: b, pub: pub, topic: topic, msgType: msgType, qos: qos, seq: NewSequence(1)}, nil
}

func (b *PubSubBus) ensureTopic(ctx context.Context, name string) error {
	_, err := b.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound || !b.cfg.CreateTopics {
		return fmt.Errorf("failed to resolve topic %s: %w", name, err)
	}
	if _, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name}); err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	b.logger.Info().Str("topic", name).Msg("Created topic")
	return nil
}

// Poll reports failed fire-and-forget publishes, then waits up to d.
func (b *PubSubBus) Poll(ctx context.Context, d time.Duration) error {
	b.acks.drain(b.clock.Now(), func(topic string, err error) {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("Publish failed")
	})
	return idle(ctx, b.clock, d)
}

// Close flushes and stops every publisher, then closes the client.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	for name, pub := range b.publishers {
		pub.Stop()
		delete(b.publishers, name)
	}
	b.mu.Unlock()
	return b.client.Close()
}

type pubsubPublisher struct {
	bus     *PubSubBus
	pub     *pubsub.Publisher
	topic   string
	msgType string
	qos     int
	seq     *Sequence
}

func (p *pubsubPublisher) Publish(ctx context.Context, msg msggen.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.qos == 0 && p.bus.acks.full() {
		return fmt.Errorf("%w on %s", ErrAckBacklog, p.topic)
	}
	payload, err := Encode(p.topic, p.seq.Next(), p.bus.clock.Now(), msg)
	if err != nil {
		return err
	}

	res := p.pub.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"msg_type": msg.MessageType(),
			"qos":      strconv.Itoa(p.qos),
		},
	})
	if p.qos == 0 {
		return p.bus.acks.add(p.topic, p.bus.clock.Now(), res.Ready(), func() error {
			_, err := res.Get(context.Background())
			return err
		})
	}

	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish error on %s: %w", p.topic, err)
	}
	return nil
}
