// bus/memory.go

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-topicfuzz/msggen"
)

// Delivery is one message seen by the in-memory bus.
type Delivery struct {
	Topic   string
	QoS     int
	Message msggen.Message
	Payload []byte
}

// MemoryBus is a process-local bus for tests and dry runs. It records every publisher
// and delivery and fans messages out to subscribers without blocking.
type MemoryBus struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu         sync.RWMutex
	closed     bool
	publishers []string
	deliveries []Delivery
	polls      int
	nextID     int
	subs       map[string]map[int]chan Delivery
}

// NewMemoryBus creates an empty in-memory bus. When clk is a *clock.Mock, Poll
// advances it rather than sleeping.
func NewMemoryBus(clk clock.Clock, logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		clock:  clk,
		logger: logger.With().Str("component", "MemoryBus").Logger(),
		subs:   make(map[string]map[int]chan Delivery),
	}
}

// CreatePublisher records topic and returns a publisher that fans out to subscribers.
func (b *MemoryBus) CreatePublisher(_ context.Context, topic, msgType string, qos int) (Publisher, error) {
	if err := checkTopic(topic); err != nil {
		return nil, err
	}
	if err := checkQoS(qos, 2); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrNotConnected
	}
	b.publishers = append(b.publishers, topic)
	b.logger.Debug().Str("topic", topic).Str("msg_type", msgType).Int("qos", qos).Msg("Publisher created")

	return &memoryPublisher{bus: b, topic: topic, qos: qos, seq: NewSequence(1)}, nil
}

// Poll counts the call and waits up to d, advancing a mock clock instead of sleeping.
func (b *MemoryBus) Poll(ctx context.Context, d time.Duration) error {
	b.mu.Lock()
	b.polls++
	b.mu.Unlock()
	return idle(ctx, b.clock, d)
}

// Close closes every subscription. Later publishes fail with ErrNotConnected.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, topic)
	}
	return nil
}

// Subscribe returns a channel of deliveries for topic and a function that cancels it.
func (b *MemoryBus) Subscribe(topic string) (<-chan Delivery, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[int]chan Delivery)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Delivery, 64)
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[topic]; ok {
			if sub, exists := subs[id]; exists {
				delete(subs, id)
				close(sub)
			}
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	return ch, cancel
}

// Publishers lists the topics publishers were created for, in creation order.
func (b *MemoryBus) Publishers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.publishers...)
}

// Deliveries returns everything published to topic so far.
func (b *MemoryBus) Deliveries(topic string) []Delivery {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Delivery
	for _, d := range b.deliveries {
		if d.Topic == topic {
			out = append(out, d)
		}
	}
	return out
}

// Polls reports how many times Poll has been called.
func (b *MemoryBus) Polls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.polls
}

type memoryPublisher struct {
	bus   *MemoryBus
	topic string
	qos   int
	seq   *Sequence
}

func (p *memoryPublisher) Publish(ctx context.Context, msg msggen.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(p.topic, p.seq.Next(), p.bus.clock.Now(), msg)
	if err != nil {
		return err
	}

	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if p.bus.closed {
		return fmt.Errorf("publish to %s: %w", p.topic, ErrNotConnected)
	}
	d := Delivery{Topic: p.topic, QoS: p.qos, Message: msg, Payload: payload}
	p.bus.deliveries = append(p.bus.deliveries, d)
	for _, ch := range p.bus.subs[p.topic] {
		select {
		case ch <- d:
		default:
			// A full subscriber drops the message rather than stalling the publisher.
		}
	}
	return nil
}
