package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/illmade-knight/go-topicfuzz/bus"
	"github.com/illmade-knight/go-topicfuzz/msggen"
)

// TracedBus wraps a bus.Bus with spans for publisher creation and every publish.
// Poll is passed through untraced; it runs on every scheduler step.
type TracedBus struct {
	bus    bus.Bus
	tracer *Tracer
}

// NewTracedBus decorates b with tracing.
func NewTracedBus(b bus.Bus, tracer *Tracer) *TracedBus {
	return &TracedBus{bus: b, tracer: tracer}
}

// CreatePublisher traces publisher creation and wraps the result so every publish gets a span.
func (b *TracedBus) CreatePublisher(ctx context.Context, topic, msgType string, qos int) (bus.Publisher, error) {
	ctx, span := b.tracer.StartSpan(ctx, "bus.create_publisher")
	defer span.End()
	span.SetAttributes(b.tracer.TopicAttributes(topic, msgType, qos)...)

	pub, err := b.bus.CreatePublisher(ctx, topic, msgType, qos)
	if err != nil {
		b.tracer.RecordError(ctx, err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return &tracedPublisher{pub: pub, tracer: b.tracer, topic: topic, msgType: msgType, qos: qos}, nil
}

// Poll passes through.
func (b *TracedBus) Poll(ctx context.Context, d time.Duration) error {
	return b.bus.Poll(ctx, d)
}

// Close passes through.
func (b *TracedBus) Close() error {
	return b.bus.Close()
}

// Unwrap returns the decorated bus.
func (b *TracedBus) Unwrap() bus.Bus {
	return b.bus
}

type tracedPublisher struct {
	pub     bus.Publisher
	tracer  *Tracer
	topic   string
	msgType string
	qos     int
}

func (p *tracedPublisher) Publish(ctx context.Context, msg msggen.Message) error {
	ctx, span := p.tracer.StartSpan(ctx, "bus.publish")
	defer span.End()
	span.SetAttributes(p.tracer.TopicAttributes(p.topic, p.msgType, p.qos)...)

	err := p.pub.Publish(ctx, msg)
	if err != nil {
		p.tracer.RecordError(ctx, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
