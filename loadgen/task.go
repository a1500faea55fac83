// loadgen/task.go

package loadgen

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-topicfuzz/bus"
	"github.com/illmade-knight/go-topicfuzz/entropy"
	"github.com/illmade-knight/go-topicfuzz/msggen"
	"github.com/illmade-knight/go-topicfuzz/topics"
)

// TaskState is the lifecycle state of a Task.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskRunning
	TaskAborted
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunning:
		return "running"
	case TaskAborted:
		return "aborted"
	case TaskStopped:
		return "stopped"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// TaskStats is a point-in-time copy of a task's counters.
type TaskStats struct {
	Topic              string
	MessageType        string
	State              TaskState
	Ticks              int64
	Published          int64
	GenerationFailures int64
	PublishFailures    int64
	Skipped            int64
}

// Task publishes one topic's messages. It is driven by a Scheduler and never runs
// concurrently with another task; counters are atomic so Stats can be read from
// other goroutines.
type Task struct {
	descriptor topics.Descriptor
	interval   time.Duration
	generator  msggen.Generator
	publisher  bus.Publisher
	next       time.Time
	setupErr   error
	logger     zerolog.Logger

	state              atomic.Int32
	ticks              atomic.Int64
	published          atomic.Int64
	generationFailures atomic.Int64
	publishFailures    atomic.Int64
	skipped            atomic.Int64
}

func newTask(d topics.Descriptor, logger zerolog.Logger) *Task {
	return &Task{
		descriptor: d,
		logger: logger.With().
			Str("topic", d.TopicName).
			Str("msg_type", d.MsgType).
			Logger(),
	}
}

// setup validates the rate, resolves the generator and only then creates the
// publisher, so a bad descriptor never reaches the bus.
func (t *Task) setup(ctx context.Context, generators GeneratorLookup, b bus.Bus, now time.Time) error {
	d := t.descriptor
	interval, err := d.Interval()
	if err != nil {
		return t.wrap(err)
	}
	gen, err := generators.Lookup(d.MsgType)
	if err != nil {
		return t.wrap(err)
	}
	pub, err := b.CreatePublisher(ctx, d.TopicName, d.MsgType, d.QoS)
	if err != nil {
		return t.wrap(fmt.Errorf("%w: %w", ErrPublisherSetupFailed, err))
	}
	if pub == nil {
		return t.wrap(fmt.Errorf("%w: bus returned no publisher", ErrPublisherSetupFailed))
	}

	t.interval = interval
	t.generator = gen
	t.publisher = pub
	t.next = now.Add(interval)
	t.state.Store(int32(TaskRunning))
	return nil
}

func (t *Task) abort(err error) {
	t.setupErr = err
	t.state.Store(int32(TaskAborted))
}

func (t *Task) stop() {
	t.state.CompareAndSwap(int32(TaskRunning), int32(TaskStopped))
}

// due reports whether a running task's deadline has passed at now.
func (t *Task) due(now time.Time) bool {
	return t.State() == TaskRunning && !now.Before(t.next)
}

// rearm moves the deadline past now. A task that is on time keeps its cadence; a
// task that fell behind restarts from now and reports how many ticks it missed.
func (t *Task) rearm(now time.Time) int64 {
	next := t.next.Add(t.interval)
	if next.After(now) {
		t.next = next
		return 0
	}
	missed := int64(now.Sub(t.next) / t.interval)
	t.next = now.Add(t.interval)
	t.skipped.Add(missed)
	return missed
}

// tick draws a source, generates one message and publishes it. A failure skips
// this tick's publish only.
func (t *Task) tick(ctx context.Context, supplier entropy.Supplier, timeout time.Duration) (string, error) {
	t.ticks.Add(1)

	msg, err := t.generate(supplier)
	if err != nil {
		t.generationFailures.Add(1)
		return ErrorKind(err), t.wrap(err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	err = t.publisher.Publish(pubCtx, msg)
	cancel()
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return KindCancelled, ctx.Err()
		}
		t.publishFailures.Add(1)
		return KindPublishFailed, t.wrap(fmt.Errorf("%w: %w", ErrPublishFailed, err))
	}

	t.published.Add(1)
	return OutcomePublished, nil
}

func (t *Task) generate(supplier entropy.Supplier) (msggen.Message, error) {
	src, err := supplier.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", msggen.ErrGenerationExhausted, err)
	}
	return t.generator.Generate(src)
}

func (t *Task) wrap(err error) error {
	return &TopicError{Topic: t.descriptor.TopicName, MessageType: t.descriptor.MsgType, Err: err}
}

// Descriptor returns the configuration the task was built from.
func (t *Task) Descriptor() topics.Descriptor { return t.descriptor }

// Topic returns the topic name the task publishes to.
func (t *Task) Topic() string { return t.descriptor.TopicName }

// Interval is the time between ticks. It is zero for a task that never started.
func (t *Task) Interval() time.Duration { return t.interval }

// NextDeadline is the time the task fires next.
func (t *Task) NextDeadline() time.Time { return t.next }

// State is the task's current lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Err returns the setup error of an aborted task.
func (t *Task) Err() error { return t.setupErr }

// Stats returns a snapshot of the task's counters. It is safe to call while the
// scheduler runs.
func (t *Task) Stats() TaskStats {
	return TaskStats{
		Topic:              t.descriptor.TopicName,
		MessageType:        t.descriptor.MsgType,
		State:              t.State(),
		Ticks:              t.ticks.Load(),
		Published:          t.published.Load(),
		GenerationFailures: t.generationFailures.Load(),
		PublishFailures:    t.publishFailures.Load(),
		Skipped:            t.skipped.Load(),
	}
}
