// loadgen/scheduler.go

package loadgen

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-topicfuzz/bus"
	"github.com/illmade-knight/go-topicfuzz/entropy"
	"github.com/illmade-knight/go-topicfuzz/topics"
)

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultPublishTimeout = 2 * time.Second
)

// Config tunes a Scheduler. Zero values fall back to the defaults.
type Config struct {
	// PollInterval is the longest the scheduler hands to Bus.Poll in one step.
	PollInterval time.Duration
	// PublishTimeout bounds a single publish so one slow topic cannot hold the loop.
	PublishTimeout time.Duration
	Clock          clock.Clock
	Recorder       Recorder
}

// Scheduler multiplexes every topic task on one goroutine alongside the bus's polling.
// Its methods must be called from a single goroutine; once the topics are added,
// Published and Task.Stats are also safe to read from others.
type Scheduler struct {
	bus        bus.Bus
	generators GeneratorLookup
	supplier   entropy.Supplier
	cfg        Config
	clock      clock.Clock
	recorder   Recorder
	logger     zerolog.Logger
	tasks      []*Task
}

// NewScheduler creates a scheduler with no tasks.
func NewScheduler(b bus.Bus, generators GeneratorLookup, supplier entropy.Supplier, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Scheduler{
		bus:        b,
		generators: generators,
		supplier:   supplier,
		cfg:        cfg,
		clock:      cfg.Clock,
		recorder:   cfg.Recorder,
		logger:     logger.With().Str("component", "Scheduler").Logger(),
	}
}

// AddTopic sets up a task for d. A setup failure aborts that task only: the task is
// still returned, in state TaskAborted, together with the error.
func (s *Scheduler) AddTopic(ctx context.Context, d topics.Descriptor) (*Task, error) {
	task := newTask(d, s.logger)
	s.tasks = append(s.tasks, task)

	if d.MsgFactory != "" {
		task.logger.Debug().Str("msg_factory", d.MsgFactory).Msg("msg_factory is reserved and not used")
	}

	err := task.setup(ctx, s.generators, s.bus, s.clock.Now())
	s.recorder.RecordSetup(d.TopicName, d.MsgType, err)
	if err != nil {
		task.abort(err)
		task.logger.Error().Err(err).Str("error_kind", ErrorKind(err)).Msg("Topic setup failed, topic aborted")
		return task, err
	}

	s.recorder.SetRunning(s.running())
	task.logger.Info().
		Int("rate_hz", d.Rate).
		Int("qos", d.QoS).
		Dur("interval", task.interval).
		Msg("Topic task started")
	return task, nil
}

// AddTopics sets up every descriptor in order. Failed topics do not stop the others;
// their errors are joined.
func (s *Scheduler) AddTopics(ctx context.Context, ds []topics.Descriptor) error {
	var errs []error
	for _, d := range ds {
		if _, err := s.AddTopic(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Step runs one scheduling pass: poll the bus until the earliest deadline (at most
// PollInterval), then fire each due task once, in configuration order.
func (s *Scheduler) Step(ctx context.Context) error {
	return s.step(ctx, time.Time{})
}

// step is Step with an optional end time that also bounds the poll.
func (s *Scheduler) step(ctx context.Context, end time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.bus.Poll(ctx, s.pollWait(s.clock.Now(), end)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("Bus poll reported an error")
	}

	now := s.clock.Now()
	for _, task := range s.tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !task.due(now) {
			continue
		}
		if missed := task.rearm(now); missed > 0 {
			s.recorder.RecordSkipped(task.Topic(), missed)
			task.logger.Debug().Int64("missed", missed).Msg("Task fell behind, skipping missed ticks")
		}
		s.fire(ctx, task)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, task *Task) {
	start := s.clock.Now()
	outcome, err := task.tick(ctx, s.supplier, s.cfg.PublishTimeout)
	s.recorder.RecordTick(task.Topic(), task.descriptor.MsgType, outcome, s.clock.Since(start))
	if err != nil && outcome != KindCancelled {
		task.logger.Warn().Err(err).Str("error_kind", outcome).Msg("Tick skipped")
	}
}

// pollWait is the time until the earliest deadline or end, capped at PollInterval.
func (s *Scheduler) pollWait(now, end time.Time) time.Duration {
	wait := s.cfg.PollInterval
	for _, task := range s.tasks {
		if task.State() != TaskRunning {
			continue
		}
		if d := task.next.Sub(now); d < wait {
			wait = d
		}
	}
	if !end.IsZero() {
		if d := end.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// Run steps until ctx is cancelled, then stops every task. Cancellation is a normal
// shutdown and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Int("tasks", s.running()).Msg("Starting...")
	defer s.stop()
	for {
		if err := s.step(ctx, time.Time{}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// RunFor steps until the clock reaches start+duration or ctx is cancelled, and returns
// the number of messages published during the run. A deadline that falls exactly on
// the end still fires.
func (s *Scheduler) RunFor(ctx context.Context, duration time.Duration) (int, error) {
	before := s.Published()
	end := s.clock.Now().Add(duration)
	s.logger.Info().Int("tasks", s.running()).Dur("duration", duration).Msg("Starting...")
	defer s.stop()

	for {
		if err := s.step(ctx, end); err != nil {
			if ctx.Err() == nil {
				return int(s.Published() - before), err
			}
			break
		}
		if !s.clock.Now().Before(end) {
			break
		}
	}

	count := int(s.Published() - before)
	s.logger.Info().Int("successful_publishes", count).Msg("Finished")
	return count, nil
}

// ExpectedTicksForDuration is the number of ticks the started tasks fire over duration
// when the loop keeps up: floor(duration/interval) per task. Aborted tasks count zero.
func (s *Scheduler) ExpectedTicksForDuration(duration time.Duration) int {
	total := 0
	for _, task := range s.tasks {
		if task.interval > 0 {
			total += int(duration / task.interval)
		}
	}
	return total
}

// Tasks returns every task in configuration order, aborted ones included.
func (s *Scheduler) Tasks() []*Task {
	return append([]*Task(nil), s.tasks...)
}

// Published is the total number of successful publishes across all tasks.
func (s *Scheduler) Published() int64 {
	var n int64
	for _, task := range s.tasks {
		n += task.published.Load()
	}
	return n
}

func (s *Scheduler) running() int {
	n := 0
	for _, task := range s.tasks {
		if task.State() == TaskRunning {
			n++
		}
	}
	return n
}

func (s *Scheduler) stop() {
	for _, task := range s.tasks {
		task.stop()
	}
	s.recorder.SetRunning(0)
	s.logger.Info().Msg("Scheduler stopped")
}
