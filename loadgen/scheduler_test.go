package loadgen_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-topicfuzz/bus"
	"github.com/illmade-knight/go-topicfuzz/entropy"
	"github.com/illmade-knight/go-topicfuzz/loadgen"
	"github.com/illmade-knight/go-topicfuzz/msggen"
	"github.com/illmade-knight/go-topicfuzz/topics"
)

// --- Mocks ---

// MockBus is a mock implementation of bus.Bus. When clock is set, Poll advances it
// by the requested wait, like the in-memory bus does.
type MockBus struct {
	mock.Mock
	clock *clock.Mock
}

func (m *MockBus) CreatePublisher(ctx context.Context, topic, msgType string, qos int) (bus.Publisher, error) {
	args := m.Called(ctx, topic, msgType, qos)
	var pub bus.Publisher
	if p, ok := args.Get(0).(bus.Publisher); ok {
		pub = p
	}
	return pub, args.Error(1)
}

func (m *MockBus) Poll(ctx context.Context, d time.Duration) error {
	args := m.Called(ctx, d)
	if m.clock != nil {
		m.clock.Add(d)
	}
	return args.Error(0)
}

func (m *MockBus) Close() error {
	return m.Called().Error(0)
}

// MockPublisher is a mock implementation of bus.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg msggen.Message) error {
	return m.Called(ctx, msg).Error(0)
}

// fakeRecorder captures scheduler events.
type fakeRecorder struct {
	mu       sync.Mutex
	setups   map[string]error
	outcomes map[string][]string
	skipped  map[string]int64
	running  []int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		setups:   make(map[string]error),
		outcomes: make(map[string][]string),
		skipped:  make(map[string]int64),
	}
}

func (r *fakeRecorder) RecordSetup(topic, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups[topic] = err
}

func (r *fakeRecorder) RecordTick(topic, _, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[topic] = append(r.outcomes[topic], outcome)
}

func (r *fakeRecorder) RecordSkipped(topic string, missed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[topic] += missed
}

func (r *fakeRecorder) SetRunning(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = append(r.running, n)
}

// --- Helpers ---

func descriptor(msgType string, rate, qos int, topic string) topics.Descriptor {
	return topics.Descriptor{MsgType: msgType, MsgFactory: "te2", Rate: rate, QoS: qos, TopicName: topic}
}

func newMemoryScheduler(supplier entropy.Supplier, generators loadgen.GeneratorLookup) (*loadgen.Scheduler, *bus.MemoryBus, *clock.Mock) {
	clk := clock.NewMock()
	b := bus.NewMemoryBus(clk, zerolog.Nop())
	s := loadgen.NewScheduler(b, generators, supplier, loadgen.Config{Clock: clk}, zerolog.Nop())
	return s, b, clk
}

// --- Tests ---

func TestScheduler_AddTopic(t *testing.T) {
	ctx := context.Background()

	t.Run("String topic creates one publisher with a 200ms interval", func(t *testing.T) {
		// Arrange
		s, b, clk := newMemoryScheduler(entropy.Repeat([]byte("hij")), msggen.NewDefaultRegistry())

		// Act
		task, err := s.AddTopic(ctx, descriptor(msggen.TypeString, 5, 1, "stringtopic"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"stringtopic"}, b.Publishers())
		assert.Equal(t, 200*time.Millisecond, task.Interval())
		assert.Equal(t, loadgen.TaskRunning, task.State())
		assert.Equal(t, clk.Now().Add(200*time.Millisecond), task.NextDeadline())
	})

	t.Run("Unknown message type creates no publisher", func(t *testing.T) {
		// Arrange
		mockBus := new(MockBus)
		rec := newFakeRecorder()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte("hij")),
			loadgen.Config{Clock: clock.NewMock(), Recorder: rec}, zerolog.Nop())

		// Act
		task, err := s.AddTopic(ctx, descriptor("foo/Bar", 5, 1, "bartopic"))

		// Assert
		require.ErrorIs(t, err, msggen.ErrUnknownMessageType)
		var topicErr *loadgen.TopicError
		require.ErrorAs(t, err, &topicErr)
		assert.Equal(t, "bartopic", topicErr.Topic)
		assert.Equal(t, "foo/Bar", topicErr.MessageType)
		assert.Equal(t, loadgen.TaskAborted, task.State())
		assert.ErrorIs(t, task.Err(), msggen.ErrUnknownMessageType)
		assert.ErrorIs(t, rec.setups["bartopic"], msggen.ErrUnknownMessageType)
		mockBus.AssertNotCalled(t, "CreatePublisher", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Invalid rate creates no publisher", func(t *testing.T) {
		mockBus := new(MockBus)
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat(nil), loadgen.Config{Clock: clock.NewMock()}, zerolog.Nop())

		for _, rate := range []int{0, -3} {
			_, err := s.AddTopic(ctx, descriptor(msggen.TypeString, rate, 0, "stringtopic"))
			assert.ErrorIs(t, err, topics.ErrInvalidRate)
			assert.Equal(t, loadgen.KindInvalidRate, loadgen.ErrorKind(err))
		}
		mockBus.AssertNotCalled(t, "CreatePublisher", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Publisher setup failure aborts only that topic", func(t *testing.T) {
		// Arrange
		mockBus := new(MockBus)
		busErr := errors.New("broker says no")
		mockBus.On("CreatePublisher", mock.Anything, "bad", msggen.TypeBool, 1).Return(nil, busErr).Once()
		mockBus.On("CreatePublisher", mock.Anything, "good", msggen.TypeBool, 1).Return(new(MockPublisher), nil).Once()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}), loadgen.Config{Clock: clock.NewMock()}, zerolog.Nop())

		// Act
		err := s.AddTopics(ctx, []topics.Descriptor{
			descriptor(msggen.TypeBool, 5, 1, "bad"),
			descriptor("foo/Bar", 5, 1, "unknown"),
			descriptor(msggen.TypeBool, 5, 1, "good"),
		})

		// Assert
		require.Error(t, err)
		assert.ErrorIs(t, err, loadgen.ErrPublisherSetupFailed)
		assert.ErrorIs(t, err, busErr)
		assert.ErrorIs(t, err, msggen.ErrUnknownMessageType)

		tasks := s.Tasks()
		require.Len(t, tasks, 3)
		assert.Equal(t, loadgen.TaskAborted, tasks[0].State())
		assert.Equal(t, loadgen.KindPublisherSetupFailed, loadgen.ErrorKind(tasks[0].Err()))
		assert.Equal(t, loadgen.TaskAborted, tasks[1].State())
		assert.Equal(t, loadgen.TaskRunning, tasks[2].State())
		mockBus.AssertExpectations(t)
	})
}

func TestScheduler_RunFor(t *testing.T) {
	ctx := context.Background()

	t.Run("String topic publishes hij every 200ms", func(t *testing.T) {
		// Arrange
		s, b, _ := newMemoryScheduler(entropy.Repeat([]byte("hij")), msggen.NewDefaultRegistry())
		_, err := s.AddTopic(ctx, descriptor(msggen.TypeString, 5, 1, "stringtopic"))
		require.NoError(t, err)
		expected := s.ExpectedTicksForDuration(time.Second)

		// Act
		count, err := s.RunFor(ctx, time.Second)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 5, expected)
		assert.Equal(t, expected, count)
		deliveries := b.Deliveries("stringtopic")
		require.Len(t, deliveries, 5)
		assert.Equal(t, msggen.String{Data: "hij"}, deliveries[0].Message)
		assert.Equal(t, 1, deliveries[0].QoS)
		assert.Equal(t, loadgen.TaskStopped, s.Tasks()[0].State())
	})

	t.Run("Default entropy publishes every built-in type", func(t *testing.T) {
		// Arrange
		var cfg entropy.Config
		require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}))
		supplier, err := entropy.NewSupplier(cfg)
		require.NoError(t, err)
		registry := msggen.NewDefaultRegistry()
		s, b, _ := newMemoryScheduler(supplier, registry)
		for _, typeID := range registry.Types() {
			_, err := s.AddTopic(ctx, descriptor(typeID, 10, 0, typeID))
			require.NoError(t, err)
		}
		expected := s.ExpectedTicksForDuration(10 * time.Second)

		// Act
		count, err := s.RunFor(ctx, 10*time.Second)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, expected, count)
		for _, task := range s.Tasks() {
			stats := task.Stats()
			assert.Equal(t, int64(100), stats.Published, stats.Topic)
			assert.Zero(t, stats.GenerationFailures, stats.Topic)
		}
		assert.Len(t, b.Deliveries(msggen.TypeString), 100)
	})

	t.Run("Correct number of ticks at the window edges", func(t *testing.T) {
		tests := []struct {
			name     string
			rate     int
			duration time.Duration
			expected int
		}{
			{"1Hz for 1s is one tick", 1, time.Second, 1},
			{"2Hz for 0.5s is one tick", 2, 500 * time.Millisecond, 1},
			{"Just before a tick", 1, 2*time.Second - time.Nanosecond, 1},
			{"Exactly on a tick", 1, 2 * time.Second, 2},
			{"Just after a tick", 1, 2*time.Second + time.Nanosecond, 2},
			{"Shorter than one interval", 5, 100 * time.Millisecond, 0},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				s, _, _ := newMemoryScheduler(entropy.Repeat([]byte{7}), msggen.NewDefaultRegistry())
				_, err := s.AddTopic(ctx, descriptor(msggen.TypeUInt8, tc.rate, 0, "uint8topic"))
				require.NoError(t, err)

				count, err := s.RunFor(ctx, tc.duration)

				require.NoError(t, err)
				assert.Equal(t, tc.expected, count)
				assert.Equal(t, tc.expected, s.ExpectedTicksForDuration(tc.duration))
			})
		}
	})

	t.Run("Short entropy buffer skips the publish but keeps ticking", func(t *testing.T) {
		// Arrange
		rec := newFakeRecorder()
		clk := clock.NewMock()
		b := bus.NewMemoryBus(clk, zerolog.Nop())
		s := loadgen.NewScheduler(b, msggen.NewDefaultRegistry(), entropy.Shared(entropy.New([]byte{0x01})),
			loadgen.Config{Clock: clk, Recorder: rec}, zerolog.Nop())
		task, err := s.AddTopic(ctx, descriptor(msggen.TypeInt32, 5, 0, "inttopic"))
		require.NoError(t, err)

		// Act
		count, err := s.RunFor(ctx, time.Second)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.Empty(t, b.Deliveries("inttopic"))
		stats := task.Stats()
		assert.Equal(t, int64(5), stats.Ticks, "the task keeps ticking after exhaustion")
		assert.Equal(t, int64(5), stats.GenerationFailures)
		assert.Equal(t, int64(0), stats.Published)
		assert.Equal(t, []string{
			loadgen.KindGenerationExhausted, loadgen.KindGenerationExhausted, loadgen.KindGenerationExhausted,
			loadgen.KindGenerationExhausted, loadgen.KindGenerationExhausted,
		}, rec.outcomes["inttopic"])
	})

	t.Run("Replayed entropy runs out after the recorded ticks", func(t *testing.T) {
		supplier := entropy.NewReplay([][]byte{{0x00, 0x00}, {0x07, 0xD0}})
		s, b, _ := newMemoryScheduler(supplier, msggen.NewDefaultRegistry())
		task, err := s.AddTopic(ctx, descriptor(msggen.TypeInt32, 10, 0, "inttopic"))
		require.NoError(t, err)

		count, err := s.RunFor(ctx, 500*time.Millisecond)

		require.NoError(t, err)
		assert.Equal(t, 2, count)
		deliveries := b.Deliveries("inttopic")
		require.Len(t, deliveries, 2)
		assert.Equal(t, msggen.Int32{Data: msggen.Int32Min}, deliveries[0].Message)
		assert.Equal(t, msggen.Int32{Data: msggen.Int32Max}, deliveries[1].Message)
		assert.Equal(t, int64(3), task.Stats().GenerationFailures)
	})
}

func TestScheduler_Fairness(t *testing.T) {
	ctx := context.Background()

	t.Run("Publish counts follow rates with a failing task present", func(t *testing.T) {
		// Arrange
		registry := msggen.NewDefaultRegistry()
		registry.RegisterFunc("test/AlwaysMalformed", func(*entropy.Source) (msggen.Message, error) {
			return nil, msggen.ErrGenerationMalformed
		})
		s, b, _ := newMemoryScheduler(entropy.Repeat([]byte("hij")), registry)
		require.NoError(t, s.AddTopics(ctx, []topics.Descriptor{
			descriptor("test/AlwaysMalformed", 20, 0, "broken"),
			descriptor(msggen.TypeString, 10, 0, "ten"),
			descriptor(msggen.TypeString, 5, 1, "five"),
			descriptor(msggen.TypeString, 2, 2, "two"),
		}))

		// Act
		count, err := s.RunFor(ctx, 3*time.Second)

		// Assert
		require.NoError(t, err)
		assert.Len(t, b.Deliveries("ten"), 30)
		assert.Len(t, b.Deliveries("five"), 15)
		assert.Len(t, b.Deliveries("two"), 6)
		assert.Empty(t, b.Deliveries("broken"))
		assert.Equal(t, 51, count)
		assert.Equal(t, int64(60), s.Tasks()[0].Stats().GenerationFailures)
		assert.Equal(t, 111, s.ExpectedTicksForDuration(3*time.Second))
	})

	t.Run("A stalled publisher is cut off by the publish timeout", func(t *testing.T) {
		// Arrange
		clk := clock.NewMock()
		mockBus := &MockBus{clock: clk}
		stalled := new(MockPublisher)
		fast := new(MockPublisher)
		stalled.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).Return(context.DeadlineExceeded)
		fast.On("Publish", mock.Anything, mock.Anything).Return(nil)
		mockBus.On("CreatePublisher", mock.Anything, "stalled", msggen.TypeBool, 1).Return(stalled, nil)
		mockBus.On("CreatePublisher", mock.Anything, "fast", msggen.TypeBool, 0).Return(fast, nil)
		mockBus.On("Poll", mock.Anything, mock.Anything).Return(nil)

		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}),
			loadgen.Config{Clock: clk, PublishTimeout: 5 * time.Millisecond}, zerolog.Nop())
		require.NoError(t, s.AddTopics(ctx, []topics.Descriptor{
			descriptor(msggen.TypeBool, 10, 1, "stalled"),
			descriptor(msggen.TypeBool, 10, 0, "fast"),
		}))

		// Act
		count, err := s.RunFor(ctx, time.Second)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 10, count)
		stats := s.Tasks()[0].Stats()
		assert.Equal(t, int64(10), stats.PublishFailures)
		assert.Equal(t, int64(0), stats.Published)
		fast.AssertNumberOfCalls(t, "Publish", 10)
	})
}

func TestScheduler_Step(t *testing.T) {
	ctx := context.Background()

	t.Run("Poll waits until the earliest deadline", func(t *testing.T) {
		clk := clock.NewMock()
		mockBus := new(MockBus)
		mockBus.On("CreatePublisher", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(new(MockPublisher), nil)
		mockBus.On("Poll", mock.Anything, 100*time.Millisecond).Return(nil).Once()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}),
			loadgen.Config{Clock: clk, PollInterval: time.Second}, zerolog.Nop())
		require.NoError(t, s.AddTopics(ctx, []topics.Descriptor{
			descriptor(msggen.TypeBool, 5, 0, "five"),
			descriptor(msggen.TypeBool, 10, 0, "ten"),
		}))

		require.NoError(t, s.Step(ctx))

		mockBus.AssertExpectations(t)
	})

	t.Run("Poll waits at most the poll interval", func(t *testing.T) {
		clk := clock.NewMock()
		mockBus := new(MockBus)
		mockBus.On("CreatePublisher", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(new(MockPublisher), nil)
		mockBus.On("Poll", mock.Anything, 50*time.Millisecond).Return(nil).Once()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}),
			loadgen.Config{Clock: clk, PollInterval: 50 * time.Millisecond}, zerolog.Nop())
		_, err := s.AddTopic(ctx, descriptor(msggen.TypeBool, 1, 0, "slow"))
		require.NoError(t, err)

		require.NoError(t, s.Step(ctx))

		mockBus.AssertExpectations(t)
	})

	t.Run("A task that fell behind fires once and counts the missed ticks", func(t *testing.T) {
		// Arrange
		clk := clock.NewMock()
		mockBus := new(MockBus)
		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, msggen.Bool{Data: true}).Return(nil)
		mockBus.On("CreatePublisher", mock.Anything, "lagging", msggen.TypeBool, 0).Return(pub, nil)
		mockBus.On("Poll", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			clk.Add(time.Second) // the bus stalls well past the deadline
		}).Return(nil).Once()
		rec := newFakeRecorder()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}),
			loadgen.Config{Clock: clk, Recorder: rec}, zerolog.Nop())
		task, err := s.AddTopic(ctx, descriptor(msggen.TypeBool, 10, 0, "lagging"))
		require.NoError(t, err)
		start := clk.Now()

		// Act
		require.NoError(t, s.Step(ctx))

		// Assert
		pub.AssertNumberOfCalls(t, "Publish", 1)
		assert.Equal(t, int64(9), task.Stats().Skipped)
		assert.Equal(t, int64(9), rec.skipped["lagging"])
		assert.Equal(t, start.Add(time.Second+100*time.Millisecond), task.NextDeadline())
	})

	t.Run("Poll errors are logged and the pass continues", func(t *testing.T) {
		clk := clock.NewMock()
		mockBus := new(MockBus)
		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
		mockBus.On("CreatePublisher", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(pub, nil)
		mockBus.On("Poll", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			clk.Add(time.Second)
		}).Return(errors.New("connection lost")).Once()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}), loadgen.Config{Clock: clk}, zerolog.Nop())
		_, err := s.AddTopic(ctx, descriptor(msggen.TypeBool, 1, 0, "t"))
		require.NoError(t, err)

		assert.NoError(t, s.Step(ctx))
		pub.AssertNumberOfCalls(t, "Publish", 1)
	})

	t.Run("Publish failures are counted and the task keeps running", func(t *testing.T) {
		clk := clock.NewMock()
		mockBus := &MockBus{clock: clk}
		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("nack"))
		mockBus.On("CreatePublisher", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(pub, nil)
		mockBus.On("Poll", mock.Anything, mock.Anything).Return(nil)
		rec := newFakeRecorder()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}),
			loadgen.Config{Clock: clk, Recorder: rec}, zerolog.Nop())
		task, err := s.AddTopic(ctx, descriptor(msggen.TypeBool, 10, 1, "t"))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Step(ctx))
		}

		stats := task.Stats()
		assert.Equal(t, int64(3), stats.Ticks)
		assert.Equal(t, int64(3), stats.PublishFailures)
		assert.Equal(t, loadgen.TaskRunning, stats.State)
		assert.Equal(t, []string{loadgen.KindPublishFailed, loadgen.KindPublishFailed, loadgen.KindPublishFailed}, rec.outcomes["t"])
	})
}

func TestScheduler_Run(t *testing.T) {
	t.Run("Cancellation stops every task and returns nil", func(t *testing.T) {
		// Arrange
		clk := clock.NewMock()
		mockBus := &MockBus{clock: clk}
		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
		mockBus.On("CreatePublisher", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(pub, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		polls := 0
		mockBus.On("Poll", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			polls++
			if polls == 5 {
				cancel()
			}
		}).Return(nil)

		rec := newFakeRecorder()
		s := loadgen.NewScheduler(mockBus, msggen.NewDefaultRegistry(), entropy.Repeat([]byte{1}),
			loadgen.Config{Clock: clk, Recorder: rec}, zerolog.Nop())
		task, err := s.AddTopic(ctx, descriptor(msggen.TypeBool, 10, 0, "t"))
		require.NoError(t, err)

		// Act
		err = s.Run(ctx)

		// Assert
		assert.NoError(t, err)
		assert.Equal(t, 5, polls)
		assert.Equal(t, loadgen.TaskStopped, task.State())
		assert.Equal(t, int64(4), task.Stats().Published, "no tick fires after the cancelling poll")
		assert.Equal(t, 0, rec.running[len(rec.running)-1])
	})

	t.Run("An already cancelled context publishes nothing", func(t *testing.T) {
		s, b, _ := newMemoryScheduler(entropy.Repeat([]byte("hij")), msggen.NewDefaultRegistry())
		_, err := s.AddTopic(context.Background(), descriptor(msggen.TypeString, 5, 0, "stringtopic"))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		count, err := s.RunFor(ctx, time.Second)

		assert.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.Empty(t, b.Deliveries("stringtopic"))
		assert.Equal(t, 0, b.Polls())
	})
}
