// loadgen/interfaces.go

package loadgen

import (
	"time"

	"github.com/illmade-knight/go-topicfuzz/msggen"
)

// GeneratorLookup resolves a message type to its generator. *msggen.Registry satisfies it.
type GeneratorLookup interface {
	Lookup(typeID string) (msggen.Generator, error)
}

// Recorder receives scheduler events for metrics.
type Recorder interface {
	// RecordSetup is called once per topic; err is nil when the task started.
	RecordSetup(topic, msgType string, err error)
	// RecordTick is called for every fired tick with OutcomePublished or an error kind.
	RecordTick(topic, msgType, outcome string, elapsed time.Duration)
	// RecordSkipped reports deadlines a task missed because the loop fell behind.
	RecordSkipped(topic string, missed int64)
	// SetRunning reports the number of running tasks.
	SetRunning(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordSetup(string, string, error) {}
func (nopRecorder) RecordTick(string, string, string, time.Duration) {}
func (nopRecorder) RecordSkipped(string, int64) {}
func (nopRecorder) SetRunning(int) {}
