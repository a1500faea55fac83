// loadgen/errors.go

package loadgen

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-topicfuzz/entropy"
	"github.com/illmade-knight/go-topicfuzz/msggen"
	"github.com/illmade-knight/go-topicfuzz/topics"
)

var (
	// ErrPublisherSetupFailed wraps any error the bus returns while creating a publisher.
	ErrPublisherSetupFailed = errors.New("publisher setup failed")
	// ErrPublishFailed wraps any error the bus returns for a single publish.
	ErrPublishFailed = errors.New("publish failed")
)

// Error kinds are stable labels for logs and metrics.
const (
	KindUnknownMessageType   = "unknown_message_type"
	KindInvalidRate          = "invalid_rate"
	KindPublisherSetupFailed = "publisher_setup_failed"
	KindGenerationExhausted  = "generation_exhausted"
	KindGenerationMalformed  = "generation_malformed"
	KindPublishFailed        = "publish_failed"
	KindCancelled            = "cancelled"
	KindUnknown              = "unknown"
)

// OutcomePublished is the tick outcome label for a successful publish. Failed ticks
// are labelled with their error kind.
const OutcomePublished = "published"

// TopicError ties a setup or tick failure to the topic it happened on.
type TopicError struct {
	Topic       string
	MessageType string
	Err         error
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("topic %q (%s): %v", e.Topic, e.MessageType, e.Err)
}

func (e *TopicError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies err into one of the Kind labels. A nil error has no kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, msggen.ErrUnknownMessageType):
		return KindUnknownMessageType
	case errors.Is(err, topics.ErrInvalidRate):
		return KindInvalidRate
	case errors.Is(err, ErrPublisherSetupFailed):
		return KindPublisherSetupFailed
	case errors.Is(err, msggen.ErrGenerationExhausted), errors.Is(err, entropy.ErrExhausted):
		return KindGenerationExhausted
	case errors.Is(err, msggen.ErrGenerationMalformed):
		return KindGenerationMalformed
	case errors.Is(err, ErrPublishFailed):
		return KindPublishFailed
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}
