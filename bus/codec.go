// bus/codec.go

package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/illmade-knight/go-topicfuzz/msggen"
)

// Envelope is the wire format every adapter publishes.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Sequence  int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

// Encode wraps msg in an Envelope and serializes it.
func Encode(topic string, seq int64, ts time.Time, msg msggen.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Type:      msg.MessageType(),
		Sequence:  seq,
		Timestamp: ts.UTC(),
		Data:      data,
	})
}

// Decode parses an Envelope. The payload is left raw for the caller to unmarshal
// into the type named by Envelope.Type.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}
