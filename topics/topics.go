// topics/topics.go

package topics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRate is returned for a topic whose rate is not a positive number of messages per second.
var ErrInvalidRate = errors.New("invalid rate")

// Descriptor is one topic entry of the configuration document.
type Descriptor struct {
	// MsgType is the message type identifier used for generator dispatch.
	MsgType string `yaml:"msg_type"`
	// MsgFactory is carried through but not consulted by dispatch.
	MsgFactory string `yaml:"msg_factory"`
	// Rate is in messages per second.
	Rate int `yaml:"rate"`
	// QoS is handed to the bus unchanged.
	QoS int `yaml:"qos"`
	// TopicName is the bus topic path.
	TopicName string `yaml:"topic_name"`
}

// Document is the top-level shape of a topics file.
type Document struct {
	Topics []Descriptor `yaml:"topics"`
}

// Interval is the time between two ticks for this topic.
func (d Descriptor) Interval() (time.Duration, error) {
	if d.Rate <= 0 {
		return 0, fmt.Errorf("%w: %d messages/second for topic %q", ErrInvalidRate, d.Rate, d.TopicName)
	}
	interval := time.Second / time.Duration(d.Rate)
	if interval <= 0 {
		return 0, fmt.Errorf("%w: %d messages/second for topic %q is too fast", ErrInvalidRate, d.Rate, d.TopicName)
	}
	return interval, nil
}

// Parse decodes a topics document. Entries are returned in document order and are not
// validated; per-topic problems surface when the topic is set up.
func Parse(data []byte) ([]Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode topics document: %w", err)
	}
	return doc.Topics, nil
}

// Load reads and parses the topics document at path.
func Load(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topics file %s: %w", path, err)
	}
	return Parse(data)
}
