// bus/acks.go

package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	defaultAckTimeout     = 10 * time.Second
	defaultMaxPendingAcks = 1024
)

var (
	// ErrAckTimeout is reported for a fire-and-forget publish the broker never answered.
	ErrAckTimeout = errors.New("publish ack timed out")
	// ErrAckBacklog is returned by Publish when too many fire-and-forget publishes are unanswered.
	ErrAckBacklog = errors.New("too many unacknowledged publishes")
)

// pendingAck is a publish that was not waited on. done closes when the broker has
// answered; result then reports the outcome without blocking.
type pendingAck struct {
	topic  string
	sent   time.Time
	done   <-chan struct{}
	result func() error
}

// pendingAcks collects fire-and-forget publishes so Poll can report their failures.
// It holds at most limit entries and gives up on an entry after timeout.
type pendingAcks struct {
	mu      sync.Mutex
	items   []pendingAck
	timeout time.Duration
	limit   int
}

// bounds applies the defaults to unset limits, so the zero value is usable.
func (p *pendingAcks) bounds() (time.Duration, int) {
	timeout, limit := p.timeout, p.limit
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	if limit <= 0 {
		limit = defaultMaxPendingAcks
	}
	return timeout, limit
}

// full reports whether add would refuse another entry.
func (p *pendingAcks) full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, limit := p.bounds()
	return len(p.items) >= limit
}

func (p *pendingAcks) add(topic string, sent time.Time, done <-chan struct{}, result func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, limit := p.bounds(); len(p.items) >= limit {
		return fmt.Errorf("%w on %s: %d pending", ErrAckBacklog, topic, len(p.items))
	}
	p.items = append(p.items, pendingAck{topic: topic, sent: sent, done: done, result: result})
	return nil
}

// drain removes every completed ack and every ack older than the timeout at now,
// calling onFailure for the ones that failed or expired. It never blocks on an
// incomplete ack.
func (p *pendingAcks) drain(now time.Time, onFailure func(topic string, err error)) {
	p.mu.Lock()
	timeout, _ := p.bounds()
	var failed []pendingAck
	var errs []error
	kept := p.items[:0]
	for _, a := range p.items {
		select {
		case <-a.done:
			if err := a.result(); err != nil {
				failed = append(failed, a)
				errs = append(errs, err)
			}
		default:
			if now.Sub(a.sent) >= timeout {
				failed = append(failed, a)
				errs = append(errs, fmt.Errorf("%w after %s", ErrAckTimeout, now.Sub(a.sent)))
				continue
			}
			kept = append(kept, a)
		}
	}
	for i := len(kept); i < len(p.items); i++ {
		p.items[i] = pendingAck{}
	}
	p.items = kept
	p.mu.Unlock()

	for i, a := range failed {
		onFailure(a.topic, errs[i])
	}
}

func (p *pendingAcks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
