// bus/sequence.go

package bus

import "sync/atomic"

// Sequence numbers the envelopes of one publisher. Gaps show a subscriber which
// messages it missed.
type Sequence struct {
	next atomic.Int64
}

// NewSequence returns a Sequence whose first value is first.
func NewSequence(first int64) *Sequence {
	s := &Sequence{}
	s.next.Store(first)
	return s
}

// Next returns the current value and advances.
func (s *Sequence) Next() int64 {
	return s.next.Add(1) - 1
}
