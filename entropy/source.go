// entropy/source.go

package entropy

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned when a read asks for more bytes than the source holds.
var ErrExhausted = errors.New("entropy exhausted")

// Source is a finite byte buffer with a forward-only read cursor.
// It is the only producer of non-determinism for message generation.
// A Source is not safe for concurrent use.
type Source struct {
	data   []byte
	cursor int
}

// New wraps a copy of seed. The cursor starts at 0.
func New(seed []byte) *Source {
	data := make([]byte, len(seed))
	copy(data, seed)
	return &Source{data: data}
}

// Take returns the next n bytes and advances the cursor by n.
// If fewer than n bytes remain the cursor does not move and ErrExhausted is returned.
func (s *Source) Take(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read of %d bytes", ErrExhausted, n)
	}
	if n > s.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes, %d remaining", ErrExhausted, n, s.Remaining())
	}
	out := s.data[s.cursor : s.cursor+n]
	s.cursor += n
	return out, nil
}

// TakeRest consumes everything left. It never fails; the result may be empty.
func (s *Source) TakeRest() []byte {
	out := s.data[s.cursor:]
	s.cursor = len(s.data)
	return out
}

// Remaining reports how many bytes can still be taken.
func (s *Source) Remaining() int {
	return len(s.data) - s.cursor
}

// Cursor reports how many bytes have been consumed.
func (s *Source) Cursor() int {
	return s.cursor
}

// Len reports the total size of the buffer.
func (s *Source) Len() int {
	return len(s.data)
}
