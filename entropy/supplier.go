// entropy/supplier.go

package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"sync"
)

// Supplier hands out the Source a generator draws from. The scheduler asks for one
// Source per tick, so a Supplier decides whether entropy is refreshed between ticks.
type Supplier interface {
	Next() (*Source, error)
}

// Config selects and sizes a Supplier from the environment.
type Config struct {
	// Mode is one of "text", "random", "seeded", "fixed" or "shared".
	Mode string `env:"ENTROPY_MODE" envDefault:"text"`
	// Size is the number of fresh bytes per tick for the streaming modes.
	Size int `env:"ENTROPY_SIZE" envDefault:"64"`
	// Seed drives the "seeded" mode.
	Seed uint64 `env:"ENTROPY_SEED" envDefault:"1"`
	// Fixed holds the raw bytes for the "fixed" and "shared" modes.
	Fixed string `env:"ENTROPY_FIXED" envDefault:"hij"`
}

// NewSupplier builds the Supplier described by cfg.
func NewSupplier(cfg Config) (Supplier, error) {
	var (
		stream *StreamSupplier
		err    error
	)
	switch cfg.Mode {
	case "text":
		stream, err = NewText(cfg.Size)
	case "random":
		stream, err = NewRandom(cfg.Size)
	case "seeded":
		stream, err = NewSeeded(cfg.Seed, cfg.Size)
	case "fixed":
		return Repeat([]byte(cfg.Fixed)), nil
	case "shared":
		return Shared(New([]byte(cfg.Fixed))), nil
	default:
		return nil, fmt.Errorf("unknown entropy mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// sharedSupplier returns the same Source on every call. Bytes consumed on one tick
// are gone for every later tick of every task.
type sharedSupplier struct {
	src *Source
}

// Shared returns a Supplier that never refreshes src.
func Shared(src *Source) Supplier {
	return &sharedSupplier{src: src}
}

func (s *sharedSupplier) Next() (*Source, error) {
	return s.src, nil
}

type repeatSupplier struct {
	seed []byte
}

// Repeat returns a Supplier that yields a fresh Source over the same seed bytes each call.
func Repeat(seed []byte) Supplier {
	return &repeatSupplier{seed: append([]byte(nil), seed...)}
}

func (r *repeatSupplier) Next() (*Source, error) {
	return New(r.seed), nil
}

// StreamSupplier reads a fixed-size block from a byte stream for every Source it hands out.
type StreamSupplier struct {
	r    io.Reader
	size int
	mu   sync.Mutex
}

// NewStream returns a Supplier reading size bytes from r per call.
func NewStream(r io.Reader, size int) (*StreamSupplier, error) {
	if size <= 0 {
		return nil, fmt.Errorf("entropy block size must be positive, got %d", size)
	}
	return &StreamSupplier{r: r, size: size}, nil
}

// NewRandom streams from the operating system's CSPRNG.
func NewRandom(size int) (*StreamSupplier, error) {
	return NewStream(rand.Reader, size)
}

// NewText streams printable ASCII drawn from the CSPRNG. Every block is valid UTF-8,
// so text messages decode, and fixed-width numeric decoders still see varied bytes.
func NewText(size int) (*StreamSupplier, error) {
	return NewStream(printable{r: rand.Reader}, size)
}

// printable maps every byte read from r into the range 0x20..0x7e.
type printable struct {
	r io.Reader
}

func (p printable) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	for i := range b[:n] {
		b[i] = ' ' + b[i]%('~'-' '+1)
	}
	return n, err
}

// NewSeeded streams from a ChaCha8 generator keyed by seed, so runs can be reproduced.
func NewSeeded(seed uint64, size int) (*StreamSupplier, error) {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	return NewStream(mrand.NewChaCha8(key), size)
}

// Next reads the next block. A short or failed read is reported as ErrExhausted.
func (s *StreamSupplier) Next() (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, s.size)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %d bytes: %w", ErrExhausted, s.size, err)
	}
	return &Source{data: buf}, nil
}

// ReplaySupplier hands out pre-recorded buffers in order.
type ReplaySupplier struct {
	buffers [][]byte
	index   int
	mu      sync.Mutex
}

// NewReplay creates a Supplier that replays buffers once each.
func NewReplay(buffers [][]byte) *ReplaySupplier {
	return &ReplaySupplier{buffers: buffers}
}

// Next returns a Source over the next buffer, or ErrExhausted when none are left.
func (r *ReplaySupplier) Next() (*Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index >= len(r.buffers) {
		return nil, fmt.Errorf("%w: %w", ErrExhausted, io.EOF)
	}
	src := New(r.buffers[r.index])
	r.index++
	return src, nil
}

// IsExhausted reports whether err signals that entropy ran out.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
