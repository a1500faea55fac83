// msggen/registry.go

package msggen

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/illmade-knight/go-topicfuzz/entropy"
)

var (
	// ErrUnknownMessageType means no generator is registered for a type id.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrGenerationExhausted means a generator needed more entropy than was available.
	ErrGenerationExhausted = errors.New("generation exhausted entropy")
	// ErrGenerationMalformed means the consumed bytes did not decode into a valid value.
	ErrGenerationMalformed = errors.New("generated value is malformed")
)

// Generator synthesizes one message from entropy.
type Generator interface {
	Generate(src *entropy.Source) (Message, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(src *entropy.Source) (Message, error)

// Generate calls f.
func (f GeneratorFunc) Generate(src *entropy.Source) (Message, error) {
	return f(src)
}

// Registry maps message type identifiers to generators.
// Build one at startup and pass it to whatever needs it; there is no package-level table.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

// Register inserts g under typeID, replacing any earlier registration.
func (r *Registry) Register(typeID string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[typeID] = g
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(typeID string, fn func(src *entropy.Source) (Message, error)) {
	r.Register(typeID, GeneratorFunc(fn))
}

// Lookup returns the generator registered for typeID. The returned generator keeps the
// registration current at lookup time and reports failures with the package sentinels.
func (r *Registry) Lookup(typeID string) (Generator, error) {
	r.mu.RLock()
	g, ok := r.generators[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, typeID)
	}
	return &boundGenerator{typeID: typeID, gen: g}, nil
}

// Generate looks typeID up and runs its generator against src.
func (r *Registry) Generate(typeID string, src *entropy.Source) (Message, error) {
	g, err := r.Lookup(typeID)
	if err != nil {
		return nil, err
	}
	return g.Generate(src)
}

// Types lists the registered identifiers in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.generators))
	for t := range r.generators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type boundGenerator struct {
	typeID string
	gen    Generator
}

func (b *boundGenerator) Generate(src *entropy.Source) (Message, error) {
	msg, err := b.gen.Generate(src)
	switch {
	case err == nil:
		if msg == nil {
			return nil, fmt.Errorf("%w: %s generator returned no message", ErrGenerationMalformed, b.typeID)
		}
		return msg, nil
	case errors.Is(err, ErrGenerationExhausted), errors.Is(err, ErrGenerationMalformed):
		return nil, err
	case errors.Is(err, entropy.ErrExhausted):
		return nil, fmt.Errorf("%w: %s: %w", ErrGenerationExhausted, b.typeID, err)
	default:
		return nil, fmt.Errorf("%w: %s: %w", ErrGenerationMalformed, b.typeID, err)
	}
}
