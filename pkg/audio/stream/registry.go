package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStreamerNotRegistered is returned by the Create methods when no factory
// has been registered under the requested handle.
var ErrStreamerNotRegistered = errors.New("stream: streamer not registered")

// Default registration handles. The host refers to each adapter by an opaque
// string handle; these are the names the application registers at startup.
// They are configuration, not logic — nothing in the adapters depends on them.
const (
	DefaultOutputHandle = "pcm-output"
	DefaultInputHandle  = "pcm-input"
)

// Registry maps registration handles to streamer constructors. The host audio
// subsystem instantiates each adapter independently by handle, so the two
// directions can be registered, replaced, and created without knowledge of
// each other. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	output map[string]func() *OutputStreamer
	input  map[string]func() *InputStreamer
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		output: make(map[string]func() *OutputStreamer),
		input:  make(map[string]func() *InputStreamer),
	}
}

// RegisterOutput registers an [OutputStreamer] factory under handle.
// Subsequent calls with the same handle overwrite the previous registration.
func (r *Registry) RegisterOutput(handle string, factory func() *OutputStreamer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[handle] = factory
}

// RegisterInput registers an [InputStreamer] factory under handle.
func (r *Registry) RegisterInput(handle string, factory func() *InputStreamer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[handle] = factory
}

// CreateOutput instantiates the output streamer registered under handle.
// Returns [ErrStreamerNotRegistered] if the handle is unknown.
func (r *Registry) CreateOutput(handle string) (*OutputStreamer, error) {
	r.mu.RLock()
	factory, ok := r.output[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrStreamerNotRegistered, handle)
	}
	return factory(), nil
}

// CreateInput instantiates the input streamer registered under handle.
// Returns [ErrStreamerNotRegistered] if the handle is unknown.
func (r *Registry) CreateInput(handle string) (*InputStreamer, error) {
	r.mu.RLock()
	factory, ok := r.input[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrStreamerNotRegistered, handle)
	}
	return factory(), nil
}
