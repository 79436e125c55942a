package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/pkg/codec"
	"github.com/MrWong99/voxlink/pkg/transport"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// CodecFactory builds a codec engine for the audio section.
type CodecFactory func(AudioConfig) (codec.Engine, error)

// DialerFactory builds a client dialer for the transport section.
type DialerFactory func(TransportConfig) (transport.Dialer, error)

// Registry maps codec names and transport kinds to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	codecs  map[string]CodecFactory
	dialers map[TransportKind]DialerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		codecs:  make(map[string]CodecFactory),
		dialers: make(map[TransportKind]DialerFactory),
	}
}

// RegisterCodec registers a codec engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCodec(name string, factory CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = factory
}

// RegisterDialer registers a dialer factory for kind.
func (r *Registry) RegisterDialer(kind TransportKind, factory DialerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[kind] = factory
}

// CreateCodec instantiates the engine registered under cfg.Codec.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCodec(cfg AudioConfig) (codec.Engine, error) {
	r.mu.RLock()
	factory, ok := r.codecs[cfg.Codec]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: codec/%q", ErrNotRegistered, cfg.Codec)
	}
	return factory(cfg)
}

// CreateDialer instantiates the dialer registered for cfg.Kind.
func (r *Registry) CreateDialer(cfg TransportConfig) (transport.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.dialers[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Kind)
	}
	return factory(cfg)
}

// Codecs returns the registered codec names in sorted order.
func (r *Registry) Codecs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
