package agent

import (
	"fmt"
	"sync"
)

// Registry manages per-kind runner configurations with lazy
// instantiation. Configs are stored at registration time; runners are
// created on first Get call. Thread-safe for concurrent access.
type Registry struct {
	mu      sync.RWMutex
	opts    []Option
	configs map[Kind]Config
	runners map[Kind]Runner
}

// NewRegistry creates an empty Registry. opts are applied to every
// runner the registry instantiates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:    opts,
		configs: make(map[Kind]Config),
		runners: make(map[Kind]Runner),
	}
}

// Register adds a kind's configuration to the registry. The runner is
// not instantiated until Get is called.
func (r *Registry) Register(kind Kind, cfg Config) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[kind]; exists {
		return fmt.Errorf("%w: %s", ErrKindRegistered, kind)
	}

	r.configs[kind] = cfg
	return nil
}

// Get retrieves the runner for a kind, instantiating it lazily on
// first access.
func (r *Registry) Get(kind Kind) (Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, registered := r.configs[kind]; !registered {
		return nil, fmt.Errorf("%w: %s", ErrKindNotRegistered, kind)
	}

	if runner, exists := r.runners[kind]; exists {
		return runner, nil
	}

	cfg := r.configs[kind]
	runner, err := New(kind, &cfg, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s runner: %w", kind, err)
	}

	r.runners[kind] = runner
	return runner, nil
}

// Replace updates the configuration for a registered kind. Any cached
// runner is invalidated; the next Get re-instantiates.
func (r *Registry) Replace(kind Kind, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[kind]; !exists {
		return fmt.Errorf("%w: %s", ErrKindNotRegistered, kind)
	}

	r.configs[kind] = cfg
	delete(r.runners, kind)
	return nil
}

// List returns the registered kinds in stable order.
func (r *Registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var kinds []Kind
	for _, kind := range Kinds() {
		if _, exists := r.configs[kind]; exists {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
