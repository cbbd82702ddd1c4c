package observability

import (
	"fmt"
	"log/slog"
	"sync"
)

// The registry maps names to observer builders rather than instances,
// so "slog" picks up the process default logger as it stands at lookup
// time, not at package init.
var registry = struct {
	sync.RWMutex
	builders map[string]func() Observer
}{
	builders: map[string]func() Observer{
		"noop": func() Observer { return NoOpObserver{} },
		"slog": func() Observer { return NewSlogObserver(slog.Default()) },
	},
}

// GetObserver returns a registered observer by name.
// Built-in names: "noop" (discard) and "slog" (the default logger).
func GetObserver(name string) (Observer, error) {
	registry.RLock()
	build, exists := registry.builders[name]
	registry.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown observer: %s", name)
	}
	return build(), nil
}

// RegisterObserver adds or replaces a named observer in the global registry.
func RegisterObserver(name string, observer Observer) {
	registry.Lock()
	defer registry.Unlock()

	registry.builders[name] = func() Observer { return observer }
}
