package counter

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Registry holds the backends available on this host. Names are
// resolved against backends in registration order.
type Registry struct {
	backends []Backend
	logger   *zap.Logger
}

// NewRegistry creates an empty registry with the given logger.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register adds a backend if it is available on the current host.
// Unavailable backends are logged and skipped.
func (r *Registry) Register(b Backend) {
	if b.IsAvailable() {
		r.backends = append(r.backends, b)
		r.logger.Debug("Registered counter backend", zap.String("name", b.Name()))
	} else {
		r.logger.Debug("Counter backend not available, skipping", zap.String("name", b.Name()))
	}
}

// Lookup resolves name to its backend and description.
func (r *Registry) Lookup(name string) (Backend, Info, error) {
	for _, b := range r.backends {
		if info, ok := b.Resolve(name); ok {
			info.Backend = b.Name()
			return b, info, nil
		}
	}
	return nil, Info{}, fmt.Errorf("%w: %q", ErrCounterNotFound, name)
}

// Names returns every resolvable counter name, sorted.
func (r *Registry) Names() []string {
	var names []string
	for _, b := range r.backends {
		names = append(names, b.List()...)
	}
	sort.Strings(names)
	return names
}

// Backends returns a copy of the registered backends.
func (r *Registry) Backends() []Backend {
	result := make([]Backend, len(r.backends))
	copy(result, r.backends)
	return result
}
