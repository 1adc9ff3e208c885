package dc

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownAdapter is returned when no factory is registered under a name.
var ErrUnknownAdapter = errors.New("unknown download adapter")

// Factory builds an adapter.
type Factory func(ctx context.Context) (Adapter, error)

// Registry maps configuration names to adapter factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice replaces the factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build runs the factory registered under name.
func (r *Registry) Build(ctx context.Context, name string) (Adapter, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownAdapter, name, r.Names())
	}

	a, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", name, err)
	}

	return a, nil
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
