package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotRegistered = errors.New("not registered")

// Factory builds the instance registered under a name.
type Factory[T any] func() (T, error)

// Registry maps names to lazily built instances. Each name is constructed at
// most once; later lookups return the memoized value.
type Registry[T any] struct {
	mu        sync.Mutex
	factories map[string]Factory[T]
	instances map[string]T
}

func New[T any]() *Registry[T] {
	return &Registry[T]{
		factories: make(map[string]Factory[T]),
		instances: make(map[string]T),
	}
}

// Register installs factory under name, replacing any previous factory and
// forgetting its memoized instance.
func (r *Registry[T]) Register(name string, factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.instances, name)
}

// RegisterInstance installs an already built value under name.
func (r *Registry[T]) RegisterInstance(name string, instance T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = func() (T, error) { return instance, nil }
	r.instances[name] = instance
}

func (r *Registry[T]) Resolve(name string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance, ok := r.instances[name]; ok {
		return instance, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%q: %w", name, ErrNotRegistered)
	}
	instance, err := factory()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("building %q: %w", name, err)
	}
	r.instances[name] = instance
	return instance, nil
}

func (r *Registry[T]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
