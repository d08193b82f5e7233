// Package registry provides a generic name to value registry used for
// connections, channels, exchanges, queues, publishers and consumers.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// NotFoundError is returned when a key is not registered
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Kind, e.Key)
}

// Registry maps unique keys to values, keeping insertion order
type Registry[V any] struct {
	kind string

	mu     sync.RWMutex
	keys   []string
	values map[string]V
}

// New creates an empty registry; kind names the values in errors
func New[V any](kind string) *Registry[V] {
	return &Registry[V]{
		kind:   kind,
		values: make(map[string]V),
	}
}

// Kind returns the kind of values held
func (r *Registry[V]) Kind() string {
	return r.kind
}

// Add registers value under key. Registering a key twice is a programming
// error and panics.
func (r *Registry[V]) Add(key string, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.values[key]; exists {
		panic(fmt.Sprintf("registry: %s %q already registered", r.kind, key))
	}
	r.keys = append(r.keys, key)
	r.values[key] = value
}

// Get returns the value registered under key or a *NotFoundError
func (r *Registry[V]) Get(key string) (V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[key]
	if !ok {
		var zero V
		return zero, &NotFoundError{Kind: r.kind, Key: key}
	}
	return v, nil
}

// Has reports whether key is registered
func (r *Registry[V]) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.values[key]
	return ok
}

// Keys returns the registered keys in insertion order
func (r *Registry[V]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.keys...)
}

// SortedKeys returns the registered keys in lexical order
func (r *Registry[V]) SortedKeys() []string {
	keys := r.Keys()
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered values
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Each calls fn for every entry in insertion order, stopping at the first error
func (r *Registry[V]) Each(fn func(key string, value V) error) error {
	for _, key := range r.Keys() {
		v, err := r.Get(key)
		if err != nil {
			continue
		}
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return nil
}
