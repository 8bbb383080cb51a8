// Package cmap provides a concurrent map with type checking at compile time.
package cmap

import (
	"iter"
	"maps"
	"sync"
)

type ConcurrentMap[T comparable, S any] struct {
	m  map[T]S
	mu sync.RWMutex
}

func New[T comparable, S any]() *ConcurrentMap[T, S] {
	return &ConcurrentMap[T, S]{m: make(map[T]S)}
}

func (c *ConcurrentMap[T, S]) Add(key T, value S) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
}

// Swap stores value under key and returns the previous value, if any.
func (c *ConcurrentMap[T, S]) Swap(key T, value S) (previous S, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, loaded = c.m[key]
	c.m[key] = value
	return previous, loaded
}

// GetOrAdd returns the value under key, storing the result of create first
// when there is none.
func (c *ConcurrentMap[T, S]) GetOrAdd(key T, create func() S) S {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok := c.m[key]; ok {
		return value
	}
	value := create()
	c.m[key] = value
	return value
}

func (c *ConcurrentMap[T, S]) Remove(key T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// RemoveIf deletes key only when match reports true for its current value.
func (c *ConcurrentMap[T, S]) RemoveIf(key T, match func(S) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.m[key]
	if !ok || !match(value) {
		return false
	}
	delete(c.m, key)
	return true
}

func (c *ConcurrentMap[T, S]) Get(key T) (S, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.m[key]
	return value, ok
}

func (c *ConcurrentMap[T, S]) Exists(key T) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.m[key]
	return ok
}

func (c *ConcurrentMap[T, S]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// All iterates over a snapshot of the map, so the callback may modify it.
func (c *ConcurrentMap[T, S]) All() iter.Seq2[T, S] {
	c.mu.RLock()
	snapshot := maps.Clone(c.m)
	c.mu.RUnlock()
	return maps.All(snapshot)
}

