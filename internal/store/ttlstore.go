// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// entry wraps a value with expiration metadata
type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *entry[T]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// TTLStore is a generic in-memory store with per-entry TTL and a
// background cleanup loop. Dialogs and subscriptions are kept here so
// that abandoned entries age out without explicit teardown.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	onEvict  func(key K, value V)
}

// NewTTLStore creates a new TTL store. The cleanup goroutine runs every
// cleanupInterval to remove expired entries.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict sets the callback invoked when entries expire out of the
// store. Manual Delete does not trigger it.
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value with the given TTL.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get retrieves a value by key. Returns the value and true if found and
// not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.items[key]
	if !exists || e.expired() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a key from the store.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; exists {
		delete(s.items, key)
		return true
	}
	return false
}

// Has returns true if the key exists and is not expired.
func (s *TTLStore[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.items[key]
	return exists && !e.expired()
}

// Len returns the number of non-expired items.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.items {
		if !e.expired() {
			n++
		}
	}
	return n
}

// Values returns all non-expired values in unspecified order.
func (s *TTLStore[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(s.items))
	for _, e := range s.items {
		if !e.expired() {
			out = append(out, e.value)
		}
	}
	return out
}

// Range calls fn for every non-expired entry. Iteration stops when fn
// returns false.
func (s *TTLStore[K, V]) Range(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, e := range s.items {
		if e.expired() {
			continue
		}
		if !fn(k, e.value) {
			return
		}
	}
}

// Close stops the cleanup loop.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *TTLStore[K, V]) cleanup() {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	var gone []evicted
	for k, e := range s.items {
		if e.expired() {
			gone = append(gone, evicted{k, e.value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, ev := range gone {
			onEvict(ev.key, ev.value)
		}
	}
}
