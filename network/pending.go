package network

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrKeyExhausted is returned when a key factory keeps producing keys that are
// already pending.
var ErrKeyExhausted = errors.New("network: could not allocate unique request key")

const maxKeyAttempts = 16

// Future is a one-shot result slot.
type Future[V any] struct {
	done  chan struct{}
	once  sync.Once
	value V
	err   error
}

func newFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

func (f *Future[V]) resolve(value V, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

type pendingEntry[V any] struct {
	future  *Future[V]
	created time.Time
	timer   *time.Timer
}

// PendingTable correlates request keys with their eventual results.
type PendingTable[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*pendingEntry[V]
}

// NewPendingTable returns an empty table.
func NewPendingTable[K comparable, V any]() *PendingTable[K, V] {
	return &PendingTable[K, V]{entries: make(map[K]*pendingEntry[V])}
}

// Create allocates a fresh key from keyFactory that is unique among pending
// keys, and schedules its removal with ErrTimeout after timeout.
func (t *PendingTable[K, V]) Create(timeout time.Duration, keyFactory func() K) (K, *Future[V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key := keyFactory()
		if _, exists := t.entries[key]; exists {
			continue
		}
		return key, t.insertLocked(key, timeout), nil
	}

	var zero K
	return zero, nil, ErrKeyExhausted
}

// Join returns the pending future for key, creating it when absent.
// created reports whether this caller owns the new entry.
func (t *PendingTable[K, V]) Join(key K, timeout time.Duration) (*Future[V], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.entries[key]; exists {
		return entry.future, false
	}
	return t.insertLocked(key, timeout), true
}

func (t *PendingTable[K, V]) insertLocked(key K, timeout time.Duration) *Future[V] {
	entry := &pendingEntry[V]{
		future:  newFuture[V](),
		created: time.Now(),
	}
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() {
			var zero V
			t.complete(key, entry, zero, ErrTimeout)
		})
	}
	t.entries[key] = entry
	return entry.future
}

// Fulfil resolves key with value. Unknown or already resolved keys are ignored.
func (t *PendingTable[K, V]) Fulfil(key K, value V) bool {
	t.mu.Lock()
	entry := t.entries[key]
	t.mu.Unlock()
	if entry == nil {
		return false
	}
	return t.complete(key, entry, value, nil)
}

// Fail resolves key with err.
func (t *PendingTable[K, V]) Fail(key K, err error) bool {
	t.mu.Lock()
	entry := t.entries[key]
	t.mu.Unlock()
	if entry == nil {
		return false
	}
	var zero V
	return t.complete(key, entry, zero, err)
}

// Len returns the number of pending keys.
func (t *PendingTable[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *PendingTable[K, V]) complete(key K, entry *pendingEntry[V], value V, err error) bool {
	t.mu.Lock()
	if current, ok := t.entries[key]; ok && current == entry {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry.future.resolve(value, err)
}
