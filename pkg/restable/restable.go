// Package restable implements the fixed-capacity handle table that backs
// every guest-visible host object: outbound requests/responses, key-value
// stores, compare-and-swap tokens. Guests never see host pointers, only
// u32 handles that must be validated through a Table on every call.
package restable

import (
	"errors"
	"sync"
)

// DefaultCapacity matches the table capacity used when a capability binder
// does not override it explicitly.
const DefaultCapacity = 256

// ErrTableFull is returned by Push when the table has reached capacity.
var ErrTableFull = errors.New("restable: table full")

// ErrNoSuchHandle is returned by Get/Remove for a handle that this table
// never issued or has already removed. Every table numbers its handles
// from zero, so a handle from another table is not detected as foreign.
var ErrNoSuchHandle = errors.New("restable: no such handle")

// Table is a capacity-bounded registry mapping u32 handles to owned values
// of type T. Handles are monotonically allocated within a table instance
// and are never reused, even after removal, so a stale handle from an
// earlier generation never aliases a live object.
type Table[T any] struct {
	mu       sync.Mutex
	capacity uint32
	next     uint32
	entries  map[uint32]T
}

// New creates a Table with the given capacity. A capacity of zero is
// treated as DefaultCapacity.
func New[T any](capacity uint32) *Table[T] {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Table[T]{
		capacity: capacity,
		entries:  make(map[uint32]T),
	}
}

// Push inserts a new value and returns its handle. It fails with
// ErrTableFull once the number of live entries reaches the table's
// capacity, regardless of how many handles have been allocated and
// removed over the table's lifetime.
func (t *Table[T]) Push(v T) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if uint32(len(t.entries)) >= t.capacity {
		return 0, ErrTableFull
	}

	handle := t.next
	t.next++
	t.entries[handle] = v
	return handle, nil
}

// Get returns the value for a handle without removing it.
func (t *Table[T]) Get(handle uint32) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[handle]
	if !ok {
		var zero T
		return zero, ErrNoSuchHandle
	}
	return v, nil
}

// Remove takes ownership of the value away from the table, returning it.
// This is how single-use resources (e.g. an outgoing body writer) enforce
// at-most-once extraction: the second Remove call for the same handle
// returns ErrNoSuchHandle.
func (t *Table[T]) Remove(handle uint32) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[handle]
	if !ok {
		var zero T
		return zero, ErrNoSuchHandle
	}
	delete(t.entries, handle)
	return v, nil
}

// Len reports the number of currently live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Capacity reports the table's fixed capacity.
func (t *Table[T]) Capacity() uint32 {
	return t.capacity
}
