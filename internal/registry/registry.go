// Package registry implements the arena-style slot tables described in
// §9 ("Cyclic/graph shapes"): connections, prepared statements, and
// stream cursors are addressed by opaque integer identifiers rather
// than pointers, and everything is reachable from one init/teardown
// facility (§6 "the engine exposes no process-global state other than
// a registry...").
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/sqlvfs/sqlvfs/internal/errs"
)

// ID is an opaque handle/statement/stream identifier.
type ID uint64

// Table is a generic slot table keyed by a monotonically increasing ID.
// It is safe for concurrent use.
type Table[T any] struct {
	mu   sync.RWMutex
	next atomic.Uint64
	rows map[ID]T
}

// NewTable constructs an empty Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{rows: make(map[ID]T)}
}

// Insert allocates a fresh ID for value and stores it.
func (t *Table[T]) Insert(value T) ID {
	id := ID(t.next.Add(1))
	t.mu.Lock()
	t.rows[id] = value
	t.mu.Unlock()
	return id
}

// Get returns the value stored at id, or HandleMisuse if absent.
func (t *Table[T]) Get(id ID) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, errs.New(errs.HandleMisuse, "unknown handle %d", id)
	}
	return v, nil
}

// Delete removes id, if present. Deleting an absent id is a no-op, so
// teardown can be called more than once (§9 "idempotent teardown").
func (t *Table[T]) Delete(id ID) {
	t.mu.Lock()
	delete(t.rows, id)
	t.mu.Unlock()
}

// Each calls fn for every entry currently in the table. fn must not
// call back into the table.
func (t *Table[T]) Each(fn func(ID, T)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, v := range t.rows {
		fn(id, v)
	}
}

// Len reports the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
