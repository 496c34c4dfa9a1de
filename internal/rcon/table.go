package rcon

import (
	"sync"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

// Table is a thread-safe packet map keyed by correlation id. A Put under an
// existing id replaces the previous entry.
type Table struct {
	mu      sync.Mutex
	entries map[int32]protocol.Packet
	changed chan struct{}
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[int32]protocol.Packet),
		changed: make(chan struct{}),
	}
}

// Put stores p under its id and wakes anyone waiting on Changed.
func (t *Table) Put(p protocol.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[p.ID] = p
	close(t.changed)
	t.changed = make(chan struct{})
}

// Get returns the entry for id.
func (t *Table) Get(id int32) (protocol.Packet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	return p, ok
}

// Has reports whether an entry exists for id.
func (t *Table) Has(id int32) bool {
	_, ok := t.Get(id)
	return ok
}

// Delete removes the entry for id.
func (t *Table) Delete(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// PruneBelow drops every entry with an id lower than floor.
func (t *Table) PruneBelow(floor int32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id := range t.entries {
		if id < floor {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Changed returns a channel that is closed by the next Put.
func (t *Table) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}
