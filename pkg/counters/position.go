package counters

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Position is an atomically updated stream offset cell. Cells are owned
// by the Manager that allocated them; images and subscriptions hold
// borrowed references.
type Position struct {
	id    int32
	label string
	value atomic.Int64
}

func (p *Position) ID() int32 {
	return p.id
}

func (p *Position) Label() string {
	return p.label
}

// Get reads the position with acquire semantics.
func (p *Position) Get() int64 {
	return p.value.Load()
}

// Set publishes a new position with release semantics.
func (p *Position) Set(v int64) {
	p.value.Store(v)
}

// Manager allocates and tracks position cells by id.
type Manager struct {
	mu     sync.RWMutex
	nextID int32
	cells  map[int32]*Position
}

func NewManager() *Manager {
	return &Manager{cells: make(map[int32]*Position)}
}

// Allocate creates a new position cell starting at initialValue.
func (m *Manager) Allocate(label string, initialValue int64) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Position{id: m.nextID, label: label}
	p.value.Store(initialValue)
	m.cells[p.id] = p
	m.nextID++
	return p
}

// Get looks up a cell by id.
func (m *Manager) Get(id int32) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.cells[id]
	if !ok {
		return nil, fmt.Errorf("no position cell with id %d", id)
	}
	return p, nil
}

// Free releases a cell. Outstanding borrowed references stay usable;
// the cell just stops being discoverable through the manager.
func (m *Manager) Free(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cells, id)
}

// Count returns the number of live cells.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cells)
}
