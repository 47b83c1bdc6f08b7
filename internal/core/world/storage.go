package world

import (
	"fmt"

	"github.com/zeusync/deltasync/internal/core/tick"
)

// Ptr is a borrowed reference to a stored component value. It stays valid
// until the owning storage is mutated again.
type Ptr struct {
	value any
}

// PtrOf wraps a typed pointer.
func PtrOf[T any](v *T) Ptr {
	return Ptr{value: v}
}

// Value returns the underlying *T as an interface.
func (p Ptr) Value() any {
	return p.value
}

// IsNil reports whether p references nothing.
func (p Ptr) IsNil() bool {
	return p.value == nil
}

// Deref converts p into the typed pointer it holds. The replication rules build
// their accessors from the same T the component was registered with, so a
// mismatch here means storage corruption and panics.
func Deref[T any](p Ptr) *T {
	v, ok := p.value.(*T)
	if !ok {
		panic(fmt.Sprintf("component pointer holds %T, not *%T", p.value, *new(T)))
	}
	return v
}

// Column is the contiguous storage of one table component.
type Column struct {
	values []any
	ticks  []ComponentTicks
}

func (c *Column) Len() int {
	return len(c.values)
}

// Data returns the value stored at row.
func (c *Column) Data(row int) Ptr {
	return Ptr{value: c.values[row]}
}

// Ticks returns the change ticks stored at row.
func (c *Column) Ticks(row int) ComponentTicks {
	return c.ticks[row]
}

func (c *Column) push(value any, ticks ComponentTicks) {
	c.values = append(c.values, value)
	c.ticks = append(c.ticks, ticks)
}

func (c *Column) swapRemove(row int) {
	last := len(c.values) - 1
	c.values[row] = c.values[last]
	c.ticks[row] = c.ticks[last]
	c.values[last] = nil
	c.values = c.values[:last]
	c.ticks = c.ticks[:last]
}

type TableID uint32

// Table holds the columns of every table component for a set of entities.
// Archetypes that differ only in sparse components share a table.
type Table struct {
	id       TableID
	columns  map[ComponentID]*Column
	entities []Entity
}

func newTable(id TableID, ids []ComponentID) *Table {
	t := &Table{
		id:      id,
		columns: make(map[ComponentID]*Column, len(ids)),
	}
	for _, cid := range ids {
		t.columns[cid] = &Column{}
	}
	return t
}

func (t *Table) ID() TableID {
	return t.id
}

// Column returns the column of component id, if this table stores it.
func (t *Table) Column(id ComponentID) (*Column, bool) {
	c, ok := t.columns[id]
	return c, ok
}

func (t *Table) Len() int {
	return len(t.entities)
}

// push appends a row with empty slots in every column and returns its index.
func (t *Table) push(e Entity) int {
	for _, c := range t.columns {
		c.push(nil, ComponentTicks{})
	}
	t.entities = append(t.entities, e)
	return len(t.entities) - 1
}

// swapRemove drops row and returns the entity that was moved into its place.
func (t *Table) swapRemove(row int) (Entity, bool) {
	for _, c := range t.columns {
		c.swapRemove(row)
	}
	last := len(t.entities) - 1
	moved := row != last
	var movedEntity Entity
	if moved {
		t.entities[row] = t.entities[last]
		movedEntity = t.entities[row]
	}
	t.entities = t.entities[:last]
	return movedEntity, moved
}

// SparseSet stores one component for an arbitrary subset of entities.
type SparseSet struct {
	id       ComponentID
	dense    []any
	ticks    []ComponentTicks
	entities []Entity
	sparse   map[uint32]int
}

func newSparseSet(id ComponentID) *SparseSet {
	return &SparseSet{
		id:     id,
		sparse: make(map[uint32]int),
	}
}

func (s *SparseSet) Len() int {
	return len(s.dense)
}

func (s *SparseSet) index(e Entity) (int, bool) {
	idx, ok := s.sparse[e.Index]
	if !ok || s.entities[idx] != e {
		return 0, false
	}
	return idx, true
}

// Get returns the value stored for e.
func (s *SparseSet) Get(e Entity) (Ptr, bool) {
	idx, ok := s.index(e)
	if !ok {
		return Ptr{}, false
	}
	return Ptr{value: s.dense[idx]}, true
}

// GetTicks returns the change ticks stored for e.
func (s *SparseSet) GetTicks(e Entity) (ComponentTicks, bool) {
	idx, ok := s.index(e)
	if !ok {
		return ComponentTicks{}, false
	}
	return s.ticks[idx], true
}

func (s *SparseSet) insert(e Entity, value any, now tick.Tick) {
	if idx, ok := s.index(e); ok {
		s.dense[idx] = value
		s.ticks[idx].Changed = now
		return
	}
	s.sparse[e.Index] = len(s.dense)
	s.dense = append(s.dense, value)
	s.ticks = append(s.ticks, newComponentTicks(now))
	s.entities = append(s.entities, e)
}

func (s *SparseSet) markChanged(e Entity, now tick.Tick) {
	if idx, ok := s.index(e); ok {
		s.ticks[idx].Changed = now
	}
}

func (s *SparseSet) remove(e Entity) bool {
	idx, ok := s.index(e)
	if !ok {
		return false
	}
	last := len(s.dense) - 1
	if idx != last {
		s.dense[idx] = s.dense[last]
		s.ticks[idx] = s.ticks[last]
		s.entities[idx] = s.entities[last]
		s.sparse[s.entities[idx].Index] = idx
	}
	s.dense[last] = nil
	s.dense = s.dense[:last]
	s.ticks = s.ticks[:last]
	s.entities = s.entities[:last]
	delete(s.sparse, e.Index)
	return true
}
