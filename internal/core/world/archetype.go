package world

import (
	"slices"
	"strconv"
	"strings"
)

type ArchetypeID uint32

const (
	// ArchetypeEmpty holds entities without any component.
	ArchetypeEmpty ArchetypeID = 0
	// ArchetypeInvalid is a placeholder id that never names a real archetype.
	ArchetypeInvalid ArchetypeID = ^ArchetypeID(0)
)

// ArchetypeEntity is an entity as seen from its archetype.
type ArchetypeEntity struct {
	entity   Entity
	tableRow int
}

func (a ArchetypeEntity) Entity() Entity {
	return a.entity
}

func (a ArchetypeEntity) TableRow() int {
	return a.tableRow
}

// Archetype groups every entity with exactly the same component set.
type Archetype struct {
	id         ArchetypeID
	tableID    TableID
	components []ComponentID
	storage    map[ComponentID]StorageType
	entities   []ArchetypeEntity
}

func (a *Archetype) ID() ArchetypeID {
	return a.id
}

func (a *Archetype) TableID() TableID {
	return a.tableID
}

// Components returns the sorted component set. Callers must not modify it.
func (a *Archetype) Components() []ComponentID {
	return a.components
}

// Entities returns the archetype rows. Callers must not modify it.
func (a *Archetype) Entities() []ArchetypeEntity {
	return a.entities
}

func (a *Archetype) Len() int {
	return len(a.entities)
}

func (a *Archetype) Contains(id ComponentID) bool {
	_, ok := a.storage[id]
	return ok
}

// StorageType returns where component id is kept for this archetype.
func (a *Archetype) StorageType(id ComponentID) (StorageType, bool) {
	s, ok := a.storage[id]
	return s, ok
}

func (a *Archetype) push(e Entity, tableRow int) int {
	a.entities = append(a.entities, ArchetypeEntity{entity: e, tableRow: tableRow})
	return len(a.entities) - 1
}

func (a *Archetype) swapRemove(row int) (Entity, bool) {
	last := len(a.entities) - 1
	moved := row != last
	var movedEntity Entity
	if moved {
		a.entities[row] = a.entities[last]
		movedEntity = a.entities[row].entity
	}
	a.entities = a.entities[:last]
	return movedEntity, moved
}

func componentKey(ids []ComponentID) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return b.String()
}

func withComponent(ids []ComponentID, id ComponentID) []ComponentID {
	out := make([]ComponentID, 0, len(ids)+1)
	out = append(out, ids...)
	out = append(out, id)
	slices.Sort(out)
	return out
}

func withoutComponent(ids []ComponentID, id ComponentID) []ComponentID {
	out := make([]ComponentID, 0, len(ids))
	for _, c := range ids {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}
