// Package world is the entity storage the replication engine reads from.
//
// Entities are grouped into archetypes by component set. Table components live
// in columns shared by all entities of an archetype's table; sparse-set
// components live in one set per component type. Every stored value carries
// the ticks at which it was added and last changed, stamped with the world's
// current change tick.
//
// A World is not safe for concurrent use. The simulation loop owns it; the
// replication passes read it between mutation phases.
package world

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/zeusync/deltasync/internal/core/tick"
)

var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrComponentNotFound   = errors.New("component not found")
	ErrComponentNotDefined = errors.New("component type not registered")
)

type World struct {
	components components

	entities []entityMeta
	free     []uint32
	alive    int

	archetypes     []*Archetype
	archetypeByKey map[string]ArchetypeID
	tables         []*Table
	tableByKey     map[string]TableID
	sparseSets     map[ComponentID]*SparseSet

	changeTick tick.Tick

	trackRemovals  map[ComponentID]bool
	removed        map[ComponentID][]Entity
	trackDespawns  bool
	despawned      []Despawned
	lastCheckTicks tick.Tick
}

func New() *World {
	w := &World{
		components:     newComponents(),
		archetypeByKey: make(map[string]ArchetypeID),
		tableByKey:     make(map[string]TableID),
		sparseSets:     make(map[ComponentID]*SparseSet),
		trackRemovals:  make(map[ComponentID]bool),
		removed:        make(map[ComponentID][]Entity),
	}
	empty := newTable(0, nil)
	w.tables = append(w.tables, empty)
	w.tableByKey[""] = 0
	w.archetypes = append(w.archetypes, &Archetype{
		id:      ArchetypeEmpty,
		tableID: 0,
		storage: make(map[ComponentID]StorageType),
	})
	w.archetypeByKey[""] = ArchetypeEmpty
	return w
}

// ChangeTick is the tick stamped on every insert and mutation.
func (w *World) ChangeTick() tick.Tick {
	return w.changeTick
}

func (w *World) SetChangeTick(t tick.Tick) {
	w.changeTick = t
}

// IncrementChangeTick advances the change tick and returns the new value.
func (w *World) IncrementChangeTick() tick.Tick {
	w.changeTick = w.changeTick.Add(1)
	return w.changeTick
}

// RegisterComponent registers T with the given storage. Registering the same
// type twice with the same storage returns the existing id.
func RegisterComponent[T any](w *World, storage StorageType) ComponentID {
	id := w.components.register(reflect.TypeFor[T](), storage)
	if storage == StorageSparseSet {
		if _, ok := w.sparseSets[id]; !ok {
			w.sparseSets[id] = newSparseSet(id)
		}
	}
	return id
}

// ComponentIDOf returns the id T was registered under.
func ComponentIDOf[T any](w *World) (ComponentID, bool) {
	id, ok := w.components.byType[reflect.TypeFor[T]()]
	return id, ok
}

func (w *World) ComponentInfo(id ComponentID) (ComponentInfo, bool) {
	return w.components.info(id)
}

// TrackRemovals makes the world log removals of component id until drained.
func (w *World) TrackRemovals(id ComponentID) {
	w.trackRemovals[id] = true
}

// DrainRemoved returns and forgets the entities component id was removed from.
func (w *World) DrainRemoved(id ComponentID) []Entity {
	out := w.removed[id]
	delete(w.removed, id)
	return out
}

// TrackDespawns toggles the despawn log.
func (w *World) TrackDespawns(enabled bool) {
	w.trackDespawns = enabled
}

// DrainDespawned returns and forgets the despawn log.
func (w *World) DrainDespawned() []Despawned {
	out := w.despawned
	w.despawned = nil
	return out
}

// Spawn creates an entity without components.
func (w *World) Spawn() Entity {
	var e Entity
	if n := len(w.free); n > 0 {
		idx := w.free[n-1]
		w.free = w.free[:n-1]
		e = Entity{Index: idx, Generation: w.entities[idx].generation}
	} else {
		e = Entity{Index: uint32(len(w.entities))}
		w.entities = append(w.entities, entityMeta{})
	}
	meta := &w.entities[e.Index]
	meta.alive = true
	meta.archetype = ArchetypeEmpty
	meta.tableRow = w.tables[0].push(e)
	meta.archRow = w.archetypes[ArchetypeEmpty].push(e, meta.tableRow)
	w.alive++
	return e
}

func (w *World) IsAlive(e Entity) bool {
	_, ok := w.meta(e)
	return ok
}

// Len returns the number of live entities.
func (w *World) Len() int {
	return w.alive
}

func (w *World) meta(e Entity) (*entityMeta, bool) {
	if int(e.Index) >= len(w.entities) {
		return nil, false
	}
	m := &w.entities[e.Index]
	if !m.alive || m.generation != e.Generation {
		return nil, false
	}
	return m, true
}

// Has reports whether e carries component id.
func (w *World) Has(e Entity, id ComponentID) bool {
	m, ok := w.meta(e)
	if !ok {
		return false
	}
	return w.archetypes[m.archetype].Contains(id)
}

// Components returns the component set of e.
func (w *World) Components(e Entity) []ComponentID {
	m, ok := w.meta(e)
	if !ok {
		return nil
	}
	return w.archetypes[m.archetype].Components()
}

// Despawn removes e and all its components.
func (w *World) Despawn(e Entity) bool {
	m, ok := w.meta(e)
	if !ok {
		return false
	}
	arch := w.archetypes[m.archetype]
	if w.trackDespawns {
		w.despawned = append(w.despawned, Despawned{
			Entity:     e,
			Tick:       w.changeTick,
			Components: append([]ComponentID(nil), arch.components...),
		})
	}
	for _, cid := range arch.components {
		if arch.storage[cid] == StorageSparseSet {
			w.sparseSets[cid].remove(e)
		}
	}
	w.detach(m, arch)

	m.alive = false
	m.generation++
	m.archetype = ArchetypeInvalid
	w.free = append(w.free, e.Index)
	w.alive--
	return true
}

// detach removes the entity from its archetype and table rows.
func (w *World) detach(m *entityMeta, arch *Archetype) {
	if moved, ok := arch.swapRemove(m.archRow); ok {
		w.entities[moved.Index].archRow = m.archRow
	}
	if moved, ok := w.tables[arch.tableID].swapRemove(m.tableRow); ok {
		mm := &w.entities[moved.Index]
		mm.tableRow = m.tableRow
		w.archetypes[mm.archetype].entities[mm.archRow].tableRow = m.tableRow
	}
}

// move transfers e from one archetype to another, carrying over every table
// value both tables store. Slots for components new to the destination table
// are left empty for the caller to fill.
func (w *World) move(e Entity, m *entityMeta, from, to *Archetype) {
	if moved, ok := from.swapRemove(m.archRow); ok {
		w.entities[moved.Index].archRow = m.archRow
	}

	if from.tableID != to.tableID {
		src := w.tables[from.tableID]
		dst := w.tables[to.tableID]
		newRow := dst.push(e)
		for cid, col := range src.columns {
			if dcol, ok := dst.columns[cid]; ok {
				dcol.values[newRow] = col.values[m.tableRow]
				dcol.ticks[newRow] = col.ticks[m.tableRow]
			}
		}
		if moved, ok := src.swapRemove(m.tableRow); ok {
			mm := &w.entities[moved.Index]
			mm.tableRow = m.tableRow
			w.archetypes[mm.archetype].entities[mm.archRow].tableRow = m.tableRow
		}
		m.tableRow = newRow
	}

	m.archetype = to.id
	m.archRow = to.push(e, m.tableRow)
}

func (w *World) archetypeFor(ids []ComponentID) *Archetype {
	key := componentKey(ids)
	if id, ok := w.archetypeByKey[key]; ok {
		return w.archetypes[id]
	}

	storage := make(map[ComponentID]StorageType, len(ids))
	tableIDs := make([]ComponentID, 0, len(ids))
	for _, cid := range ids {
		info, ok := w.components.info(cid)
		if !ok {
			panic(fmt.Sprintf("component %d used before registration", cid))
		}
		storage[cid] = info.Storage
		if info.Storage == StorageTable {
			tableIDs = append(tableIDs, cid)
		}
	}

	arch := &Archetype{
		id:         ArchetypeID(len(w.archetypes)),
		tableID:    w.tableFor(tableIDs),
		components: ids,
		storage:    storage,
	}
	w.archetypes = append(w.archetypes, arch)
	w.archetypeByKey[key] = arch.id
	return arch
}

func (w *World) tableFor(ids []ComponentID) TableID {
	key := componentKey(ids)
	if id, ok := w.tableByKey[key]; ok {
		return id
	}
	id := TableID(len(w.tables))
	w.tables = append(w.tables, newTable(id, ids))
	w.tableByKey[key] = id
	return id
}

// insert stores value for component id on e, moving e to a new archetype when
// it did not carry the component yet.
func (w *World) insert(e Entity, id ComponentID, value any) error {
	m, ok := w.meta(e)
	if !ok {
		return fmt.Errorf("insert %d on %s: %w", id, e, ErrEntityNotFound)
	}
	info, ok := w.components.info(id)
	if !ok {
		return fmt.Errorf("insert %d on %s: %w", id, e, ErrComponentNotDefined)
	}

	arch := w.archetypes[m.archetype]
	if arch.Contains(id) {
		if info.Storage == StorageSparseSet {
			w.sparseSets[id].insert(e, value, w.changeTick)
			return nil
		}
		col := w.tables[arch.tableID].columns[id]
		col.values[m.tableRow] = value
		col.ticks[m.tableRow].Changed = w.changeTick
		return nil
	}

	to := w.archetypeFor(withComponent(arch.components, id))
	w.move(e, m, arch, to)
	if info.Storage == StorageSparseSet {
		w.sparseSets[id].insert(e, value, w.changeTick)
		return nil
	}
	col := w.tables[to.tableID].columns[id]
	col.values[m.tableRow] = value
	col.ticks[m.tableRow] = newComponentTicks(w.changeTick)
	return nil
}

// RemoveByID removes component id from e. It reports whether anything was
// removed.
func (w *World) RemoveByID(e Entity, id ComponentID) bool {
	m, ok := w.meta(e)
	if !ok {
		return false
	}
	arch := w.archetypes[m.archetype]
	storage, ok := arch.StorageType(id)
	if !ok {
		return false
	}
	if storage == StorageSparseSet {
		w.sparseSets[id].remove(e)
	}
	w.move(e, m, arch, w.archetypeFor(withoutComponent(arch.components, id)))
	if w.trackRemovals[id] {
		w.removed[id] = append(w.removed[id], e)
	}
	return true
}

// get returns the stored pointer and ticks of component id on e.
func (w *World) get(e Entity, id ComponentID) (Ptr, *ComponentTicks, bool) {
	m, ok := w.meta(e)
	if !ok {
		return Ptr{}, nil, false
	}
	arch := w.archetypes[m.archetype]
	storage, ok := arch.StorageType(id)
	if !ok {
		return Ptr{}, nil, false
	}
	if storage == StorageSparseSet {
		set := w.sparseSets[id]
		idx, ok := set.index(e)
		if !ok {
			return Ptr{}, nil, false
		}
		return Ptr{value: set.dense[idx]}, &set.ticks[idx], true
	}
	col := w.tables[arch.tableID].columns[id]
	return Ptr{value: col.values[m.tableRow]}, &col.ticks[m.tableRow], true
}

// Ticks returns the change ticks of component id on e.
func (w *World) Ticks(e Entity, id ComponentID) (ComponentTicks, bool) {
	_, t, ok := w.get(e, id)
	if !ok {
		return ComponentTicks{}, false
	}
	return *t, true
}

// MarkChanged stamps component id on e as changed at the current change tick
// without touching its value.
func (w *World) MarkChanged(e Entity, id ComponentID) bool {
	_, t, ok := w.get(e, id)
	if !ok {
		return false
	}
	t.Changed = w.changeTick
	return true
}

// CheckChangeTicks clamps ticks that drifted further than tick.MaxChangeAge
// behind current so they keep comparing as old instead of wrapping into the
// future. Runs at most once per half of tick.MaxChangeAge.
func (w *World) CheckChangeTicks(current tick.Tick) bool {
	if current.Since(w.lastCheckTicks) < tick.MaxChangeAge/2 {
		return false
	}
	for _, t := range w.tables {
		for _, col := range t.columns {
			for i := range col.ticks {
				col.ticks[i].clamp(current)
			}
		}
	}
	for _, set := range w.sparseSets {
		for i := range set.ticks {
			set.ticks[i].clamp(current)
		}
	}
	w.lastCheckTicks = current
	return true
}
