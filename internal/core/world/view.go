package world

import "github.com/zeusync/deltasync/internal/core/tick"

// View is the read-only surface the replication passes scan.
type View struct {
	w *World
}

func (w *World) View() View {
	return View{w: w}
}

// Archetypes returns every archetype, including empty ones.
func (v View) Archetypes() []*Archetype {
	return v.w.archetypes
}

func (v View) Table(id TableID) *Table {
	return v.w.tables[id]
}

// SparseSet returns the set backing sparse component id.
func (v View) SparseSet(id ComponentID) (*SparseSet, bool) {
	s, ok := v.w.sparseSets[id]
	return s, ok
}

func (v View) ComponentInfo(id ComponentID) (ComponentInfo, bool) {
	return v.w.components.info(id)
}

func (v View) ChangeTick() tick.Tick {
	return v.w.changeTick
}

func (v View) IsAlive(e Entity) bool {
	return v.w.IsAlive(e)
}
