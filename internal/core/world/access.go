package world

import "fmt"

func componentID[T any](w *World) (ComponentID, error) {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		var zero T
		return 0, fmt.Errorf("%T: %w", zero, ErrComponentNotDefined)
	}
	return id, nil
}

// Insert adds value to e or overwrites the existing value. A fresh insert
// stamps both Added and Changed, an overwrite only Changed.
func Insert[T any](w *World, e Entity, value T) error {
	id, err := componentID[T](w)
	if err != nil {
		return err
	}
	v := value
	return w.insert(e, id, &v)
}

// Get returns the value of T on e without marking it changed. The pointer
// must not be written through; use GetMut for that.
func Get[T any](w *World, e Entity) (*T, bool) {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return nil, false
	}
	p, _, ok := w.get(e, id)
	if !ok || p.IsNil() {
		return nil, false
	}
	return Deref[T](p), true
}

// GetMut returns a writable pointer to T on e and stamps the component as
// changed at the current change tick.
func GetMut[T any](w *World, e Entity) (*T, bool) {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return nil, false
	}
	p, ticks, ok := w.get(e, id)
	if !ok || p.IsNil() {
		return nil, false
	}
	ticks.Changed = w.changeTick
	return Deref[T](p), true
}

// Set overwrites T on e. Unlike Insert it fails when e does not carry T.
func Set[T any](w *World, e Entity, value T) error {
	ptr, ok := GetMut[T](w, e)
	if !ok {
		var zero T
		return fmt.Errorf("set %T on %s: %w", zero, e, ErrComponentNotFound)
	}
	*ptr = value
	return nil
}

// Remove detaches T from e and reports whether it was present.
func Remove[T any](w *World, e Entity) bool {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return false
	}
	return w.RemoveByID(e, id)
}

// Has reports whether e carries T.
func Has[T any](w *World, e Entity) bool {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return false
	}
	return w.Has(e, id)
}

// Each visits every entity carrying T. fn must not add or remove components.
func Each[T any](w *World, fn func(Entity, *T)) {
	each[T](w, false, fn)
}

// EachMut is Each that stamps every visited component as changed.
func EachMut[T any](w *World, fn func(Entity, *T)) {
	each[T](w, true, fn)
}

func each[T any](w *World, mark bool, fn func(Entity, *T)) {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return
	}
	info, _ := w.components.info(id)
	if info.Storage == StorageSparseSet {
		set := w.sparseSets[id]
		for i, e := range set.entities {
			if mark {
				set.ticks[i].Changed = w.changeTick
			}
			fn(e, Deref[T](Ptr{value: set.dense[i]}))
		}
		return
	}
	for _, t := range w.tables {
		col, ok := t.columns[id]
		if !ok {
			continue
		}
		for row, e := range t.entities {
			if mark {
				col.ticks[row].Changed = w.changeTick
			}
			fn(e, Deref[T](Ptr{value: col.values[row]}))
		}
	}
}
