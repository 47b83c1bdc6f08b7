package world

import (
	"fmt"
	"reflect"

	"github.com/zeusync/deltasync/internal/core/tick"
)

type ComponentID uint32

// StorageType selects the backing layout of a component.
type StorageType uint8

const (
	// StorageTable keeps values in columns shared by every entity of an
	// archetype. Fast to iterate, slower to add and remove.
	StorageTable StorageType = iota
	// StorageSparseSet keeps values in a per-component set keyed by entity.
	// Cheap to add and remove, does not move the entity's table row.
	StorageSparseSet
)

func (s StorageType) String() string {
	switch s {
	case StorageTable:
		return "table"
	case StorageSparseSet:
		return "sparse_set"
	default:
		return "unknown"
	}
}

// ComponentTicks records when a component was inserted and last changed.
type ComponentTicks struct {
	Added   tick.Tick
	Changed tick.Tick
}

func newComponentTicks(t tick.Tick) ComponentTicks {
	return ComponentTicks{Added: t, Changed: t}
}

// IsAdded reports an insertion strictly after since.
func (c ComponentTicks) IsAdded(since, current tick.Tick) bool {
	return c.Added.ChangedSince(since, current)
}

// IsChanged reports a change strictly after since.
func (c ComponentTicks) IsChanged(since, current tick.Tick) bool {
	return c.Changed.ChangedSince(since, current)
}

func (c *ComponentTicks) clamp(current tick.Tick) {
	limit := tick.MaxChangeAge - 1
	if current.Since(c.Added) > limit {
		c.Added = current.Sub(limit)
	}
	if current.Since(c.Changed) > limit {
		c.Changed = current.Sub(limit)
	}
}

// ComponentInfo describes a registered component type.
type ComponentInfo struct {
	ID      ComponentID
	Name    string
	Type    reflect.Type
	Storage StorageType
}

type components struct {
	infos  []ComponentInfo
	byType map[reflect.Type]ComponentID
}

func newComponents() components {
	return components{byType: make(map[reflect.Type]ComponentID)}
}

func (c *components) register(typ reflect.Type, storage StorageType) ComponentID {
	if id, ok := c.byType[typ]; ok {
		if info := c.infos[id]; info.Storage != storage {
			panic(fmt.Sprintf("component %s already registered with %s storage", info.Name, info.Storage))
		}
		return id
	}
	id := ComponentID(len(c.infos))
	c.infos = append(c.infos, ComponentInfo{
		ID:      id,
		Name:    typ.String(),
		Type:    typ,
		Storage: storage,
	})
	c.byType[typ] = id
	return id
}

func (c *components) info(id ComponentID) (ComponentInfo, bool) {
	if int(id) >= len(c.infos) {
		return ComponentInfo{}, false
	}
	return c.infos[id], true
}
