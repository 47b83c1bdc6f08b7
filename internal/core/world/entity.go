package world

import (
	"fmt"

	"github.com/zeusync/deltasync/internal/core/tick"
)

// Entity is a generational handle. Index slots are recycled after despawn; the
// generation tells a stale handle apart from the entity now occupying the slot.
type Entity struct {
	Index      uint32
	Generation uint32
}

// Bits packs the entity into a single integer, generation in the high half.
func (e Entity) Bits() uint64 {
	return uint64(e.Generation)<<32 | uint64(e.Index)
}

// EntityFromBits is the inverse of Entity.Bits.
func EntityFromBits(bits uint64) Entity {
	return Entity{Index: uint32(bits), Generation: uint32(bits >> 32)}
}

func (e Entity) String() string {
	return fmt.Sprintf("%dv%d", e.Index, e.Generation)
}

type entityMeta struct {
	generation uint32
	alive      bool
	archetype  ArchetypeID
	archRow    int
	tableRow   int
}

// Despawned records an entity removed from the world together with the
// components it carried at that moment.
type Despawned struct {
	Entity     Entity
	Tick       tick.Tick
	Components []ComponentID
}

// Has reports whether the despawned entity carried component id.
func (d Despawned) Has(id ComponentID) bool {
	for _, c := range d.Components {
		if c == id {
			return true
		}
	}
	return false
}
