package server

import (
	"fmt"

	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
)

// ComponentChangeCandidate is a replicated component that changed after the
// bounding tick. Ptr borrows world storage.
type ComponentChangeCandidate struct {
	ReplicationID replication.ReplicationID
	Info          *replication.Info
	Ptr           world.Ptr
	Ticks         world.ComponentTicks
}

// ComponentRemovalCandidate is a replicated component removed after the
// bounding tick.
type ComponentRemovalCandidate struct {
	ReplicationID replication.ReplicationID
	Tick          tick.Tick
}

// EntityCandidate is everything about one entity that may have to be sent to
// at least one client.
type EntityCandidate struct {
	Entity  world.Entity
	Changed []ComponentChangeCandidate
	Removed []ComponentRemovalCandidate
}

// CollectCandidates scans every replicated archetype and returns the changes
// and removals newer than oldest, the tick of the most lagging client.
// Candidates come in storage order and borrow storage: they must be consumed
// before the world is mutated again. An entity that starts replicating is
// picked up because replication.MarkStarted stamps its components first.
//
// It panics when the storage layout contradicts the archetype, which means
// the world is corrupt.
func CollectCandidates(view world.View, rules *replication.Rules, thisRun, oldest tick.Tick) []EntityCandidate {
	markerID := rules.MarkerID()
	trackerID := rules.TrackerID()

	var out []EntityCandidate
	for _, arch := range view.Archetypes() {
		if arch.ID() == world.ArchetypeEmpty || arch.ID() == world.ArchetypeInvalid {
			continue
		}
		if !arch.Contains(markerID) || arch.Len() == 0 {
			continue
		}

		table := view.Table(arch.TableID())
		if _, ok := table.Column(markerID); !ok {
			panic(fmt.Sprintf("archetype %d holds the replication marker but table %d has no column for it", arch.ID(), table.ID()))
		}
		// Entities get their tracker one tick after they start replicating.
		trackerColumn, hasTracker := table.Column(trackerID)
		if arch.Contains(trackerID) && !hasTracker {
			panic(fmt.Sprintf("archetype %d holds a removal tracker but table %d has no column for it", arch.ID(), table.ID()))
		}

		for _, ae := range arch.Entities() {
			row := ae.TableRow()
			candidate := EntityCandidate{Entity: ae.Entity()}

			if hasTracker {
				tracker := world.Deref[replication.RemovalTracker](trackerColumn.Data(row))
				tracker.Entries(func(rid replication.ReplicationID, at tick.Tick) {
					if at.ChangedSince(oldest, thisRun) {
						candidate.Removed = append(candidate.Removed, ComponentRemovalCandidate{ReplicationID: rid, Tick: at})
					}
				})
			}

			for _, cid := range arch.Components() {
				info, ok := rules.Get(cid)
				if !ok {
					continue
				}
				if arch.Contains(info.IgnoredID) {
					continue
				}

				ptr, ticks := componentAt(view, arch, table, cid, ae)
				if ticks.IsChanged(oldest, thisRun) {
					candidate.Changed = append(candidate.Changed, ComponentChangeCandidate{
						ReplicationID: info.ID,
						Info:          info,
						Ptr:           ptr,
						Ticks:         ticks,
					})
				}
			}

			if len(candidate.Changed) > 0 || len(candidate.Removed) > 0 {
				out = append(out, candidate)
			}
		}
	}
	return out
}

func componentAt(view world.View, arch *world.Archetype, table *world.Table, cid world.ComponentID, ae world.ArchetypeEntity) (world.Ptr, world.ComponentTicks) {
	storage, _ := arch.StorageType(cid)
	switch storage {
	case world.StorageTable:
		column, ok := table.Column(cid)
		if !ok {
			panic(fmt.Sprintf("component %d is in archetype %d but missing from table %d", cid, arch.ID(), table.ID()))
		}
		return column.Data(ae.TableRow()), column.Ticks(ae.TableRow())
	case world.StorageSparseSet:
		set, ok := view.SparseSet(cid)
		if !ok {
			panic(fmt.Sprintf("sparse component %d has no set", cid))
		}
		ptr, ok := set.Get(ae.Entity())
		if !ok {
			panic(fmt.Sprintf("entity %s is in archetype %d but missing from the set of component %d", ae.Entity(), arch.ID(), cid))
		}
		ticks, _ := set.GetTicks(ae.Entity())
		return ptr, ticks
	default:
		panic(fmt.Sprintf("component %d has unknown storage %s", cid, storage))
	}
}
