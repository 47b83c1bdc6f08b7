package replication

import (
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
)

// RemovalTracker remembers which replicated components were removed from its
// entity and at which tick. Every replicated entity gets one, one tick after it
// starts replicating.
type RemovalTracker struct {
	entries map[ReplicationID]tick.Tick
}

func NewRemovalTracker() RemovalTracker {
	return RemovalTracker{entries: make(map[ReplicationID]tick.Tick)}
}

// Record notes that rid was removed at t, replacing an older record.
func (r *RemovalTracker) Record(rid ReplicationID, t tick.Tick) {
	if r.entries == nil {
		r.entries = make(map[ReplicationID]tick.Tick)
	}
	r.entries[rid] = t
}

func (r *RemovalTracker) Get(rid ReplicationID) (tick.Tick, bool) {
	t, ok := r.entries[rid]
	return t, ok
}

func (r *RemovalTracker) Delete(rid ReplicationID) {
	delete(r.entries, rid)
}

func (r *RemovalTracker) Len() int {
	return len(r.entries)
}

// Entries calls fn for every record in unspecified order.
func (r *RemovalTracker) Entries(fn func(rid ReplicationID, t tick.Tick)) {
	for rid, t := range r.entries {
		fn(rid, t)
	}
}

// InsertTrackers gives every replicated entity that lacks a RemovalTracker a
// fresh one and returns how many were inserted.
func InsertTrackers(w *world.World, rules *Rules) int {
	var missing []world.Entity
	world.Each(w, func(e world.Entity, _ *Replication) {
		if !w.Has(e, rules.trackerID) {
			missing = append(missing, e)
		}
	})
	for _, e := range missing {
		if err := world.Insert(w, e, NewRemovalTracker()); err != nil {
			panic(err)
		}
	}
	return len(missing)
}

// MarkStarted stamps every replicated component of entities whose marker was
// inserted after since as changed at the current change tick, so an entity
// that starts replicating, or starts again, reaches clients as a regular
// change. Returns how many entities were stamped.
func MarkStarted(w *world.World, rules *Rules, since tick.Tick) int {
	now := w.ChangeTick()
	var started []world.Entity
	world.Each(w, func(e world.Entity, _ *Replication) {
		if ticks, ok := w.Ticks(e, rules.markerID); ok && ticks.IsAdded(since, now) {
			started = append(started, e)
		}
	})
	for _, e := range started {
		for _, info := range rules.infos {
			w.MarkChanged(e, info.ComponentID)
		}
	}
	return len(started)
}

// DetectRemovals drains the world's removal logs into the trackers of the
// affected entities, stamping them with the current change tick. Records for
// components that are present again are dropped, the change replicates the
// component instead.
func DetectRemovals(w *world.World, rules *Rules) {
	now := w.ChangeTick()
	for _, info := range rules.infos {
		for _, e := range w.DrainRemoved(info.ComponentID) {
			if w.Has(e, info.ComponentID) {
				continue
			}
			tracker, ok := world.GetMut[RemovalTracker](w, e)
			if !ok {
				// Entities that lost their tracker or the marker stop replicating.
				continue
			}
			tracker.Record(info.ID, now)
		}
	}

	world.Each(w, func(e world.Entity, tracker *RemovalTracker) {
		for rid := range tracker.entries {
			if w.Has(e, rules.infos[rid].ComponentID) {
				delete(tracker.entries, rid)
			}
		}
	})
}

// PruneRemovals forgets removals that every client has already seen: records
// that are not newer than oldest.
func PruneRemovals(w *world.World, oldest, current tick.Tick) int {
	pruned := 0
	world.Each(w, func(_ world.Entity, tracker *RemovalTracker) {
		for rid, t := range tracker.entries {
			if !t.ChangedSince(oldest, current) {
				delete(tracker.entries, rid)
				pruned++
			}
		}
	})
	return pruned
}
