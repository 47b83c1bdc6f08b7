package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
)

type health struct {
	HP int
}

type label struct {
	Name string
}

type fixture struct {
	w       *world.World
	rules   *replication.Rules
	lastRun tick.Tick
	hasRun  bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := world.New()
	rules := replication.NewRules(w)
	replication.Replicate[health](rules, w)
	replication.Replicate[label](rules, w, replication.WithStorage[label](world.StorageSparseSet))
	rules.TrackRemovals(w)
	return &fixture{w: w, rules: rules}
}

func (f *fixture) spawn(t *testing.T, components ...any) world.Entity {
	t.Helper()
	e := f.w.Spawn()
	for _, c := range components {
		var err error
		switch v := c.(type) {
		case health:
			err = world.Insert(f.w, e, v)
		case label:
			err = world.Insert(f.w, e, v)
		case replication.Replication:
			err = world.Insert(f.w, e, v)
		default:
			t.Fatalf("unexpected component %T", c)
		}
		require.NoError(t, err)
	}
	return e
}

// prepare runs the bookkeeping a replication pass does before collecting.
func (f *fixture) prepare() {
	replication.InsertTrackers(f.w, f.rules)
	replication.DetectRemovals(f.w, f.rules)
	since := tick.Oldest(f.w.ChangeTick())
	if f.hasRun {
		since = f.lastRun
	}
	replication.MarkStarted(f.w, f.rules, since)
	f.lastRun, f.hasRun = f.w.ChangeTick(), true
}

func (f *fixture) collect(oldest tick.Tick) []EntityCandidate {
	f.prepare()
	return CollectCandidates(f.w.View(), f.rules, f.w.ChangeTick(), oldest)
}

func byEntity(candidates []EntityCandidate) map[world.Entity]EntityCandidate {
	out := make(map[world.Entity]EntityCandidate, len(candidates))
	for _, c := range candidates {
		out[c.Entity] = c
	}
	return out
}

func changedIDs(c EntityCandidate) []replication.ReplicationID {
	var ids []replication.ReplicationID
	for _, ch := range c.Changed {
		ids = append(ids, ch.ReplicationID)
	}
	return ids
}

func TestCollectCandidatesNewEntities(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, health{HP: 3}, label{Name: "a"}, replication.Replication{})
	f.spawn(t, health{HP: 4})

	got := byEntity(f.collect(tick.Oldest(f.w.ChangeTick())))
	require.Len(t, got, 1)
	assert.ElementsMatch(t, []replication.ReplicationID{0, 1}, changedIDs(got[a]))
	assert.Empty(t, got[a].Removed)
}

func TestCollectCandidatesOnlyChangesAfterOldest(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, health{HP: 1}, replication.Replication{})
	b := f.spawn(t, health{HP: 1}, label{}, replication.Replication{})
	f.prepare()
	start := f.w.ChangeTick()
	f.w.IncrementChangeTick()

	p, ok := world.GetMut[health](f.w, a)
	require.True(t, ok)
	p.HP = 2
	require.NoError(t, world.Set(f.w, b, label{Name: "renamed"}))

	got := byEntity(f.collect(start))
	require.Len(t, got, 2)
	assert.Equal(t, []replication.ReplicationID{0}, changedIDs(got[a]))
	assert.Equal(t, []replication.ReplicationID{1}, changedIDs(got[b]))

	assert.Equal(t, 2, world.Deref[health](got[a].Changed[0].Ptr).HP)
	assert.Equal(t, "renamed", world.Deref[label](got[b].Changed[0].Ptr).Name)

	assert.Empty(t, f.collect(f.w.ChangeTick()))
}

func TestCollectCandidatesLateMarkerSendsWholeEntity(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, health{HP: 1}, label{})
	start := f.w.ChangeTick()
	now := f.w.IncrementChangeTick()
	require.NoError(t, world.Insert(f.w, e, replication.Replication{}))

	got := byEntity(f.collect(start))
	require.Contains(t, got, e)
	assert.ElementsMatch(t, []replication.ReplicationID{0, 1}, changedIDs(got[e]))
	for _, c := range got[e].Changed {
		assert.Equal(t, now, c.Ticks.Changed)
	}
}

func TestCollectCandidatesYieldsOnlyChangesNewerThanBound(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, health{HP: 1})
	bound := f.w.ChangeTick()
	thisRun := f.w.IncrementChangeTick()
	require.NoError(t, world.Insert(f.w, e, replication.Replication{}))

	// Without MarkStarted the untouched health is not a change.
	replication.InsertTrackers(f.w, f.rules)
	assert.Empty(t, CollectCandidates(f.w.View(), f.rules, thisRun, bound))

	got := f.collect(bound)
	require.Len(t, got, 1)
	for _, c := range got {
		for _, change := range c.Changed {
			assert.True(t, change.Ticks.IsChanged(bound, thisRun), "component %d changed at %s", change.ReplicationID, change.Ticks.Changed)
		}
	}
}

func TestCollectCandidatesRemovals(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, health{}, label{}, replication.Replication{})
	f.prepare()
	start := f.w.ChangeTick()
	now := f.w.IncrementChangeTick()

	require.True(t, world.Remove[label](f.w, e))

	got := byEntity(f.collect(start))
	require.Contains(t, got, e)
	assert.Empty(t, got[e].Changed)
	require.Len(t, got[e].Removed, 1)
	assert.Equal(t, ComponentRemovalCandidate{ReplicationID: 1, Tick: now}, got[e].Removed[0])

	assert.Empty(t, f.collect(now))
}

func TestCollectCandidatesSkipsIgnored(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, health{}, label{}, replication.Replication{})
	require.NoError(t, replication.Ignore[health](f.w, e))

	got := byEntity(f.collect(tick.Oldest(f.w.ChangeTick())))
	assert.Equal(t, []replication.ReplicationID{1}, changedIDs(got[e]))

	require.True(t, replication.Unignore[health](f.w, e))
	got = byEntity(f.collect(tick.Oldest(f.w.ChangeTick())))
	assert.ElementsMatch(t, []replication.ReplicationID{0, 1}, changedIDs(got[e]))
}

func TestCollectCandidatesWithoutTracker(t *testing.T) {
	f := newFixture(t)
	e := f.spawn(t, health{}, replication.Replication{})

	var got []EntityCandidate
	require.NotPanics(t, func() {
		got = CollectCandidates(f.w.View(), f.rules, f.w.ChangeTick(), tick.Oldest(f.w.ChangeTick()))
	})
	require.Len(t, got, 1)
	assert.Equal(t, e, got[0].Entity)
}

type foreign struct{}

func TestCollectCandidatesPanicsOnLayoutMismatch(t *testing.T) {
	f := newFixture(t)

	// A world whose first component is sparse cannot hold the replication
	// marker of f.rules in a table column.
	other := world.New()
	world.RegisterComponent[foreign](other, world.StorageSparseSet)
	e := other.Spawn()
	require.NoError(t, world.Insert(other, e, foreign{}))

	assert.Panics(t, func() {
		CollectCandidates(other.View(), f.rules, other.ChangeTick(), tick.Oldest(other.ChangeTick()))
	})
}
