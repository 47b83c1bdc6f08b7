package client

import (
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/world"
	"github.com/zeusync/deltasync/internal/server"
)

type session struct {
	world  *world.World
	client *Client
	conn   *protocol.MemoryClient
}

func connect(t *testing.T, network *protocol.MemoryNetwork) *session {
	t.Helper()
	conn, err := network.Connect()
	require.NoError(t, err)
	w := world.New()
	return &session{world: w, client: New(w, newRules(w), conn, log.NewNop()), conn: conn}
}

// assertMirrors checks that every replicated server entity exists on the
// client with the same position and nothing else is mapped.
func assertMirrors(t *testing.T, serverWorld *world.World, s *session) {
	t.Helper()
	count := 0
	world.Each(serverWorld, func(e world.Entity, p *position) {
		if !world.Has[replication.Replication](serverWorld, e) {
			return
		}
		count++
		local, ok := s.client.Entities().ToClient(e)
		if !assert.True(t, ok, "entity %s not replicated", e) {
			return
		}
		got, ok := world.Get[position](s.world, local)
		if assert.True(t, ok) {
			assert.Equal(t, *p, *got, "entity %s", e)
		}
	})
	assert.Equal(t, count, s.client.Entities().Len())
}

func TestReplicationEndToEnd(t *testing.T) {
	entities, ticks := 5000, 1000
	if testing.Short() {
		entities, ticks = 500, 100
	}

	serverWorld := world.New()
	rules := newRules(serverWorld)

	// Every seventh unreliable message is lost, in both directions.
	var sent atomic.Uint64
	network := protocol.NewMemoryNetwork(protocol.NewNetworkChannels(),
		protocol.WithDropFunc(func(protocol.ChannelID, []byte) bool {
			return sent.Add(1)%7 == 0
		}))

	srv, err := server.New(serverWorld, rules, network, server.DefaultConfig(), log.NewNop())
	require.NoError(t, err)

	spawned := make([]world.Entity, 0, entities)
	for i := 0; i < entities; i++ {
		e := serverWorld.Spawn()
		require.NoError(t, world.Insert(serverWorld, e, position{X: i}))
		require.NoError(t, world.Insert(serverWorld, e, replication.Replication{}))
		spawned = append(spawned, e)
	}

	early := connect(t, network)
	rng := rand.New(rand.NewPCG(1, 2))
	var late *session
	checks := 0

	for i := 0; i < ticks; i++ {
		for j := 0; j < entities/100; j++ {
			e := spawned[rng.IntN(len(spawned))]
			if p, ok := world.GetMut[position](serverWorld, e); ok {
				p.Y++
			}
		}
		if i%50 == 25 {
			victim := rng.IntN(len(spawned))
			serverWorld.Despawn(spawned[victim])
			e := serverWorld.Spawn()
			require.NoError(t, world.Insert(serverWorld, e, position{X: -i}))
			require.NoError(t, world.Insert(serverWorld, e, replication.Replication{}))
			spawned[victim] = e
		}
		if i == ticks/2 {
			late = connect(t, network)
		}

		srv.Update()
		sent := srv.Tick().Sub(1)
		require.NoError(t, early.client.Update())
		if late != nil {
			require.NoError(t, late.client.Update())
		}

		if i%10 != 9 {
			continue
		}
		// A quiet pass collects the acks without changing the world, so a
		// client that acked the last mutating tick must mirror it exactly.
		srv.Update()
		for _, s := range []*session{early, late} {
			if s == nil {
				continue
			}
			if acked, ok := srv.AckedTick(s.conn.ID()); ok && acked == sent {
				assertMirrors(t, serverWorld, s)
				checks++
			}
		}
	}
	assert.NotZero(t, checks)

	// Quiet ticks until a message gets through to each client.
	for i := 0; i < 4; i++ {
		srv.Update()
		require.NoError(t, early.client.Update())
		require.NoError(t, late.client.Update())
	}

	assertMirrors(t, serverWorld, early)
	assertMirrors(t, serverWorld, late)

	stats := srv.Stats()
	assert.Equal(t, int64(2), stats.Clients)
	assert.Zero(t, stats.SerializationErrors)
	assert.NotZero(t, early.client.Stats().MessagesApplied)
}

func TestReplicationMarkerRemovalDespawnsOnClient(t *testing.T) {
	serverWorld := world.New()
	rules := newRules(serverWorld)
	network := protocol.NewMemoryNetwork(protocol.NewNetworkChannels())
	srv, err := server.New(serverWorld, rules, network, server.DefaultConfig(), log.NewNop())
	require.NoError(t, err)

	e := serverWorld.Spawn()
	require.NoError(t, world.Insert(serverWorld, e, position{X: 1}))
	require.NoError(t, world.Insert(serverWorld, e, owner{Entity: e.Bits()}))
	require.NoError(t, world.Insert(serverWorld, e, replication.Replication{}))

	s := connect(t, network)
	srv.Update()
	require.NoError(t, s.client.Update())

	local, ok := s.client.Entities().ToClient(e)
	require.True(t, ok)
	o, ok := world.Get[owner](s.world, local)
	require.True(t, ok)
	assert.Equal(t, local.Bits(), o.Entity)

	require.True(t, world.Remove[owner](serverWorld, e))
	srv.Update()
	require.NoError(t, s.client.Update())
	assert.False(t, world.Has[owner](s.world, local))
	assert.True(t, world.Has[position](s.world, local))

	require.True(t, world.Remove[replication.Replication](serverWorld, e))
	srv.Update()
	require.NoError(t, s.client.Update())
	assert.False(t, s.world.IsAlive(local))
	assert.Zero(t, s.client.Entities().Len())
}

func TestReplicationIgnoredComponentStaysOnServer(t *testing.T) {
	serverWorld := world.New()
	rules := newRules(serverWorld)
	network := protocol.NewMemoryNetwork(protocol.NewNetworkChannels())
	srv, err := server.New(serverWorld, rules, network, server.DefaultConfig(), log.NewNop())
	require.NoError(t, err)

	e := serverWorld.Spawn()
	require.NoError(t, world.Insert(serverWorld, e, position{X: 1}))
	require.NoError(t, world.Insert(serverWorld, e, owner{}))
	require.NoError(t, replication.Ignore[owner](serverWorld, e))
	require.NoError(t, world.Insert(serverWorld, e, replication.Replication{}))

	s := connect(t, network)
	srv.Update()
	require.NoError(t, s.client.Update())

	local, ok := s.client.Entities().ToClient(e)
	require.True(t, ok)
	assert.True(t, world.Has[position](s.world, local))
	assert.False(t, world.Has[owner](s.world, local))
}

func TestReplicationRemarkedEntitySurvivesLaggingClient(t *testing.T) {
	serverWorld := world.New()
	rules := newRules(serverWorld)
	network := protocol.NewMemoryNetwork(protocol.NewNetworkChannels())
	srv, err := server.New(serverWorld, rules, network, server.DefaultConfig(), log.NewNop())
	require.NoError(t, err)

	e := serverWorld.Spawn()
	require.NoError(t, world.Insert(serverWorld, e, position{X: 1}))
	require.NoError(t, world.Insert(serverWorld, e, replication.Replication{}))

	s := connect(t, network)
	srv.Update()
	require.NoError(t, s.client.Update())
	_, ok := s.client.Entities().ToClient(e)
	require.True(t, ok)

	// The client misses both passes: its next message carries the despawn
	// and the whole entity again.
	require.True(t, world.Remove[replication.Replication](serverWorld, e))
	srv.Update()
	require.NoError(t, world.Insert(serverWorld, e, replication.Replication{}))
	srv.Update()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.client.Update())
		srv.Update()
	}

	local, ok := s.client.Entities().ToClient(e)
	require.True(t, ok, "entity %s lost on the client", e)
	assert.True(t, s.world.IsAlive(local))
	assertMirrors(t, serverWorld, s)
}
