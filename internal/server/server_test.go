package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/deltasync/internal/core/events/bus"
	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
)

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *fixture, *protocol.MemoryNetwork) {
	t.Helper()
	f := newFixture(t)
	network := protocol.NewMemoryNetwork(protocol.NewNetworkChannels())
	s, err := New(f.w, f.rules, network, cfg, log.NewNop(), opts...)
	require.NoError(t, err)
	return s, f, network
}

func receiveReplication(t *testing.T, c *protocol.MemoryClient) *protocol.ReplicationMessage {
	t.Helper()
	payload, ok := c.Receive(protocol.ReplicationChannel)
	require.True(t, ok, "no replication message")
	m, err := protocol.DecodeReplication(payload)
	require.NoError(t, err)
	return m
}

func ack(t *testing.T, c *protocol.MemoryClient, at tick.Tick) {
	t.Helper()
	require.NoError(t, c.Send(protocol.AckChannel, protocol.EncodeAck(protocol.Ack{Tick: at})))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Workers = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxClients = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.TickPolicy = TickPolicy{Mode: MaxTickRate}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := New(world.New(), nil, nil, cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseTickMode(t *testing.T) {
	for _, mode := range []TickMode{EveryFrame, MaxTickRate, Manual} {
		got, err := ParseTickMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	_, err := ParseTickMode("sometimes")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestServerHandshakeAndFirstMessage(t *testing.T) {
	events := bus.New()
	var connected []SessionEvent
	_, err := events.Subscribe(EventClientConnected, func(ev bus.Event) error {
		connected = append(connected, ev.Data().(SessionEvent))
		return nil
	})
	require.NoError(t, err)

	s, f, network := newTestServer(t, DefaultConfig(), WithBus(events))
	e := f.spawn(t, health{HP: 5}, replication.Replication{})

	c, err := network.Connect()
	require.NoError(t, err)
	s.Update()

	require.Equal(t, []SessionEvent{{Client: c.ID()}}, connected)
	assert.Equal(t, []protocol.ClientID{c.ID()}, s.Clients())

	payload, ok := c.Receive(protocol.ControlChannel)
	require.True(t, ok)
	hello, err := protocol.DecodeHello(payload)
	require.NoError(t, err)
	assert.Equal(t, f.rules.Fingerprint(), hello.Fingerprint)
	assert.Equal(t, tick.Tick(0), hello.Tick)

	m := receiveReplication(t, c)
	assert.Equal(t, tick.Tick(0), m.Tick)
	require.Len(t, m.Entities, 1)
	assert.Equal(t, e, m.Entities[0].Entity)
	assert.Equal(t, tick.Tick(1), s.Tick())

	session, ok := s.Session(c.ID())
	require.True(t, ok)
	assert.Equal(t, uint64(1), session.MessagesSent())
	assert.Equal(t, tick.Tick(0), session.LastSent())
	assert.Equal(t, int64(1), s.Stats().Clients)
}

func TestServerSendsEmptyMessagesToKeepAcksMoving(t *testing.T) {
	s, _, network := newTestServer(t, DefaultConfig())
	c, err := network.Connect()
	require.NoError(t, err)

	s.Update()
	s.Update()
	assert.True(t, receiveReplication(t, c).IsEmpty())
	assert.True(t, receiveReplication(t, c).IsEmpty())
}

func TestServerAcks(t *testing.T) {
	s, _, network := newTestServer(t, DefaultConfig())
	c, err := network.Connect()
	require.NoError(t, err)

	s.Update()
	_, ok := s.AckedTick(c.ID())
	assert.False(t, ok)

	ack(t, c, 0)
	s.Update()
	got, ok := s.AckedTick(c.ID())
	require.True(t, ok)
	assert.Equal(t, tick.Tick(0), got)

	// Stale, then from the future.
	ack(t, c, 0)
	ack(t, c, 40)
	s.Update()
	got, _ = s.AckedTick(c.ID())
	assert.Equal(t, tick.Tick(0), got)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.AcksReceived)
	assert.Equal(t, uint64(2), stats.AcksRejected)
}

func TestServerOnlySendsUnackedChanges(t *testing.T) {
	s, f, network := newTestServer(t, DefaultConfig())
	a := f.spawn(t, health{}, replication.Replication{})
	b := f.spawn(t, health{}, replication.Replication{})
	c, err := network.Connect()
	require.NoError(t, err)

	s.Update()
	assert.Len(t, receiveReplication(t, c).Entities, 2)
	ack(t, c, 0)

	require.NoError(t, world.Set(f.w, b, health{HP: 9}))
	s.Update()
	m := receiveReplication(t, c)
	require.Len(t, m.Entities, 1)
	assert.Equal(t, b, m.Entities[0].Entity)

	// Tick 1 is never acknowledged, so tick 2 repeats it.
	require.NoError(t, world.Set(f.w, a, health{HP: 1}))
	s.Update()
	m = receiveReplication(t, c)
	assert.ElementsMatch(t, []world.Entity{a, b}, []world.Entity{m.Entities[0].Entity, m.Entities[1].Entity})
}

func TestServerDespawnsArePrunedOnceAcked(t *testing.T) {
	s, f, network := newTestServer(t, DefaultConfig())
	e := f.spawn(t, health{}, replication.Replication{})
	f.spawn(t, health{})
	c, err := network.Connect()
	require.NoError(t, err)

	s.Update()
	receiveReplication(t, c)

	f.w.Despawn(e)
	s.Update()
	m := receiveReplication(t, c)
	assert.Equal(t, []world.Entity{e}, m.Despawns)
	assert.Len(t, s.despawns, 1)

	ack(t, c, m.Tick)
	s.Update()
	assert.Empty(t, s.despawns)
	assert.Empty(t, receiveReplication(t, c).Despawns)
}

func TestServerResendsRemarkedEntityWhole(t *testing.T) {
	s, f, network := newTestServer(t, DefaultConfig())
	e := f.spawn(t, health{HP: 3}, label{Name: "x"}, replication.Replication{})
	c, err := network.Connect()
	require.NoError(t, err)

	s.Update()
	require.Len(t, receiveReplication(t, c).Entities, 1)
	ack(t, c, 0)

	require.True(t, world.Remove[replication.Replication](f.w, e))
	s.Update()
	m := receiveReplication(t, c)
	assert.Equal(t, []world.Entity{e}, m.Despawns)
	ack(t, c, m.Tick)

	require.NoError(t, world.Insert(f.w, e, replication.Replication{}))
	s.Update()
	m = receiveReplication(t, c)
	assert.Empty(t, m.Despawns)
	require.Len(t, m.Entities, 1)
	assert.Equal(t, e, m.Entities[0].Entity)
	assert.Len(t, m.Entities[0].Changes, 2)
}

func TestServerMaxClients(t *testing.T) {
	events := bus.New()
	var rejected []SessionEvent
	_, err := events.Subscribe(EventClientRejected, func(ev bus.Event) error {
		rejected = append(rejected, ev.Data().(SessionEvent))
		return nil
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxClients = 1
	s, _, network := newTestServer(t, cfg, WithBus(events))

	first, err := network.Connect()
	require.NoError(t, err)
	second, err := network.Connect()
	require.NoError(t, err)
	s.Update()

	assert.Equal(t, []protocol.ClientID{first.ID()}, s.Clients())
	assert.False(t, second.IsConnected())
	require.Len(t, rejected, 1)
	assert.Equal(t, second.ID(), rejected[0].Client)
	assert.ErrorIs(t, rejected[0].Reason, ErrMaxClientsReached)
}

func TestServerDisconnect(t *testing.T) {
	events := bus.New()
	var gone []protocol.ClientID
	_, err := events.Subscribe(EventClientDisconnected, func(ev bus.Event) error {
		gone = append(gone, ev.Data().(SessionEvent).Client)
		return nil
	})
	require.NoError(t, err)

	s, _, network := newTestServer(t, DefaultConfig(), WithBus(events))
	c, err := network.Connect()
	require.NoError(t, err)
	s.Update()

	assert.ErrorIs(t, s.Disconnect(99), ErrClientNotFound)
	require.NoError(t, s.Disconnect(c.ID()))
	s.Update()

	assert.Empty(t, s.Clients())
	assert.Equal(t, []protocol.ClientID{c.ID()}, gone)
	_, ok := s.AckedTick(c.ID())
	assert.False(t, ok)
}

func TestServerMaxTickRate(t *testing.T) {
	now := time.Unix(100, 0)
	cfg := DefaultConfig()
	cfg.TickPolicy = TickPolicy{Mode: MaxTickRate, Interval: 100 * time.Millisecond}
	s, _, _ := newTestServer(t, cfg, WithClock(func() time.Time { return now }))

	s.Update()
	assert.Equal(t, tick.Tick(1), s.Tick())

	now = now.Add(50 * time.Millisecond)
	s.Update()
	assert.Equal(t, tick.Tick(1), s.Tick())

	now = now.Add(50 * time.Millisecond)
	s.Update()
	assert.Equal(t, tick.Tick(2), s.Tick())
}

func TestServerManualTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickPolicy = TickPolicy{Mode: Manual}
	s, f, _ := newTestServer(t, cfg)

	s.Update()
	assert.Equal(t, tick.Tick(0), s.Tick())

	s.RequestTick()
	s.Update()
	assert.Equal(t, tick.Tick(1), s.Tick())
	assert.Equal(t, tick.Tick(1), f.w.ChangeTick())

	s.Update()
	assert.Equal(t, tick.Tick(1), s.Tick())
}
