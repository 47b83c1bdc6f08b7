package netevent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/world"
)

type chat struct {
	Text string
}

type attack struct {
	Target uint64
}

func (a *attack) MapEntities(m replication.EntityMapper) {
	a.Target = m.Map(world.EntityFromBits(a.Target)).Bits()
}

func shift(by uint32) replication.EntityMapper {
	return replication.MapperFunc(func(e world.Entity) world.Entity {
		return world.Entity{Index: e.Index + by, Generation: e.Generation}
	})
}

func TestEventsQueue(t *testing.T) {
	q := NewEvents[int]()
	q.Send(1)
	q.Send(2)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}

func TestClientEventRoundTrip(t *testing.T) {
	channels := protocol.NewNetworkChannels()
	network := protocol.NewMemoryNetwork(channels)
	relay := NewClientEvent[attack](channels, protocol.ReliableOrdered, WithLogger[attack](log.NewNop()))
	assert.Equal(t, protocol.ChannelID(2), relay.Channel())

	a, err := network.Connect()
	require.NoError(t, err)
	b, err := network.Connect()
	require.NoError(t, err)

	sent := NewEvents[attack]()
	sent.Send(attack{Target: world.Entity{Index: 1}.Bits()})
	require.NoError(t, relay.Send(a, sent, shift(10)))
	sent.Send(attack{Target: world.Entity{Index: 2}.Bits()})
	require.NoError(t, relay.Send(b, sent, nil))
	assert.Zero(t, sent.Len())

	received := NewEvents[FromClient[attack]]()
	relay.Receive(network, received)
	assert.Equal(t, []FromClient[attack]{
		{Client: a.ID(), Event: attack{Target: world.Entity{Index: 11}.Bits()}},
		{Client: b.ID(), Event: attack{Target: world.Entity{Index: 2}.Bits()}},
	}, received.Drain())
}

func TestClientEventSkipsUndecodable(t *testing.T) {
	channels := protocol.NewNetworkChannels()
	network := protocol.NewMemoryNetwork(channels)
	relay := NewClientEvent[chat](channels, protocol.ReliableOrdered, WithLogger[chat](log.NewNop()))

	c, err := network.Connect()
	require.NoError(t, err)
	require.NoError(t, c.Send(relay.Channel(), []byte("{broken")))
	require.NoError(t, c.Send(relay.Channel(), []byte(`{"Text":"hi"}`)))

	received := NewEvents[FromClient[chat]]()
	relay.Receive(network, received)
	assert.Equal(t, []FromClient[chat]{{Client: c.ID(), Event: chat{Text: "hi"}}}, received.Drain())
}

func TestClientEventSendReportsEncodeErrors(t *testing.T) {
	channels := protocol.NewNetworkChannels()
	network := protocol.NewMemoryNetwork(channels)
	boom := errors.New("boom")
	relay := NewClientEvent[chat](channels, protocol.Unreliable,
		WithLogger[chat](log.NewNop()),
		WithCodec[chat](replication.CodecFuncs[chat]{
			MarshalFunc: func(c *chat) ([]byte, error) {
				if c.Text == "" {
					return nil, boom
				}
				return []byte(c.Text), nil
			},
		}))

	c, err := network.Connect()
	require.NoError(t, err)
	events := NewEvents[chat]()
	events.Send(chat{})
	events.Send(chat{Text: "ok"})

	assert.ErrorIs(t, relay.Send(c, events, nil), boom)
	payload, ok := network.Receive(c.ID(), relay.Channel())
	require.True(t, ok)
	assert.Equal(t, "ok", string(payload))
}

func TestClientEventResendLocally(t *testing.T) {
	channels := protocol.NewNetworkChannels()
	relay := NewClientEvent[chat](channels, protocol.ReliableOrdered, WithLogger[chat](log.NewNop()))

	local := NewEvents[chat]()
	local.Send(chat{Text: "host"})
	out := NewEvents[FromClient[chat]]()
	relay.ResendLocally(local, out)

	assert.Equal(t, []FromClient[chat]{{Client: protocol.ServerID, Event: chat{Text: "host"}}}, out.Drain())
	assert.Zero(t, local.Len())
}

func TestServerEventRecipients(t *testing.T) {
	channels := protocol.NewNetworkChannels()
	network := protocol.NewMemoryNetwork(channels)
	relay := NewServerEvent[chat](channels, protocol.ReliableOrdered, WithLogger[chat](log.NewNop()))

	a, err := network.Connect()
	require.NoError(t, err)
	b, err := network.Connect()
	require.NoError(t, err)

	events := NewEvents[ToClients[chat]]()
	events.Send(ToClients[chat]{Mode: Broadcast, Event: chat{Text: "all"}})
	events.Send(ToClients[chat]{Mode: Direct, Client: a.ID(), Event: chat{Text: "to a"}})
	events.Send(ToClients[chat]{Mode: BroadcastExcept, Client: a.ID(), Event: chat{Text: "not a"}})

	local := NewEvents[chat]()
	relay.ResendLocally(events, local)
	assert.Equal(t, []chat{{Text: "all"}, {Text: "not a"}}, local.Drain())

	require.NoError(t, relay.Send(network, events))

	gotA := NewEvents[chat]()
	relay.Receive(a, nil, gotA)
	assert.Equal(t, []chat{{Text: "all"}, {Text: "to a"}}, gotA.Drain())

	gotB := NewEvents[chat]()
	relay.Receive(b, nil, gotB)
	assert.Equal(t, []chat{{Text: "all"}, {Text: "not a"}}, gotB.Drain())
}

func TestServerEventMapsEntitiesOnReceive(t *testing.T) {
	channels := protocol.NewNetworkChannels()
	network := protocol.NewMemoryNetwork(channels)
	relay := NewServerEvent[attack](channels, protocol.ReliableOrdered, WithLogger[attack](log.NewNop()))

	c, err := network.Connect()
	require.NoError(t, err)

	events := NewEvents[ToClients[attack]]()
	events.Send(ToClients[attack]{Mode: Direct, Client: c.ID(), Event: attack{Target: world.Entity{Index: 5}.Bits()}})
	require.NoError(t, relay.Send(network, events))

	got := NewEvents[attack]()
	relay.Receive(c, shift(1), got)
	assert.Equal(t, []attack{{Target: world.Entity{Index: 6}.Bits()}}, got.Drain())
}
