package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNetworkDelivers(t *testing.T) {
	n := NewMemoryNetwork(NewNetworkChannels())
	c, err := n.Connect()
	require.NoError(t, err)

	events := n.PollEvents()
	require.Len(t, events, 1)
	assert.Equal(t, ClientConnected, events[0].Type)
	assert.Equal(t, c.ID(), events[0].Client)
	assert.NotEqual(t, ServerID, c.ID())
	assert.Equal(t, []ClientID{c.ID()}, n.Clients())

	payload := []byte("hello")
	require.NoError(t, n.Send(c.ID(), ControlChannel, payload))
	payload[0] = 'j'
	got, ok := c.Receive(ControlChannel)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, c.Send(AckChannel, []byte{1, 2, 3, 4}))
	got, ok = n.Receive(c.ID(), AckChannel)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	_, ok = n.Receive(c.ID(), AckChannel)
	assert.False(t, ok)
}

func TestMemoryNetworkDropsOnlyUnreliable(t *testing.T) {
	n := NewMemoryNetwork(NewNetworkChannels(), WithDropFunc(func(ChannelID, []byte) bool { return true }))
	c, err := n.Connect()
	require.NoError(t, err)

	require.NoError(t, n.Send(c.ID(), ReplicationChannel, []byte{1}))
	require.NoError(t, n.Send(c.ID(), ControlChannel, []byte{2}))

	_, ok := c.Receive(ReplicationChannel)
	assert.False(t, ok)
	got, ok := c.Receive(ControlChannel)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, got)
}

func TestMemoryNetworkErrors(t *testing.T) {
	n := NewMemoryNetwork(NewNetworkChannels(), WithMailboxLimit(1))
	c, err := n.Connect()
	require.NoError(t, err)

	assert.ErrorIs(t, n.Send(c.ID(), 9, nil), ErrUnknownChannel)
	assert.ErrorIs(t, n.Send(99, ControlChannel, nil), ErrClientNotFound)

	require.NoError(t, n.Send(c.ID(), ControlChannel, []byte{1}))
	assert.ErrorIs(t, n.Send(c.ID(), ControlChannel, []byte{2}), ErrChannelFull)
}

func TestMemoryNetworkDisconnect(t *testing.T) {
	n := NewMemoryNetwork(NewNetworkChannels())
	a, _ := n.Connect()
	b, _ := n.Connect()
	n.PollEvents()

	require.NoError(t, a.Close())
	assert.False(t, a.IsConnected())
	assert.ErrorIs(t, a.Send(AckChannel, nil), ErrConnectionClosed)
	assert.ErrorIs(t, n.Disconnect(a.ID()), ErrClientNotFound)

	require.NoError(t, n.Close())
	assert.False(t, b.IsConnected())
	assert.Empty(t, n.Clients())

	events := n.PollEvents()
	require.Len(t, events, 2)
	assert.Equal(t, ClientDisconnected, events[0].Type)
	assert.Equal(t, a.ID(), events[0].Client)
	assert.Equal(t, b.ID(), events[1].Client)
	assert.ErrorIs(t, events[1].Reason, ErrTransportClosed)

	_, err := n.Connect()
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestNetworkChannelsRegistration(t *testing.T) {
	c := NewNetworkChannels()
	id := c.RegisterServerChannel("events", ReliableOrdered)
	assert.Equal(t, ChannelID(2), id)
	assert.Equal(t, ChannelID(2), c.RegisterClientChannel("input", Unreliable))

	st, ok := c.ServerSendType(id)
	require.True(t, ok)
	assert.Equal(t, ReliableOrdered, st)
	_, ok = c.ServerSendType(50)
	assert.False(t, ok)

	assert.Len(t, c.ServerChannels(), 3)
	assert.Equal(t, "input", c.ClientChannels()[2].Name)
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, ErrorCodeSuccess, GetErrorCode(nil))
	assert.Equal(t, ErrorCodeTruncated, GetErrorCode(ErrTruncated))

	wrapped := WrapError(errors.Join(errors.New("x"), ErrClientNotFound), "send")
	assert.Equal(t, ErrorCodeClientNotFound, wrapped.Code)
	assert.ErrorIs(t, wrapped, ErrClientNotFound)
	assert.Equal(t, ErrorCodeClientNotFound, GetErrorCode(wrapped))
	assert.False(t, wrapped.IsFatal())
	assert.True(t, NewProtocolError(ErrorCodeRulesMismatch, "handshake", nil).IsFatal())
	assert.Equal(t, ErrorCodeUnknownError, GetErrorCode(errors.New("other")))
}
