package quic

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
)

const waitFor = 5 * time.Second

func setup(t *testing.T) (*Server, *Client, protocol.ClientID) {
	t.Helper()
	channels := protocol.NewNetworkChannels()
	srv := NewServer(channels, DefaultConfig(), log.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	addr, err := srv.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	client, err := Dial(ctx, addr.String(), channels, DefaultConfig(), log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var id protocol.ClientID
	require.Eventually(t, func() bool {
		for _, ev := range srv.PollEvents() {
			if ev.Type == protocol.ClientConnected {
				id = ev.Client
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return srv, client, id
}

func receive(t *testing.T, recv func() ([]byte, bool)) []byte {
	t.Helper()
	var got []byte
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = recv()
		return ok
	}, waitFor, 5*time.Millisecond)
	return got
}

func TestQUICRoundTrip(t *testing.T) {
	srv, client, id := setup(t)
	assert.Equal(t, []protocol.ClientID{id}, srv.Clients())

	require.NoError(t, srv.Send(id, protocol.ControlChannel, []byte("hello")))
	require.NoError(t, srv.Send(id, protocol.ReplicationChannel, []byte{1, 2, 3}))

	assert.Equal(t, "hello", string(receive(t, func() ([]byte, bool) {
		return client.Receive(protocol.ControlChannel)
	})))
	assert.Equal(t, []byte{1, 2, 3}, receive(t, func() ([]byte, bool) {
		return client.Receive(protocol.ReplicationChannel)
	}))

	require.NoError(t, client.Send(protocol.ControlChannel, []byte("hi")))
	assert.Equal(t, "hi", string(receive(t, func() ([]byte, bool) {
		return srv.Receive(id, protocol.ControlChannel)
	})))
}

func TestQUICLargeUnreliableFallsBackToStream(t *testing.T) {
	srv, client, id := setup(t)
	payload := bytes.Repeat([]byte{7}, 64<<10)

	require.NoError(t, srv.Send(id, protocol.ReplicationChannel, payload))
	assert.Equal(t, payload, receive(t, func() ([]byte, bool) {
		return client.Receive(protocol.ReplicationChannel)
	}))
}

func TestQUICPreservesReliableOrder(t *testing.T) {
	srv, client, id := setup(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, srv.Send(id, protocol.ControlChannel, []byte{byte(i)}))
	}
	for i := 0; i < 100; i++ {
		got := receive(t, func() ([]byte, bool) {
			return client.Receive(protocol.ControlChannel)
		})
		require.Equal(t, []byte{byte(i)}, got)
	}
}

func TestQUICRejectsUnknownChannel(t *testing.T) {
	srv, client, id := setup(t)
	assert.ErrorIs(t, srv.Send(id, 42, nil), protocol.ErrUnknownChannel)
	assert.ErrorIs(t, client.Send(42, nil), protocol.ErrUnknownChannel)
	assert.ErrorIs(t, srv.Send(id+1, protocol.ControlChannel, nil), protocol.ErrClientNotFound)
}

func TestQUICServerDisconnect(t *testing.T) {
	srv, client, id := setup(t)
	require.NoError(t, srv.Disconnect(id))

	require.Eventually(t, func() bool {
		return !client.IsConnected()
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, ev := range srv.PollEvents() {
			if ev.Type == protocol.ClientDisconnected && ev.Client == id {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, srv.Clients())
	assert.NoError(t, client.Err())
}
