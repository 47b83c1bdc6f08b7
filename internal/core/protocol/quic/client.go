package quic

import (
	"context"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
)

var _ protocol.ClientTransport = (*Client)(nil)

type Client struct {
	peer *peer
	done chan struct{}
	err  error
}

// Dial connects to a QUIC server at addr ("host:port"). A nil Config.TLS
// verifies nothing, which only suits development servers.
func Dial(ctx context.Context, addr string, channels *protocol.NetworkChannels, cfg Config, logger log.Log) (*Client, error) {
	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		tlsConfig = ClientTLS(true)
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeCode, "no stream")
		return nil, errors.Wrap(err, "failed to open stream")
	}
	if _, err := stream.Write([]byte{streamPreamble}); err != nil {
		_ = conn.CloseWithError(closeCode, "no stream")
		return nil, errors.Wrap(err, "failed to write preamble")
	}

	c := &Client{
		peer: newPeer(conn, stream, cfg, direction{
			incoming: channels.ServerSendType,
			outgoing: channels.ClientSendType,
		}, logger.With(log.String("transport", "quic"))),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.err = c.peer.run(context.Background())
		if c.err != nil {
			c.peer.logger.Warn("Connection lost", log.Error(c.err))
		}
	}()
	return c, nil
}

func (c *Client) Send(channel protocol.ChannelID, payload []byte) error {
	return c.peer.send(channel, payload)
}

func (c *Client) Receive(channel protocol.ChannelID) ([]byte, bool) {
	return c.peer.receive(channel)
}

func (c *Client) IsConnected() bool {
	return !c.peer.closed.Load()
}

func (c *Client) Close() error {
	c.peer.close()
	<-c.done
	return nil
}

// Err returns why the connection ended, nil for a normal close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
