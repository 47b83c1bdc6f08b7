package websocket

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
)

var _ protocol.ClientTransport = (*Client)(nil)

// Client is the client side of a websocket connection.
type Client struct {
	conn     *connection
	channels *protocol.NetworkChannels
	done     chan struct{}
	err      error
}

// Dial connects to url, for example "ws://127.0.0.1:7777/ws".
func Dial(ctx context.Context, url string, channels *protocol.NetworkChannels, cfg Config, logger log.Log) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}

	logger = logger.With(log.String("transport", "websocket"), log.String("server", url))
	c := &Client{
		conn: newConnection(ws, cfg, func(ch protocol.ChannelID) bool {
			_, ok := channels.ServerSendType(ch)
			return ok
		}, logger),
		channels: channels,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.err = c.conn.run(context.Background())
		if c.err != nil {
			c.conn.logger.Warn("Connection lost", log.Error(c.err))
		}
	}()
	return c, nil
}

func (c *Client) Send(channel protocol.ChannelID, payload []byte) error {
	if _, ok := c.channels.ClientSendType(channel); !ok {
		return errors.Wrapf(protocol.ErrUnknownChannel, "client channel %d", channel)
	}
	return c.conn.send(channel, payload)
}

func (c *Client) Receive(channel protocol.ChannelID) ([]byte, bool) {
	return c.conn.receive(channel)
}

func (c *Client) IsConnected() bool {
	return !c.conn.closed.Load()
}

// Close sends a close frame and waits for the pumps to stop.
func (c *Client) Close() error {
	c.conn.close()
	<-c.done
	return nil
}

// Err returns why the connection ended, nil for a normal close. Valid after
// IsConnected reports false.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
