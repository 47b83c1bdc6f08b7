// Package websocket carries replication traffic over gorilla/websocket.
//
// Every binary frame is one message: a channel id byte followed by the
// payload. TCP delivers everything, so unreliable channels are simply
// reliable here.
package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
)

type Config struct {
	// Path the server upgrades on.
	Path           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// SendQueue bounds the frames waiting for the write pump.
	SendQueue int
	// MailboxLimit bounds the received messages per channel.
	MailboxLimit int
}

func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   20 * time.Second,
		MaxMessageSize: 1 << 20,
		SendQueue:      1024,
		MailboxLimit:   protocol.DefaultMailboxLimit,
	}
}

// accepts reports whether a received frame's channel exists.
type accepts func(protocol.ChannelID) bool

// connection pumps frames between one websocket and its queues.
type connection struct {
	id     string
	ws     *websocket.Conn
	config Config
	accept accepts

	inbox  *protocol.Mailbox
	outbox chan []byte

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	logger    log.Log
}

func newConnection(ws *websocket.Conn, cfg Config, accept accepts, logger log.Log) *connection {
	id := uuid.New().String()
	return &connection{
		id:     id,
		ws:     ws,
		config: cfg,
		accept: accept,
		inbox:  protocol.NewMailbox(cfg.MailboxLimit),
		outbox: make(chan []byte, cfg.SendQueue),
		done:   make(chan struct{}),
		logger: logger.With(log.String("connection_id", id)),
	}
}

// run pumps until either side fails or close is called. A nil result means
// the connection was closed normally.
func (c *connection) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(c.readPump)
	g.Go(func() error {
		return c.writePump(ctx)
	})
	err := g.Wait()
	c.close()
	if c.closedNormally(err) {
		return nil
	}
	return err
}

func (c *connection) closedNormally(err error) bool {
	if err == nil {
		return true
	}
	cause := errors.Cause(err)
	return websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, protocol.ErrConnectionClosed)
}

func (c *connection) readPump() error {
	if c.config.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.config.MaxMessageSize)
	}
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return protocol.ErrConnectionClosed
			}
			return errors.Wrap(err, "failed to read message")
		}
		c.extendReadDeadline()
		if kind != websocket.BinaryMessage || len(data) == 0 {
			c.logger.Warn("Dropping malformed frame", log.Int("type", kind), log.Int("size", len(data)))
			continue
		}

		channel := protocol.ChannelID(data[0])
		if !c.accept(channel) {
			c.logger.Warn("Dropping frame for unknown channel", log.Int("channel", int(channel)))
			continue
		}
		if err := c.inbox.Push(channel, data[1:]); err != nil {
			c.logger.Warn("Dropping frame", log.Int("channel", int(channel)), log.Error(err))
		}
	}
}

func (c *connection) writePump(ctx context.Context) error {
	// Closing the socket unblocks the read pump.
	defer c.ws.Close()

	var pings <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case frame := <-c.outbox:
			c.extendWriteDeadline()
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return errors.Wrap(err, "failed to write message")
			}
		case <-pings:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return errors.Wrap(err, "failed to send ping")
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return protocol.ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush writes whatever is still queued before a close.
func (c *connection) flush() {
	for {
		select {
		case frame := <-c.outbox:
			c.extendWriteDeadline()
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *connection) extendWriteDeadline() {
	if c.config.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
}

// send queues a frame for the write pump without blocking.
func (c *connection) send(channel protocol.ChannelID, payload []byte) error {
	if c.closed.Load() {
		return protocol.ErrConnectionClosed
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(channel)
	copy(frame[1:], payload)

	select {
	case c.outbox <- frame:
		return nil
	default:
		return errors.Wrapf(protocol.ErrChannelFull, "send queue of %d frames", cap(c.outbox))
	}
}

func (c *connection) receive(channel protocol.ChannelID) ([]byte, bool) {
	return c.inbox.Pop(channel)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}
