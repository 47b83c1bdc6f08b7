// Package quic carries replication traffic over quic-go.
//
// Each connection has one bidirectional stream for reliable channels, framed
// as len:u32 | channel:u8 | payload, and uses QUIC datagrams for unreliable
// channels. Unreliable messages too large for a datagram go over the stream.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
)

// streamPreamble is written by the dialer so the stream becomes visible to
// the listener before any message is sent.
const streamPreamble byte = 0xD5

const closeCode quic.ApplicationErrorCode = 0

type Config struct {
	TLS                  *tls.Config
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	HandshakeIdleTimeout time.Duration
	MaxMessageSize       uint32
	// SendQueue bounds the stream frames waiting for the writer.
	SendQueue    int
	MailboxLimit int
}

func DefaultConfig() Config {
	return Config{
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
		HandshakeIdleTimeout: 10 * time.Second,
		MaxMessageSize:       1 << 20,
		SendQueue:            1024,
		MailboxLimit:         protocol.DefaultMailboxLimit,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		EnableDatagrams:      true,
	}
}

type direction struct {
	// incoming validates channels of received messages.
	incoming func(protocol.ChannelID) (protocol.SendType, bool)
	// outgoing gives the delivery guarantee of sent messages.
	outgoing func(protocol.ChannelID) (protocol.SendType, bool)
}

// peer pumps one QUIC connection.
type peer struct {
	conn   *quic.Conn
	stream *quic.Stream
	config Config
	dir    direction

	inbox  *protocol.Mailbox
	outbox chan []byte

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	logger    log.Log
}

func newPeer(conn *quic.Conn, stream *quic.Stream, cfg Config, dir direction, logger log.Log) *peer {
	return &peer{
		conn:   conn,
		stream: stream,
		config: cfg,
		dir:    dir,
		inbox:  protocol.NewMailbox(cfg.MailboxLimit),
		outbox: make(chan []byte, cfg.SendQueue),
		done:   make(chan struct{}),
		logger: logger.With(log.String("remote", conn.RemoteAddr().String())),
	}
}

// run pumps until the connection ends. A nil result means a normal close by
// either side.
func (p *peer) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(p.readStream)
	g.Go(func() error {
		return p.readDatagrams(ctx)
	})
	g.Go(func() error {
		return p.writeStream(ctx)
	})
	err := g.Wait()
	p.close()
	if closedNormally(err) {
		return nil
	}
	return err
}

func closedNormally(err error) bool {
	if err == nil || errors.Is(err, protocol.ErrConnectionClosed) {
		return true
	}
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.ErrorCode == closeCode
}

func (p *peer) readStream() error {
	r := bufio.NewReader(p.stream)
	var header [5]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return errors.Wrap(err, "failed to read frame header")
		}
		size := binary.LittleEndian.Uint32(header[:4])
		if p.config.MaxMessageSize > 0 && size > p.config.MaxMessageSize {
			return errors.Wrapf(protocol.ErrMessageTooLarge, "frame of %d bytes", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return errors.Wrap(err, "failed to read frame")
		}
		p.deliver(protocol.ChannelID(header[4]), payload)
	}
}

func (p *peer) readDatagrams(ctx context.Context) error {
	for {
		data, err := p.conn.ReceiveDatagram(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to receive datagram")
		}
		if len(data) == 0 {
			continue
		}
		p.deliver(protocol.ChannelID(data[0]), data[1:])
	}
}

func (p *peer) deliver(channel protocol.ChannelID, payload []byte) {
	if _, ok := p.dir.incoming(channel); !ok {
		p.logger.Warn("Dropping message for unknown channel", log.Int("channel", int(channel)))
		return
	}
	if err := p.inbox.Push(channel, payload); err != nil {
		p.logger.Warn("Dropping message", log.Int("channel", int(channel)), log.Error(err))
	}
}

func (p *peer) writeStream(ctx context.Context) error {
	w := bufio.NewWriter(p.stream)
	for {
		select {
		case frame := <-p.outbox:
			if _, err := w.Write(frame); err != nil {
				return errors.Wrap(err, "failed to write frame")
			}
			// Coalesce whatever else is queued into one flush.
			for drained := false; !drained; {
				select {
				case frame := <-p.outbox:
					if _, err := w.Write(frame); err != nil {
						return errors.Wrap(err, "failed to write frame")
					}
				default:
					drained = true
				}
			}
			if err := w.Flush(); err != nil {
				return errors.Wrap(err, "failed to flush stream")
			}
		case <-p.done:
			_ = w.Flush()
			_ = p.conn.CloseWithError(closeCode, "closed")
			return protocol.ErrConnectionClosed
		case <-ctx.Done():
			_ = p.conn.CloseWithError(closeCode, "closed")
			return ctx.Err()
		}
	}
}

func (p *peer) send(channel protocol.ChannelID, payload []byte) error {
	if p.closed.Load() {
		return protocol.ErrConnectionClosed
	}
	sendType, ok := p.dir.outgoing(channel)
	if !ok {
		return errors.Wrapf(protocol.ErrUnknownChannel, "channel %d", channel)
	}
	if p.config.MaxMessageSize > 0 && uint32(len(payload)) > p.config.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", len(payload))
	}

	if !sendType.IsReliable() {
		datagram := make([]byte, 1+len(payload))
		datagram[0] = byte(channel)
		copy(datagram[1:], payload)
		err := p.conn.SendDatagram(datagram)
		var tooLarge *quic.DatagramTooLargeError
		switch {
		case err == nil:
			return nil
		case !errors.As(err, &tooLarge):
			return errors.Wrap(err, "failed to send datagram")
		}
	}

	frame := make([]byte, 5+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	frame[4] = byte(channel)
	copy(frame[5:], payload)
	select {
	case p.outbox <- frame:
		return nil
	default:
		return errors.Wrapf(protocol.ErrChannelFull, "send queue of %d frames", cap(p.outbox))
	}
}

func (p *peer) receive(channel protocol.ChannelID) ([]byte, bool) {
	return p.inbox.Pop(channel)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}
