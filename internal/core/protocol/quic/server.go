package quic

import (
	"context"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
)

var _ protocol.ServerTransport = (*Server)(nil)

// Server accepts QUIC connections and exposes them as a
// protocol.ServerTransport.
type Server struct {
	config   Config
	channels *protocol.NetworkChannels
	logger   log.Log

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener *quic.Listener
	nextID   protocol.ClientID
	clients  map[protocol.ClientID]*peer
	events   []protocol.ConnectionEvent
	closed   bool
}

func NewServer(channels *protocol.NetworkChannels, cfg Config, logger log.Log) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   cfg,
		channels: channels,
		logger:   logger.With(log.String("transport", "quic")),
		ctx:      ctx,
		cancel:   cancel,
		nextID:   protocol.ServerID + 1,
		clients:  make(map[protocol.ClientID]*peer),
	}
}

// Listen starts accepting on addr and returns the bound UDP address. A nil
// Config.TLS gets a self-signed certificate.
func (s *Server) Listen(ctx context.Context, addr string) (net.Addr, error) {
	tlsConfig := s.config.TLS
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = GenerateSelfSignedTLS(); err != nil {
			return nil, err
		}
		s.logger.Warn("Using a self-signed certificate")
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, s.config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return nil, protocol.ErrConnectionClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(listener)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.ctx.Done():
		}
	}()

	s.logger.Info("QUIC transport listening", log.String("address", listener.Addr().String()))
	return listener.Addr(), nil
}

func (s *Server) acceptLoop(listener *quic.Listener) {
	for {
		conn, err := listener.Accept(s.ctx)
		if err != nil {
			if !s.isClosed() {
				s.logger.Error("Accept failed", log.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn *quic.Conn) {
	timeout := s.config.HandshakeIdleTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().HandshakeIdleTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		s.logger.Warn("Client opened no stream", log.String("remote", conn.RemoteAddr().String()), log.Error(err))
		_ = conn.CloseWithError(closeCode, "no stream")
		return
	}
	var preamble [1]byte
	if _, err := io.ReadFull(stream, preamble[:]); err != nil || preamble[0] != streamPreamble {
		s.logger.Warn("Bad stream preamble", log.String("remote", conn.RemoteAddr().String()))
		_ = conn.CloseWithError(closeCode+1, "bad preamble")
		return
	}

	p := newPeer(conn, stream, s.config, direction{
		incoming: s.channels.ClientSendType,
		outgoing: s.channels.ServerSendType,
	}, s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.CloseWithError(closeCode, "server closed")
		return
	}
	id := s.nextID
	s.nextID++
	s.clients[id] = p
	s.events = append(s.events, protocol.ConnectionEvent{Type: protocol.ClientConnected, Client: id})
	s.mu.Unlock()

	p.logger = p.logger.With(log.Uint64("client_id", uint64(id)))
	p.logger.Info("Client connected")

	err = p.run(s.ctx)
	s.remove(id, err)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) remove(id protocol.ClientID, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.clients[id]
	if !ok {
		return
	}
	delete(s.clients, id)
	s.events = append(s.events, protocol.ConnectionEvent{Type: protocol.ClientDisconnected, Client: id, Reason: reason})
	p.logger.Info("Client disconnected")
}

func (s *Server) client(id protocol.ClientID) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.clients[id]
	return p, ok
}

func (s *Server) Send(client protocol.ClientID, channel protocol.ChannelID, payload []byte) error {
	p, ok := s.client(client)
	if !ok {
		return errors.Wrapf(protocol.ErrClientNotFound, "send to %s", client)
	}
	return p.send(channel, payload)
}

func (s *Server) Receive(client protocol.ClientID, channel protocol.ChannelID) ([]byte, bool) {
	p, ok := s.client(client)
	if !ok {
		return nil, false
	}
	return p.receive(channel)
}

func (s *Server) Clients() []protocol.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]protocol.ClientID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Server) PollEvents() []protocol.ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events
	s.events = nil
	return events
}

// Disconnect closes the client's connection. The disconnect event follows
// once its pumps exit.
func (s *Server) Disconnect(client protocol.ClientID) error {
	p, ok := s.client(client)
	if !ok {
		return errors.Wrapf(protocol.ErrClientNotFound, "disconnect %s", client)
	}
	p.close()
	return nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	for _, p := range s.clients {
		p.close()
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		if closeErr := listener.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close listener")
		}
	}
	s.cancel()
	s.wg.Wait()
	return err
}
