package websocket

import (
	"context"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
)

var _ protocol.ServerTransport = (*Server)(nil)

// Server accepts websocket clients and exposes them as a
// protocol.ServerTransport. It is an http.Handler so it can be mounted on an
// existing mux; ListenAndServe runs a dedicated HTTP server.
type Server struct {
	config   Config
	channels *protocol.NetworkChannels
	upgrader websocket.Upgrader
	logger   log.Log

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextID  protocol.ClientID
	clients map[protocol.ClientID]*connection
	events  []protocol.ConnectionEvent
	closed  bool
	http    *http.Server
}

func NewServer(channels *protocol.NetworkChannels, cfg Config, logger log.Log) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   cfg,
		channels: channels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger:  logger.With(log.String("transport", "websocket")),
		ctx:     ctx,
		cancel:  cancel,
		nextID:  protocol.ServerID + 1,
		clients: make(map[protocol.ClientID]*connection),
	}
}

// ListenAndServe serves the upgrade endpoint on addr until ctx is done or
// Close is called. It returns the bound address once listening.
func (s *Server) ListenAndServe(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", log.Error(err))
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.ctx.Done():
		}
	}()

	s.logger.Info("WebSocket transport listening", log.String("address", ln.Addr().String()))
	return ln.Addr(), nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}

	conn := newConnection(ws, s.config, func(ch protocol.ChannelID) bool {
		_, ok := s.channels.ClientSendType(ch)
		return ok
	}, s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	id := s.nextID
	s.nextID++
	s.clients[id] = conn
	s.events = append(s.events, protocol.ConnectionEvent{Type: protocol.ClientConnected, Client: id})
	s.wg.Add(1)
	s.mu.Unlock()

	conn.logger = conn.logger.With(log.Uint64("client_id", uint64(id)))
	conn.logger.Info("Client connected", log.String("remote", ws.RemoteAddr().String()))

	go func() {
		defer s.wg.Done()
		err := conn.run(s.ctx)
		s.remove(id, err)
	}()
}

func (s *Server) remove(id protocol.ClientID, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.clients[id]
	if !ok {
		return
	}
	delete(s.clients, id)
	s.events = append(s.events, protocol.ConnectionEvent{Type: protocol.ClientDisconnected, Client: id, Reason: reason})
	conn.logger.Info("Client disconnected")
}

func (s *Server) client(id protocol.ClientID) (*connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

func (s *Server) Send(client protocol.ClientID, channel protocol.ChannelID, payload []byte) error {
	if _, ok := s.channels.ServerSendType(channel); !ok {
		return errors.Wrapf(protocol.ErrUnknownChannel, "server channel %d", channel)
	}
	c, ok := s.client(client)
	if !ok {
		return errors.Wrapf(protocol.ErrClientNotFound, "send to %s", client)
	}
	return c.send(channel, payload)
}

func (s *Server) Receive(client protocol.ClientID, channel protocol.ChannelID) ([]byte, bool) {
	c, ok := s.client(client)
	if !ok {
		return nil, false
	}
	return c.receive(channel)
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

// Disconnect closes the client's socket. The disconnect event follows once
// its pumps exit.
func (s *Server) Disconnect(client protocol.ClientID) error {
	c, ok := s.client(client)
	if !ok {
		return errors.Wrapf(protocol.ErrClientNotFound, "disconnect %s", client)
	}
	c.close()
	return nil
}

// Close disconnects every client and stops the HTTP server started by
// ListenAndServe.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	for _, c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = errors.Wrap(shutdownErr, "failed to shutdown HTTP server")
		}
	}
	s.wg.Wait()
	s.cancel()
	return err
}
