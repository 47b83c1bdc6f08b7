// Package injector assembles the server and client applications from a
// Config with google/wire.
package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/deltasync/internal/client"
	"github.com/zeusync/deltasync/internal/config"
	"github.com/zeusync/deltasync/internal/core/events/bus"
	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/protocol/quic"
	"github.com/zeusync/deltasync/internal/core/protocol/websocket"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/world"
	"github.com/zeusync/deltasync/internal/server"
)

// ServerApp is everything cmd/server drives. Stats is nil unless
// server.stats_addr is set.
type ServerApp struct {
	Server    *server.Server
	Transport protocol.ServerTransport
	Stats     *server.HTTPServer
	Bus       bus.EventBus
	Logger    log.Log
}

type ClientApp struct {
	Client    *client.Client
	Transport protocol.ClientTransport
	Logger    log.Log
}

var CommonSet = wire.NewSet(ProvideLogger)

var ServerSet = wire.NewSet(
	CommonSet,
	bus.New,
	ProvideReplicationConfig,
	ProvideServerTransport,
	ProvideServer,
	ProvideStatsServer,
	wire.Struct(new(ServerApp), "*"),
)

var ClientSet = wire.NewSet(
	CommonSet,
	ProvideClientTransport,
	ProvideClient,
	wire.Struct(new(ClientApp), "*"),
)

func ProvideLogger(cfg *config.Config) (log.Log, func()) {
	logger := log.NewWithConfig(cfg.Log)
	return logger, func() {
		_ = logger.Sync()
	}
}

func ProvideReplicationConfig(cfg *config.Config) (server.Config, error) {
	return cfg.Server.Replication()
}

// ProvideServerTransport starts listening on server.listen_addr with the
// configured transport.
func ProvideServerTransport(ctx context.Context, cfg *config.Config, channels *protocol.NetworkChannels, logger log.Log) (protocol.ServerTransport, func(), error) {
	switch cfg.Server.Transport {
	case config.TransportWebSocket:
		wsConfig := websocket.DefaultConfig()
		wsConfig.Path = cfg.Server.WebSocketPath
		srv := websocket.NewServer(channels, wsConfig, logger)
		if _, err := srv.ListenAndServe(ctx, cfg.Server.ListenAddr); err != nil {
			return nil, nil, err
		}
		return srv, closer(srv.Close, logger), nil

	case config.TransportQUIC:
		quicConfig := quic.DefaultConfig()
		if cfg.Server.CertFile != "" {
			tlsConfig, err := quic.LoadTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			if err != nil {
				return nil, nil, err
			}
			quicConfig.TLS = tlsConfig
		}
		srv := quic.NewServer(channels, quicConfig, logger)
		if _, err := srv.Listen(ctx, cfg.Server.ListenAddr); err != nil {
			return nil, nil, err
		}
		return srv, closer(srv.Close, logger), nil

	default:
		return nil, nil, protocol.NewProtocolError(protocol.ErrorCodeTransportNotSupported, cfg.Server.Transport, protocol.ErrTransportNotSupported)
	}
}

func ProvideServer(w *world.World, rules *replication.Rules, transport protocol.ServerTransport, cfg server.Config, b bus.EventBus, logger log.Log) (*server.Server, error) {
	return server.New(w, rules, transport, cfg, logger, server.WithBus(b))
}

func ProvideStatsServer(cfg *config.Config, srv *server.Server, logger log.Log) *server.HTTPServer {
	if cfg.Server.StatsAddr == "" {
		return nil
	}
	return server.NewHTTPServer(cfg.Server.StatsAddr, srv, logger)
}

// ProvideClientTransport dials client.server_addr, giving up after
// client.dial_timeout.
func ProvideClientTransport(ctx context.Context, cfg *config.Config, channels *protocol.NetworkChannels, logger log.Log) (protocol.ClientTransport, func(), error) {
	if cfg.Client.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Client.DialTimeout)
		defer cancel()
	}

	switch cfg.Client.Transport {
	case config.TransportWebSocket:
		conn, err := websocket.Dial(ctx, cfg.Client.ServerAddr, channels, websocket.DefaultConfig(), logger)
		if err != nil {
			return nil, nil, err
		}
		return conn, closer(conn.Close, logger), nil

	case config.TransportQUIC:
		quicConfig := quic.DefaultConfig()
		quicConfig.TLS = quic.ClientTLS(cfg.Client.InsecureSkipVerify)
		conn, err := quic.Dial(ctx, cfg.Client.ServerAddr, channels, quicConfig, logger)
		if err != nil {
			return nil, nil, err
		}
		return conn, closer(conn.Close, logger), nil

	default:
		return nil, nil, protocol.NewProtocolError(protocol.ErrorCodeTransportNotSupported, cfg.Client.Transport, protocol.ErrTransportNotSupported)
	}
}

func ProvideClient(w *world.World, rules *replication.Rules, transport protocol.ClientTransport, logger log.Log) *client.Client {
	return client.New(w, rules, transport, logger)
}

func closer(closeFn func() error, logger log.Log) func() {
	return func() {
		if err := closeFn(); err != nil {
			logger.Warn("Failed to close transport", log.Error(err))
		}
	}
}
