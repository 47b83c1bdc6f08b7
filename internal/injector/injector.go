//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/deltasync/internal/config"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/world"
)

// InitializeServer starts the configured transport and builds the
// replication server for w. The cleanup closes the transport.
func InitializeServer(ctx context.Context, cfg *config.Config, w *world.World, rules *replication.Rules, channels *protocol.NetworkChannels) (*ServerApp, func(), error) {
	wire.Build(ServerSet)
	return nil, nil, nil
}

// InitializeClient dials the configured server and builds the replication
// client for w.
func InitializeClient(ctx context.Context, cfg *config.Config, w *world.World, rules *replication.Rules, channels *protocol.NetworkChannels) (*ClientApp, func(), error) {
	wire.Build(ClientSet)
	return nil, nil, nil
}
