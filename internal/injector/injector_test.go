package injector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/deltasync/internal/config"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
)

type counter struct {
	Value int
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Log.Level = "silent"
	return cfg
}

func TestInitializeServer(t *testing.T) {
	w := world.New()
	rules := replication.NewRules(w)
	replication.Replicate[counter](rules, w)

	app, cleanup, err := InitializeServer(context.Background(), testConfig(), w, rules, protocol.NewNetworkChannels())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.Transport)
	assert.NotNil(t, app.Bus)
	assert.Nil(t, app.Stats)
	assert.Empty(t, app.Transport.Clients())

	app.Server.Update()
	assert.Equal(t, tick.Tick(1), app.Server.Tick())
}

func TestInitializeServerWithStats(t *testing.T) {
	cfg := testConfig()
	cfg.Server.StatsAddr = "127.0.0.1:0"
	w := world.New()

	app, cleanup, err := InitializeServer(context.Background(), cfg, w, replication.NewRules(w), protocol.NewNetworkChannels())
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, app.Stats)
}

func TestInitializeRejectsUnknownTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Transport = "smoke-signals"
	cfg.Client.Transport = "smoke-signals"
	w := world.New()

	_, _, err := InitializeServer(context.Background(), cfg, w, replication.NewRules(w), protocol.NewNetworkChannels())
	assert.ErrorIs(t, err, protocol.ErrTransportNotSupported)

	_, _, err = InitializeClient(context.Background(), cfg, w, replication.NewRules(w), protocol.NewNetworkChannels())
	assert.ErrorIs(t, err, protocol.ErrTransportNotSupported)
}
