package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/deltasync/internal/config"
	"github.com/zeusync/deltasync/internal/core/events/bus"
	"github.com/zeusync/deltasync/internal/core/netevent"
	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/world"
	"github.com/zeusync/deltasync/internal/demo"
	"github.com/zeusync/deltasync/internal/injector"
	"github.com/zeusync/deltasync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	counters := flag.Int("counters", 1000, "number of replicated counters")
	flag.Parse()

	if err := run(*configPath, *counters); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(configPath string, counters int) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := world.New()
	rules := demo.NewRules(w)
	proto := demo.NewProtocol(log.NewWithConfig(cfg.Log))

	app, cleanup, err := injector.InitializeServer(ctx, cfg, w, rules, proto.Channels)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := app.Logger

	for _, eventType := range []string{server.EventClientConnected, server.EventClientDisconnected, server.EventClientRejected} {
		if _, err := app.Bus.Subscribe(eventType, func(event bus.Event) error {
			session := event.Data().(server.SessionEvent)
			logger.Info("Session event", log.String("event", event.Type()), log.Stringer("client", session.Client))
			return nil
		}); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if app.Stats != nil {
		if err := app.Stats.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return app.Stats.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		sim := demo.NewSimulation(w, counters, uint64(time.Now().UnixNano()))
		chatIn := netevent.NewEvents[netevent.FromClient[demo.Chat]]()
		chatOut := netevent.NewEvents[netevent.ToClients[demo.Chat]]()

		ticker := time.NewTicker(cfg.Server.FrameInterval)
		defer ticker.Stop()
		report := time.NewTicker(10 * time.Second)
		defer report.Stop()

		logger.Info("Server running", log.Int("counters", counters), log.String("transport", cfg.Server.Transport))
		for {
			select {
			case <-ctx.Done():
				logger.Info("Shutting down")
				return nil
			case <-report.C:
				stats := app.Server.Stats()
				logger.Info("Replication stats",
					log.Stringer("tick", app.Server.Tick()),
					log.Int64("clients", stats.Clients),
					log.Uint64("messages_sent", stats.MessagesSent),
					log.Uint64("bytes_sent", stats.BytesSent))
			case <-ticker.C:
				sim.Step()

				proto.ChatUp.Receive(app.Transport, chatIn)
				for _, msg := range chatIn.Drain() {
					logger.Info("Chat", log.Stringer("client", msg.Client), log.String("text", msg.Event.Text))
					chatOut.Send(netevent.ToClients[demo.Chat]{Mode: netevent.BroadcastExcept, Client: msg.Client, Event: msg.Event})
				}
				if err := proto.ChatDown.Send(app.Transport, chatOut); err != nil {
					logger.Warn("Failed to relay chat", log.Error(err))
				}

				app.Server.Update()
			}
		}
	})

	return g.Wait()
}
