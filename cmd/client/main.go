package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/deltasync/internal/client"
	"github.com/zeusync/deltasync/internal/config"
	"github.com/zeusync/deltasync/internal/core/netevent"
	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/world"
	"github.com/zeusync/deltasync/internal/demo"
	"github.com/zeusync/deltasync/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	name := flag.String("name", "client", "name used in chat messages")
	flag.Parse()

	if err := run(*configPath, *name); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func run(configPath, name string) error {
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

	app, cleanup, err := injector.InitializeClient(ctx, cfg, w, rules, proto.Channels)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := app.Logger.With(log.String("name", name))

	chatIn := netevent.NewEvents[demo.Chat]()
	chatOut := netevent.NewEvents[demo.Chat]()

	ticker := time.NewTicker(cfg.Client.FrameInterval)
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return nil
		case <-report.C:
			last, _ := app.Client.LastTick()
			logger.Info("Mirror state",
				log.Bool("ready", app.Client.Ready()),
				log.Stringer("tick", last),
				log.Int("entities", app.Client.Entities().Len()),
				log.Int("total", demo.Total(w)))
			if app.Client.Ready() {
				chatOut.Send(demo.Chat{Text: fmt.Sprintf("%s sees %d counters", name, app.Client.Entities().Len())})
			}
		case <-ticker.C:
			if err := app.Client.Update(); err != nil {
				if errors.Is(err, client.ErrNotConnected) {
					logger.Warn("Server went away")
				}
				return err
			}
			proto.ChatDown.Receive(app.Transport, app.Client.Entities().ServerMapper(), chatIn)
			for _, msg := range chatIn.Drain() {
				logger.Info("Chat", log.String("text", msg.Text))
			}
			if err := proto.ChatUp.Send(app.Transport, chatOut, app.Client.Entities().ClientMapper()); err != nil {
				logger.Warn("Failed to send chat", log.Error(err))
			}
		}
	}
}
