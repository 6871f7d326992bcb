package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/centrodesk/lineup/internal/alert"
	discordadapter "github.com/centrodesk/lineup/internal/alert/discord"
	slackadapter "github.com/centrodesk/lineup/internal/alert/slack"
	"github.com/centrodesk/lineup/internal/config"
	"github.com/centrodesk/lineup/internal/db"
	"github.com/centrodesk/lineup/internal/failover"
	"github.com/centrodesk/lineup/internal/pipeline"
	"github.com/centrodesk/lineup/internal/presence"
	"github.com/centrodesk/lineup/internal/push"
	"github.com/centrodesk/lineup/internal/router"
	"github.com/centrodesk/lineup/internal/server"
	"github.com/centrodesk/lineup/internal/transport"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Lineup API server",
		Long:  "Starts the HTTP API, the per-operator event streams, and the daily digest scheduler. Stops cleanly on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lineup.yaml", "path to Lineup config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gdb, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wa, err := transport.NewWhatsApp(ctx, cfg.WhatsApp.StorePath)
	if err != nil {
		return fmt.Errorf("open whatsapp store: %w", err)
	}
	defer wa.Close(context.Background())

	app, err := buildApp(gdb, wa, cfg, out)
	if err != nil {
		return err
	}

	alerts, err := buildAlerts(cfg, out)
	if err != nil {
		return err
	}
	defer alerts.Close()

	scheduler, err := alert.NewScheduler(gdb, alerts, cfg.Alerts.DigestCron)
	if err != nil {
		return fmt.Errorf("digest schedule: %w", err)
	}
	go scheduler.Run(ctx)

	return server.Start(ctx, server.Opts{
		DB:             gdb,
		Registry:       app.registry,
		Router:         app.router,
		Pipeline:       app.pipeline,
		Failover:       app.failover,
		Notifier:       app.notifier,
		Alerts:         alerts,
		DefaultSegment: cfg.Routing.DefaultSegment,
		Port:           cfg.HTTP.Port,
		Out:            out,
	})
}

// app bundles the wired routing components.
type app struct {
	registry *presence.Registry
	notifier *push.Notifier
	failover *failover.Coordinator
	router   *router.Router
	pipeline *pipeline.Pipeline
}

// buildApp wires the routing core around a store and a transport.
func buildApp(gdb *gorm.DB, tr transport.Transport, cfg *config.Config, out io.Writer) (*app, error) {
	registry := presence.NewRegistry()
	notifier, err := push.NewNotifier(registry)
	if err != nil {
		return nil, err
	}
	fo, err := failover.New(failover.Opts{
		DB:              gdb,
		FallbackSegment: cfg.Routing.DefaultSegment,
		Notifier:        notifier,
		Out:             out,
	})
	if err != nil {
		return nil, err
	}
	rt, err := router.New(router.Opts{
		DB:            gdb,
		Registry:      registry,
		Notifier:      notifier,
		BusyThreshold: cfg.Routing.BusyThreshold,
		DrainBatch:    cfg.Routing.DrainBatch,
		Out:           out,
	})
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pipeline.Opts{
		DB:        gdb,
		Transport: tr,
		Failover:  fo,
		Notifier:  notifier,
		Retry:     pipeline.RetryPolicy{MaxAttempts: cfg.Send.MaxAttempts, Backoff: pipeline.DefaultRetry().Backoff},
		Out:       out,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		registry: registry,
		notifier: notifier,
		failover: fo,
		router:   rt,
		pipeline: pipe,
	}, nil
}

// buildAlerts assembles the alert fan-out from config. Platforms without a
// token are simply skipped.
func buildAlerts(cfg *config.Config, out io.Writer) (*alert.Notifier, error) {
	var adapters []alert.Adapter
	if cfg.Alerts.Slack.BotToken != "" {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			BotToken:  cfg.Alerts.Slack.BotToken,
			ChannelID: cfg.Alerts.Slack.ChannelID,
		})
		if err != nil {
			return nil, fmt.Errorf("slack alerts: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.Alerts.Discord.BotToken != "" {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Alerts.Discord.BotToken,
			ChannelID: cfg.Alerts.Discord.ChannelID,
		})
		if err != nil {
			return nil, fmt.Errorf("discord alerts: %w", err)
		}
		adapters = append(adapters, a)
	}
	return alert.NewNotifier(out, adapters...), nil
}
