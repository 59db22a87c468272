package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmlab/lmunit/internal/api"
	"github.com/vmlab/lmunit/internal/capabilities"
	"github.com/vmlab/lmunit/internal/config"
	"github.com/vmlab/lmunit/internal/db"
	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/observability"
	"github.com/vmlab/lmunit/internal/queue"
)

func daemonCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the lmunit API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, os.Getenv("ENV"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen") {
				cfg.Service.Listen = listen
			}
			if pgDSN != "" {
				cfg.DB.DSN = pgDSN
			}

			logging.Init(cfg.Logging.Format, cfg.Logging.Level)
			metrics.InitPrometheus("lmunit")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: "lmunit-unitd",
				SampleRatio: cfg.Tracing.SampleRatio,
				Insecure:    cfg.Tracing.Insecure,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			manager := db.NewManager()
			conn, err := manager.Connect(ctx, "main", cfg.DB.DSN, db.Options{
				SocketReusability: cfg.DB.SocketReusability,
				WarningTime:       time.Duration(cfg.DB.WarningTime) * time.Second,
				ExceptionTime:     time.Duration(cfg.DB.ExceptionTime) * time.Second,
				MaxConns:          int32(cfg.DB.MaxConns),
			})
			if err != nil {
				return err
			}
			defer manager.Close()

			if err := docstore.EnsureSchema(ctx, conn); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			store := docstore.New(conn)

			notifier := newNotifier(cfg)
			defer notifier.Close()

			caps := capabilities.New(store, capabilities.Config{
				SlotLimit:        cfg.SlotLimit,
				Labels:           cfg.Labels,
				HostSlotted:      cfg.HostSlotted(),
				CachingPeriod:    time.Duration(cfg.Capabilities.CachingPeriod) * time.Second,
				EnabledThreshold: cfg.Capabilities.CachingEnabledThreshold,
			})

			server := api.NewServer(store, caps, notifier, api.Config{
				Labels:             cfg.Labels,
				Personalised:       cfg.Personalised,
				Admins:             cfg.Admins,
				GetInfoRepetitions: cfg.Worker.GetInfoRepetitions,
				GetInfoDelay:       cfg.Worker.GetInfoDelay,
			})

			logging.Op().Info("unitd started", "unit", cfg.UnitName)
			if err := server.Serve(ctx, cfg.Service.Listen); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logging.Op().Info("unitd stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8050", "HTTP listen address")
	return cmd
}

func newNotifier(cfg *config.Config) queue.Notifier {
	if !cfg.Redis.Enabled {
		return queue.NewNoopNotifier()
	}
	client := queue.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if cfg.Redis.Mode == "list" {
		return queue.NewRedisListNotifier(client)
	}
	return queue.NewRedisNotifier(client)
}
