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

	"github.com/vmlab/lmunit/internal/config"
	"github.com/vmlab/lmunit/internal/db"
	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/hostinfo"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/observability"
	"github.com/vmlab/lmunit/internal/vsphere"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the host-info obtainer",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, os.Getenv("ENV"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.HostSlotted() {
				return fmt.Errorf("hostwatch needs host-slotted mode: set vsphere.hosts_folder_name")
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
				ServiceName: "lmunit-hostwatch",
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

			client, err := vsphere.New(ctx, vsphere.Config{
				VSphereConfig: cfg.VSphere,
				NosIDPrefix:   cfg.NosIDPrefix,
			}, nil)
			if err != nil {
				return fmt.Errorf("connect vsphere: %w", err)
			}
			defer func() {
				if err := client.Logout(context.Background()); err != nil {
					logging.Op().Warn("vsphere logout", "error", err)
				}
			}()

			o := hostinfo.New(store, client, cfg.VSphere.HostsFolderName,
				time.Duration(cfg.HostInfo.Sleep*float64(time.Second)))
			if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logging.Op().Info("hostwatch stopped")
			return nil
		},
	}
}
