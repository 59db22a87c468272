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

	"github.com/vmlab/lmunit/internal/blobstore"
	"github.com/vmlab/lmunit/internal/config"
	"github.com/vmlab/lmunit/internal/db"
	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/model"
	"github.com/vmlab/lmunit/internal/observability"
	"github.com/vmlab/lmunit/internal/queue"
	"github.com/vmlab/lmunit/internal/vsphere"
	"github.com/vmlab/lmunit/internal/worker"
)

func daemonCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run one action worker process",
		RunE: func(_ *cobra.Command, _ []string) error {
			var actionMode model.ActionType
			switch mode {
			case "deploy":
				actionMode = model.ActionDeploy
			case "other":
				actionMode = model.ActionOther
			default:
				return fmt.Errorf("unknown mode %q, want deploy or other", mode)
			}

			cfg, err := config.Load(configFile, os.Getenv("ENV"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
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
				ServiceName: "lmunit-vmworker",
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

			shots, err := newScreenshotStore(ctx, cfg)
			if err != nil {
				return err
			}

			hv, err := vsphere.New(ctx, vsphere.Config{
				VSphereConfig: cfg.VSphere,
				NosIDPrefix:   cfg.NosIDPrefix,
			}, shots)
			if err != nil {
				return fmt.Errorf("connect vsphere: %w", err)
			}
			defer func() {
				if err := hv.Logout(context.Background()); err != nil {
					logging.Op().Warn("vsphere logout", "error", err)
				}
			}()

			notifier := newNotifier(cfg)
			defer notifier.Close()

			w := worker.New(store, hv, notifier, worker.Config{
				WorkerConfig:        cfg.Worker,
				UnitName:            cfg.UnitName,
				HostSlotted:         cfg.HostSlotted(),
				DefaultSnapshotName: cfg.VSphere.DefaultSnapshotName,
			}, actionMode)

			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logging.Op().Info("vmworker stopped", "mode", actionMode)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "other", "Action queue to serve: deploy or other")
	return cmd
}

func newScreenshotStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.ScreenshotStore != "hcp" {
		return blobstore.NewInlineStore(), nil
	}
	return blobstore.NewHCPStore(ctx, blobstore.HCPConfig{
		Endpoint:  cfg.HCP.Endpoint,
		Bucket:    cfg.HCP.Bucket,
		Region:    cfg.HCP.Region,
		AccessKey: cfg.HCP.AccessKey,
		SecretKey: cfg.HCP.SecretKey,
	})
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
