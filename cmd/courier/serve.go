package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencourier/courier/pkg/logger"
	"github.com/opencourier/courier/pkg/notify"
	"github.com/opencourier/courier/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listen  string
		devMode bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("dev") {
				cfg.DevMode = devMode
			}

			log, err := logger.NewLogger(cfg.Env, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			broker := notify.NewBroker(cfg.Events.Replay, cfg.Events.Heartbeat)
			bus, err := newEventBus(ctx, cfg, log, broker)
			if err != nil {
				return err
			}
			defer bus.Close()

			a, err := openApp(cfg, log, bus.pub)
			if err != nil {
				return err
			}
			defer a.Close()

			if n, err := a.svc.ReleaseStaleHolds(ctx, cfg.Budget.HoldTimeout); err != nil {
				return fmt.Errorf("release stale holds: %w", err)
			} else if n > 0 {
				log.Info("failed abandoned sends", zap.Int("count", n))
			}

			srv := server.New(a.svc, server.Options{
				Listen:  cfg.Listen,
				DevMode: cfg.DevMode,
				Events:  broker,
				Logger:  log,
			})

			log.Info("starting courier",
				zap.String("version", version),
				zap.String("config", *configPath),
				zap.String("db_path", cfg.DBPath),
				zap.Bool("dev_mode", cfg.DevMode),
				zap.Bool("redis", cfg.Redis.Enabled))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			g.Go(func() error { return a.lifecycle.Run(gctx) })
			if bus.fanout != nil {
				g.Go(func() error { return bus.fanout.Forward(gctx, broker) })
			}
			err = g.Wait()
			log.Info("courier stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&devMode, "dev", false, "mount the dev reset endpoint")
	return cmd
}
