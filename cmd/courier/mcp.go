package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/logger"
	"github.com/opencourier/courier/pkg/mcp"
	"github.com/opencourier/courier/pkg/notify"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve budget and usage tools to an MCP client over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := logger.NewLogger(cfg.Env, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bus, err := newEventBus(ctx, cfg, log, nil)
			if err != nil {
				log.Warn("events not shared", zap.Error(err))
				bus = &eventBus{pub: notify.Nop{}}
			}
			defer bus.Close()

			a, err := openApp(cfg, log, bus.pub)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcp.New(a.svc, version, log).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
