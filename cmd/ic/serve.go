package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/intercom/internal/config"
	"github.com/zulandar/intercom/internal/daemon"
	"github.com/zulandar/intercom/internal/db"
	"github.com/zulandar/intercom/internal/hub"
	"github.com/zulandar/intercom/internal/logging"
	"github.com/zulandar/intercom/internal/metrics"
)

func newServeCmds(g *globalOpts) []*cobra.Command {
	mk := func(mode, short, long string) *cobra.Command {
		return &cobra.Command{
			Use:   mode,
			Short: short,
			Long:  long,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return runServe(ctx, g, mode)
			},
		}
	}
	return []*cobra.Command{
		mk(config.ModeHub, "Run the hub",
			"Serves the hub API, routes messages between machines and runs the chat bridge."),
		mk(config.ModeDaemon, "Run a machine daemon",
			"Serves the node API, launches agents for incoming missions and keeps this machine registered with the hub."),
		mk(config.ModeStandalone, "Run hub and daemon in one process",
			"Runs the hub and this machine's daemon together, for a single-machine setup."),
	}
}

func runServe(ctx context.Context, g *globalOpts, mode string) error {
	if err := config.LoadDotEnv(g.envPath); err != nil {
		return err
	}
	cfg, err := config.LoadMode(g.configPath, mode)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	// In standalone mode hub and daemon share one metrics registry.
	m := metrics.New()
	var runners []func(context.Context) error
	if cfg.IsHub() {
		gdb, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		h, err := hub.FromConfig(ctx, cfg, gdb, log.Named("hub"), m)
		if err != nil {
			return err
		}
		runners = append(runners, h.Run)
	}
	if cfg.IsDaemon() {
		d, err := daemon.FromConfig(cfg, log.Named("daemon"), m)
		if err != nil {
			return err
		}
		runners = append(runners, d.Run)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		eg.Go(func() error { return run(ctx) })
	}

	log.Info("intercom started", zap.String("mode", cfg.Mode), zap.String("machine_id", cfg.Machine.ID), zap.String("version", Version))
	err = eg.Wait()
	log.Info("intercom stopped", zap.Error(err))
	return err
}
