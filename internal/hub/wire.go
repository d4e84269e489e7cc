package hub

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/config"
	"github.com/zulandar/intercom/internal/db"
	"github.com/zulandar/intercom/internal/messaging"
	"github.com/zulandar/intercom/internal/metrics"
	"github.com/zulandar/intercom/internal/registry"
	"github.com/zulandar/intercom/internal/telegraph"
	"github.com/zulandar/intercom/internal/telegraph/discord"
	"github.com/zulandar/intercom/internal/telegraph/slack"
	"github.com/zulandar/intercom/internal/tracker"
)

// FromConfig builds a hub on gdb from cfg: tables are migrated, static
// machines seeded and the chat adapter selected by telegraph.platform.
func FromConfig(ctx context.Context, cfg *config.Config, gdb *gorm.DB, log *zap.Logger, m *metrics.Metrics) (*Hub, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}

	reg := registry.New(gdb, registry.Opts{Logger: log})
	machines := slices.Clone(cfg.Hub.Machines)
	if cfg.Mode == config.ModeStandalone {
		machines = append(machines, config.StaticMachine{
			ID:          cfg.Machine.ID,
			DisplayName: cfg.Machine.DisplayName,
			URL:         cfg.Daemon.URL,
			Token:       cfg.Auth.Token,
		})
	}
	if err := reg.SeedMachines(ctx, machines); err != nil {
		return nil, err
	}

	policies, err := approval.LoadPolicies(cfg.Approval.PoliciesFile)
	if err != nil {
		return nil, err
	}
	engine, err := approval.New(policies)
	if err != nil {
		return nil, err
	}

	sweeper, err := registry.NewSweeper(reg, cfg.Registry.SweepCron, config.Seconds(cfg.Registry.StaleAfterSec), log)
	if err != nil {
		return nil, err
	}

	chat, err := chatFromConfig(cfg.Telegraph, log)
	if err != nil {
		return nil, err
	}
	var sink Sink
	if chat == nil && cfg.Notify.Command != "" {
		sink = &messaging.CommandNotifier{Command: cfg.Notify.Command, Logger: log}
	}

	return New(Opts{
		MachineID:       cfg.Machine.ID,
		Token:           cfg.Auth.Token,
		Listen:          cfg.Hub.Listen,
		Registry:        reg,
		Store:           messaging.NewStore(gdb),
		Approval:        engine,
		ApprovalTimeout: config.Seconds(cfg.Approval.TimeoutSec),
		Chat:            chat,
		Sink:            sink,
		Tracker: tracker.Opts{
			PollInterval:     config.Seconds(cfg.Tracker.PollIntervalSec),
			FallbackInterval: config.Seconds(cfg.Tracker.FallbackIntervalSec),
			Timeout:          config.Seconds(cfg.Tracker.TimeoutSec),
			NotFoundRetries:  cfg.Tracker.NotFoundRetries,
			ErrorRetries:     cfg.Tracker.ErrorRetries,
			RecentItems:      cfg.Tracker.RecentItems,
		},
		Sweeper: sweeper,
		Metrics: m,
		Logger:  log,
	})
}

func chatFromConfig(cfg config.TelegraphConfig, log *zap.Logger) (*ChatOpts, error) {
	var (
		adapter telegraph.Adapter
		err     error
	)
	switch cfg.Platform {
	case "":
		return nil, nil
	case "slack":
		adapter, err = slack.New(slack.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Channel,
			Logger:    log,
		})
	case "discord":
		adapter, err = discord.New(discord.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Channel,
			Logger:    log,
		})
	default:
		return nil, fmt.Errorf("hub: unsupported chat platform %q", cfg.Platform)
	}
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	return &ChatOpts{
		Adapter:        adapter,
		ChannelID:      cfg.Channel,
		PostsPerSecond: cfg.PostsPerSecond,
		AllowedUsers:   cfg.AllowedUsers,
	}, nil
}
