// Package config provides YAML-based configuration loading for Intercom.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Run modes.
const (
	ModeHub        = "hub"
	ModeDaemon     = "daemon"
	ModeStandalone = "standalone"
)

// Config is the top-level configuration, loaded from intercom.yaml.
type Config struct {
	Mode          string          `yaml:"mode"`
	Machine       MachineConfig   `yaml:"machine"`
	Hub           HubConfig       `yaml:"hub"`
	Daemon        DaemonConfig    `yaml:"daemon"`
	Auth          AuthConfig      `yaml:"auth"`
	Database      DatabaseConfig  `yaml:"database"`
	Telegraph     TelegraphConfig `yaml:"telegraph"`
	Approval      ApprovalConfig  `yaml:"approval"`
	AgentLauncher LauncherConfig  `yaml:"agent_launcher"`
	Tracker       TrackerConfig   `yaml:"tracker"`
	Registry      RegistryConfig  `yaml:"registry"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat"`
	Discovery     DiscoveryConfig `yaml:"discovery"`
	Projects      []ProjectConfig `yaml:"projects"`
	Notify        NotifyConfig    `yaml:"notify"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// MachineConfig identifies this node.
type MachineConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
}

// HubConfig locates the hub and, in hub mode, where it listens.
type HubConfig struct {
	URL      string          `yaml:"url"`
	Listen   string          `yaml:"listen"`
	Machines []StaticMachine `yaml:"machines"`
}

// StaticMachine pre-registers a node so it can register without a join.
type StaticMachine struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
}

// DaemonConfig is where the node API listens and how the hub reaches it.
type DaemonConfig struct {
	Listen string `yaml:"listen"`
	URL    string `yaml:"url"`
}

// AuthConfig holds this node's shared secret.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// DatabaseConfig selects the registry store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// TelegraphConfig configures the chat bridge. An empty platform disables it.
type TelegraphConfig struct {
	Platform       string        `yaml:"platform"`
	Channel        string        `yaml:"channel"`
	AllowedUsers   []string      `yaml:"allowed_users"`
	PostsPerSecond float64       `yaml:"posts_per_second"`
	Slack          SlackConfig   `yaml:"slack"`
	Discord        DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// ApprovalConfig locates the policies file.
type ApprovalConfig struct {
	PoliciesFile string `yaml:"policies_file"`
	TimeoutSec   int    `yaml:"timeout_sec"`
}

// LauncherConfig configures agent subprocesses.
type LauncherConfig struct {
	DefaultCommand     string   `yaml:"default_command"`
	DefaultArgs        []string `yaml:"default_args"`
	AllowedPaths       []string `yaml:"allowed_paths"`
	MaxMissionDuration int      `yaml:"max_mission_duration"`
}

// TrackerConfig tunes hub-side mission polling.
type TrackerConfig struct {
	PollIntervalSec     int `yaml:"poll_interval_sec"`
	FallbackIntervalSec int `yaml:"fallback_interval_sec"`
	TimeoutSec          int `yaml:"timeout_sec"`
	NotFoundRetries     int `yaml:"not_found_retries"`
	ErrorRetries        int `yaml:"error_retries"`
	RecentItems         int `yaml:"recent_items"`
}

// RegistryConfig tunes the stale-machine sweep.
type RegistryConfig struct {
	StaleAfterSec int    `yaml:"stale_after_sec"`
	SweepCron     string `yaml:"sweep_cron"`
}

// HeartbeatConfig tunes the daemon heartbeat.
type HeartbeatConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// DiscoveryConfig lists directories scanned for projects.
type DiscoveryConfig struct {
	ScanPaths []string `yaml:"scan_paths"`
}

// ProjectConfig declares a project hosted by this daemon.
type ProjectConfig struct {
	ID           string   `yaml:"id"`
	Path         string   `yaml:"path"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	Tags         []string `yaml:"tags"`
	AgentCommand string   `yaml:"agent_command"`
}

// NotifyConfig runs a shell command for each routed message when no chat
// platform is configured.
type NotifyConfig struct {
	Command string `yaml:"command"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	return LoadMode(path, "")
}

// LoadMode is Load with the run mode forced to mode. An empty mode keeps
// the file's.
func LoadMode(path, mode string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.LookupEnv, mode)
}

// Parse unmarshals YAML bytes, applies environment overrides and defaults,
// and validates the result.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.LookupEnv, "")
}

func parse(data []byte, lookup func(string) (string, bool), mode string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	cfg.applyEnv(lookup)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and locations from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Auth.Token, "INTERCOM_TOKEN")
	set(&c.Machine.ID, "INTERCOM_MACHINE_ID")
	set(&c.Hub.URL, "HUB_URL")
	set(&c.Telegraph.Slack.BotToken, "SLACK_BOT_TOKEN")
	set(&c.Telegraph.Slack.AppToken, "SLACK_APP_TOKEN")
	set(&c.Telegraph.Discord.BotToken, "DISCORD_BOT_TOKEN")
	set(&c.Telegraph.Channel, "TELEGRAPH_CHANNEL")
	set(&c.Database.Password, "INTERCOM_DB_PASSWORD")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeStandalone
	}
	if c.Machine.DisplayName == "" {
		c.Machine.DisplayName = c.Machine.ID
	}
	if c.Hub.Listen == "" {
		c.Hub.Listen = "0.0.0.0:7700"
	}
	if c.Hub.URL == "" && c.Mode == ModeStandalone {
		c.Hub.URL = "http://127.0.0.1" + portOf(c.Hub.Listen)
	}
	if c.Daemon.Listen == "" {
		c.Daemon.Listen = "0.0.0.0:7701"
	}
	if c.Daemon.URL == "" && c.Machine.ID != "" {
		host := c.Machine.ID
		if c.Mode == ModeStandalone {
			host = "127.0.0.1"
		}
		c.Daemon.URL = "http://" + host + portOf(c.Daemon.Listen)
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/registry.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "intercom"
	}
	if c.Telegraph.PostsPerSecond <= 0 {
		c.Telegraph.PostsPerSecond = 1
	}
	if c.Approval.PoliciesFile == "" {
		c.Approval.PoliciesFile = "policies.yml"
	}
	if c.Approval.TimeoutSec == 0 {
		c.Approval.TimeoutSec = 300
	}
	if c.AgentLauncher.DefaultCommand == "" {
		c.AgentLauncher.DefaultCommand = "claude"
	}
	if c.AgentLauncher.DefaultArgs == nil {
		c.AgentLauncher.DefaultArgs = []string{"-p"}
	}
	if c.AgentLauncher.MaxMissionDuration == 0 {
		c.AgentLauncher.MaxMissionDuration = 1800
	}
	if c.Tracker.PollIntervalSec == 0 {
		c.Tracker.PollIntervalSec = 10
	}
	if c.Tracker.FallbackIntervalSec == 0 {
		c.Tracker.FallbackIntervalSec = 30
	}
	if c.Tracker.TimeoutSec == 0 {
		c.Tracker.TimeoutSec = c.AgentLauncher.MaxMissionDuration
	}
	if c.Tracker.NotFoundRetries == 0 {
		c.Tracker.NotFoundRetries = 3
	}
	if c.Tracker.ErrorRetries == 0 {
		c.Tracker.ErrorRetries = 5
	}
	if c.Tracker.RecentItems == 0 {
		c.Tracker.RecentItems = 5
	}
	if c.Registry.StaleAfterSec == 0 {
		c.Registry.StaleAfterSec = 90
	}
	if c.Registry.SweepCron == "" {
		c.Registry.SweepCron = "* * * * *"
	}
	if c.Heartbeat.IntervalSec == 0 {
		c.Heartbeat.IntervalSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Machine.ID == "" {
		errs = append(errs, "machine.id is required")
	}
	if strings.Contains(c.Machine.ID, "/") {
		errs = append(errs, "machine.id must not contain '/'")
	}
	switch c.Mode {
	case ModeHub, ModeDaemon, ModeStandalone:
	default:
		errs = append(errs, fmt.Sprintf("mode %q must be hub, daemon or standalone", c.Mode))
	}
	if c.IsDaemon() && c.Auth.Token == "" {
		errs = append(errs, "auth.token is required for daemon and standalone modes")
	}
	if c.Mode == ModeDaemon && c.Hub.URL == "" {
		errs = append(errs, "hub.url is required in daemon mode")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	switch c.Telegraph.Platform {
	case "":
	case "slack":
		if c.Telegraph.Slack.AppToken == "" || c.Telegraph.Slack.BotToken == "" {
			errs = append(errs, "telegraph.slack.app_token and bot_token are required")
		}
	case "discord":
		if c.Telegraph.Discord.BotToken == "" {
			errs = append(errs, "telegraph.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q must be slack or discord", c.Telegraph.Platform))
	}
	if c.Telegraph.Platform != "" && c.Telegraph.Channel == "" {
		errs = append(errs, "telegraph.channel is required when a platform is set")
	}
	for i, p := range c.Projects {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].id is required", i))
		}
		if p.Path == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].path is required", i))
		}
	}
	for i, m := range c.Hub.Machines {
		if m.ID == "" || m.Token == "" {
			errs = append(errs, fmt.Sprintf("hub.machines[%d] requires id and token", i))
		}
	}
	if c.AgentLauncher.MaxMissionDuration < 0 {
		errs = append(errs, "agent_launcher.max_mission_duration must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsHub reports whether this process runs the hub.
func (c *Config) IsHub() bool { return c.Mode == ModeHub || c.Mode == ModeStandalone }

// IsDaemon reports whether this process runs a daemon.
func (c *Config) IsDaemon() bool { return c.Mode == ModeDaemon || c.Mode == ModeStandalone }

// Seconds converts an integer seconds setting to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func portOf(listen string) string {
	if i := strings.LastIndex(listen, ":"); i >= 0 {
		return listen[i:]
	}
	return ""
}
