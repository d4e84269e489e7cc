// Package daemon is the per-machine node: it hosts projects, launches
// agents for routed missions and keeps the hub informed.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/intercom/internal/auth"
	"github.com/zulandar/intercom/internal/config"
	"github.com/zulandar/intercom/internal/launcher"
	"github.com/zulandar/intercom/internal/messaging"
	"github.com/zulandar/intercom/internal/metrics"
	"github.com/zulandar/intercom/internal/registry"
	"github.com/zulandar/intercom/internal/server"
)

const (
	// DefaultHeartbeatInterval matches the hub's default stale window of
	// three missed beats.
	DefaultHeartbeatInterval = 30 * time.Second

	registerRetryMin = time.Second
	shutdownGrace    = 10 * time.Second
)

// Opts configures a Daemon.
type Opts struct {
	MachineID   string
	DisplayName string
	Description string
	Token       string
	Listen      string
	URL         string // announced to the hub as this node's address
	Projects    []Project

	Launcher          *launcher.Launcher
	Inbox             *messaging.Inbox // default: messaging.NewInbox(0)
	Hub               *HubClient       // nil skips registration and heartbeats
	HeartbeatInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Daemon serves the node API.
type Daemon struct {
	machineID   string
	displayName string
	description string
	token       string
	listen      string
	url         string
	projects    []Project

	launcher  *launcher.Launcher
	inbox     *messaging.Inbox
	hub       *HubClient
	heartbeat time.Duration

	metrics *metrics.Metrics
	log     *zap.Logger
	engine  *gin.Engine
}

// New validates opts and builds a Daemon.
func New(opts Opts) (*Daemon, error) {
	if opts.MachineID == "" {
		return nil, fmt.Errorf("daemon: machine id is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("daemon: auth token is required")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("daemon: launcher is required")
	}
	if opts.Inbox == nil {
		opts.Inbox = messaging.NewInbox(0)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.MachineID
	}

	d := &Daemon{
		machineID:   opts.MachineID,
		displayName: opts.DisplayName,
		description: opts.Description,
		token:       opts.Token,
		listen:      opts.Listen,
		url:         opts.URL,
		projects:    opts.Projects,
		launcher:    opts.Launcher,
		inbox:       opts.Inbox,
		hub:         opts.Hub,
		heartbeat:   opts.HeartbeatInterval,
		metrics:     opts.Metrics,
		log:         opts.Logger.With(zap.String("machine_id", opts.MachineID)),
	}
	d.engine = server.NewEngine("daemon", d.log, d.metrics)
	d.registerRoutes(d.engine)
	return d, nil
}

// FromConfig builds a Daemon and its launcher from configuration.
func FromConfig(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*Daemon, error) {
	l := launcher.New(launcher.Opts{
		Command:      cfg.AgentLauncher.DefaultCommand,
		Args:         cfg.AgentLauncher.DefaultArgs,
		AllowedPaths: cfg.AgentLauncher.AllowedPaths,
		MaxDuration:  config.Seconds(cfg.AgentLauncher.MaxMissionDuration),
		Logger:       log,
		Metrics:      m,
	})
	var hub *HubClient
	if cfg.Hub.URL != "" {
		hub = NewHubClient(cfg.Hub.URL, cfg.Machine.ID, cfg.Auth.Token)
	}
	return New(Opts{
		MachineID:         cfg.Machine.ID,
		DisplayName:       cfg.Machine.DisplayName,
		Description:       cfg.Machine.Description,
		Token:             cfg.Auth.Token,
		Listen:            cfg.Daemon.Listen,
		URL:               cfg.Daemon.URL,
		Projects:          Projects(cfg),
		Launcher:          l,
		Hub:               hub,
		HeartbeatInterval: config.Seconds(cfg.Heartbeat.IntervalSec),
		Metrics:           m,
		Logger:            log,
	})
}

// Handler returns the node API.
func (d *Daemon) Handler() http.Handler { return d.engine }

// Launcher returns the daemon's mission supervisor.
func (d *Daemon) Launcher() *launcher.Launcher { return d.launcher }

// Registration is what the daemon announces to the hub.
func (d *Daemon) Registration() registry.Registration {
	reg := registry.Registration{
		MachineInfo: registry.MachineInfo{
			ID:          d.machineID,
			DisplayName: d.displayName,
			Description: d.description,
			DaemonURL:   d.url,
		},
		Projects: make([]registry.ProjectInfo, 0, len(d.projects)),
	}
	for _, p := range d.projects {
		reg.Projects = append(reg.Projects, p.Info())
	}
	return reg
}

// Run serves the node API on the configured address and keeps the hub
// registration alive until ctx is cancelled. Running missions are cancelled
// on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.listen)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", d.listen, err)
	}
	return d.RunListener(ctx, ln)
}

// RunListener is Run on an existing listener.
func (d *Daemon) RunListener(ctx context.Context, ln net.Listener) error {
	d.log.Info("daemon starting",
		zap.String("listen", ln.Addr().String()),
		zap.Int("projects", len(d.projects)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ServeListener(gctx, ln, d.engine, d.log)
	})
	if d.hub != nil {
		g.Go(func() error {
			d.keepRegistered(gctx)
			return nil
		})
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := d.launcher.Shutdown(shutdownCtx); serr != nil {
		d.log.Warn("launcher shutdown", zap.Error(serr))
	}
	d.log.Info("daemon stopped")
	return err
}

// keepRegistered registers with the hub, retrying with backoff until it
// succeeds, then heartbeats. A heartbeat the hub rejects as unknown sends
// it back to registering.
func (d *Daemon) keepRegistered(ctx context.Context) {
	registered := false
	retry := registerRetryMin
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if !registered {
			if err := d.hub.Register(ctx, d.Registration()); err != nil {
				d.log.Warn("hub registration failed", zap.Error(err), zap.Duration("retry_in", retry))
				wait = retry
				retry = min(retry*2, d.heartbeat)
				continue
			}
			d.log.Info("registered with hub", zap.String("hub", d.hub.URL))
			registered = true
			retry = registerRetryMin
			wait = d.heartbeat
			continue
		}

		wait = d.heartbeat
		if err := d.hub.Heartbeat(ctx); err != nil {
			d.log.Warn("heartbeat failed", zap.Error(err))
			if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, ErrNotFound) {
				registered = false
				wait = 0
			}
		}
	}
}

func (d *Daemon) project(id string) (Project, bool) {
	for _, p := range d.projects {
		if p.ID == id {
			return p, true
		}
	}
	return Project{}, false
}
