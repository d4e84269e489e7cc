// Package hub is the central node: it owns the registry, routes envelopes
// between machines behind the approval policy, follows launched missions
// and runs the chat bridge.
package hub

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/messaging"
	"github.com/zulandar/intercom/internal/metrics"
	"github.com/zulandar/intercom/internal/registry"
	"github.com/zulandar/intercom/internal/router"
	"github.com/zulandar/intercom/internal/server"
	"github.com/zulandar/intercom/internal/telegraph"
	"github.com/zulandar/intercom/internal/tracker"
)

// Sink receives routed envelopes and mission reports when no chat platform
// is configured.
type Sink interface {
	router.NotificationSink
	tracker.Sink
}

// ChatOpts enables the chat bridge.
type ChatOpts struct {
	Adapter        telegraph.Adapter
	ChannelID      string
	PostsPerSecond float64
	AllowedUsers   []string
}

// Opts configures a Hub.
type Opts struct {
	MachineID string // identity presented to daemons
	Token     string // admin secret accepted for join approvals
	Listen    string

	Registry        *registry.Registry
	Store           *messaging.Store
	Approval        *approval.Engine
	ApprovalTimeout time.Duration
	Transport       *router.HTTPTransport // default: router.NewHTTPTransport(MachineID)

	Chat    *ChatOpts // nil disables the chat bridge
	Sink    Sink      // used only without Chat
	Tracker tracker.Opts
	Sweeper *registry.Sweeper // optional

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Hub wires the routing core to its HTTP API and chat front-end.
type Hub struct {
	machineID string
	token     string
	listen    string

	registry  *registry.Registry
	store     *messaging.Store
	approval  *approval.Engine
	transport *router.HTTPTransport
	router    *router.Router
	tracker   *tracker.Tracker
	sweeper   *registry.Sweeper
	joins     *joinTable

	notifier *telegraph.Notifier
	approver *telegraph.Approver
	bridge   *telegraph.Bridge

	// Tracking outlives the request that launched a mission.
	trackCtx     context.Context
	stopTracking context.CancelFunc

	metrics *metrics.Metrics
	log     *zap.Logger
	engine  *gin.Engine
}

// New validates opts and wires the hub.
func New(opts Opts) (*Hub, error) {
	if opts.MachineID == "" {
		return nil, fmt.Errorf("hub: machine id is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("hub: registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("hub: history store is required")
	}
	if opts.Approval == nil {
		return nil, fmt.Errorf("hub: approval engine is required")
	}
	if opts.Transport == nil {
		opts.Transport = router.NewHTTPTransport(opts.MachineID)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &Hub{
		machineID: opts.MachineID,
		token:     opts.Token,
		listen:    opts.Listen,
		registry:  opts.Registry,
		store:     opts.Store,
		approval:  opts.Approval,
		transport: opts.Transport,
		sweeper:   opts.Sweeper,
		joins:     newJoinTable(time.Now),
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
	h.trackCtx, h.stopTracking = context.WithCancel(context.Background())

	var (
		sink     Sink
		prompter approval.Prompter
	)
	if opts.Chat != nil {
		n, err := telegraph.NewNotifier(telegraph.NotifierOpts{
			Adapter:        opts.Chat.Adapter,
			ChannelID:      opts.Chat.ChannelID,
			PostsPerSecond: opts.Chat.PostsPerSecond,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
		h.notifier = n
		h.approver = telegraph.NewApprover(n, opts.Logger)
		sink, prompter = n, h.approver
	} else if opts.Sink != nil {
		sink = opts.Sink
	}

	h.router = router.New(router.Opts{
		Resolver:        opts.Registry,
		Approval:        opts.Approval,
		Prompter:        prompter,
		Sink:            sink,
		Transport:       opts.Transport,
		ApprovalTimeout: opts.ApprovalTimeout,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})

	topts := opts.Tracker
	topts.Source = opts.Transport
	topts.Sink = sink
	topts.History = opts.Store
	topts.OnTerminal = opts.Approval.ClearMissionGrants
	topts.Logger = opts.Logger
	topts.Metrics = opts.Metrics
	h.tracker = tracker.New(topts)

	if opts.Chat != nil {
		commands, err := telegraph.NewCommandHandler(telegraph.CommandHandlerOpts{
			Backend:  h,
			Engine:   opts.Approval,
			Approver: h.approver,
		})
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
		h.bridge, err = telegraph.NewBridge(telegraph.BridgeOpts{
			Adapter:      opts.Chat.Adapter,
			Notifier:     h.notifier,
			Approver:     h.approver,
			Commands:     commands,
			Backend:      h,
			AllowedUsers: opts.Chat.AllowedUsers,
			Logger:       opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
	}

	h.engine = server.NewEngine("hub", h.log, h.metrics)
	h.registerRoutes(h.engine)
	return h, nil
}

// Handler returns the hub API.
func (h *Hub) Handler() http.Handler { return h.engine }

// Run serves the hub API on the configured address until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.listen)
	if err != nil {
		return fmt.Errorf("hub: listen %s: %w", h.listen, err)
	}
	return h.RunListener(ctx, ln)
}

// RunListener serves the API, the chat bridge and the registry sweep. On
// the way out, mission tracking is cancelled and drained.
func (h *Hub) RunListener(ctx context.Context, ln net.Listener) error {
	h.log.Info("hub starting",
		zap.String("machine_id", h.machineID),
		zap.String("listen", ln.Addr().String()),
		zap.Bool("chat", h.bridge != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ServeListener(gctx, ln, h.engine, h.log)
	})
	if h.bridge != nil {
		g.Go(func() error {
			// Chat failures are logged; routing keeps running.
			if err := h.bridge.Run(gctx); err != nil {
				h.log.Error("chat bridge stopped", zap.Error(err))
			}
			return nil
		})
	}
	if h.sweeper != nil {
		g.Go(func() error { return h.sweeper.Run(gctx) })
	}
	err := g.Wait()

	h.stopTracking()
	h.tracker.Wait()
	h.router.Wait()
	h.log.Info("hub stopped")
	return err
}
