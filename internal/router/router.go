// Package router turns an addressed envelope into an approved,
// authenticated dispatch to the target machine's daemon.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultApprovalTimeout bounds how long Route waits for a human.
	DefaultApprovalTimeout = 300 * time.Second
	// DefaultNotifyTimeout bounds a single sink notification.
	DefaultNotifyTimeout = 10 * time.Second
)

var (
	ErrUnknownTarget     = errors.New("router: unknown target")
	ErrTargetUnavailable = errors.New("router: target unavailable")
	ErrApprovalDenied    = errors.New("router: approval denied")
)

// Node statuses, as stored by the registry.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
	NodeRevoked = "revoked"
	NodeUnknown = "unknown"
)

// Node is a routable daemon.
type Node struct {
	ID     string
	URL    string
	Secret string
	Status string
}

// NodeResolver looks up nodes by machine id. Lookups may be stale by a
// heartbeat interval.
type NodeResolver interface {
	GetNode(ctx context.Context, machineID string) (Node, bool, error)
}

// Transport delivers an envelope to a node and returns its JSON reply.
type Transport interface {
	Dispatch(ctx context.Context, node Node, msg envelope.Message) (map[string]any, error)
}

// NotificationSink observes every routed envelope. Failures are logged and
// never affect routing.
type NotificationSink interface {
	Notify(ctx context.Context, msg envelope.Message) error
}

// Opts configures a Router.
type Opts struct {
	Resolver        NodeResolver
	Approval        *approval.Engine
	Prompter        approval.Prompter
	Sink            NotificationSink
	Transport       Transport
	ApprovalTimeout time.Duration
	NotifyTimeout   time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Router routes envelopes. It is safe for concurrent use.
type Router struct {
	resolver        NodeResolver
	approval        *approval.Engine
	prompter        approval.Prompter
	sink            NotificationSink
	transport       Transport
	approvalTimeout time.Duration
	notifyTimeout   time.Duration
	log             *zap.Logger
	metrics         *metrics.Metrics

	wg sync.WaitGroup
}

// New returns a Router. Resolver, Approval and Transport are required.
func New(opts Opts) *Router {
	r := &Router{
		resolver:        opts.Resolver,
		approval:        opts.Approval,
		prompter:        opts.Prompter,
		sink:            opts.Sink,
		transport:       opts.Transport,
		approvalTimeout: opts.ApprovalTimeout,
		notifyTimeout:   opts.NotifyTimeout,
		log:             opts.Logger,
		metrics:         opts.Metrics,
	}
	if r.approvalTimeout <= 0 {
		r.approvalTimeout = DefaultApprovalTimeout
	}
	if r.notifyTimeout <= 0 {
		r.notifyTimeout = DefaultNotifyTimeout
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// Route resolves, approves, announces and dispatches msg. Failures are
// reported in the Result, never as an error.
func (r *Router) Route(ctx context.Context, msg envelope.Message) Result {
	res, err := r.route(ctx, msg)
	if err != nil {
		status := StatusError
		if errors.Is(err, ErrApprovalDenied) {
			status = StatusDenied
		}
		res = Result{"status": status, "error": reason(err), "mission_id": msg.MissionID}
		r.log.Info("route rejected",
			zap.String("id", msg.ID),
			zap.String("mission_id", msg.MissionID),
			zap.String("to", msg.To.String()),
			zap.String("status", status),
			zap.Error(err))
	}
	r.metrics.Routed(res.Status())
	return res
}

func (r *Router) route(ctx context.Context, msg envelope.Message) (Result, error) {
	if msg.To.IsHuman() {
		r.notify(ctx, msg)
		return Result{"status": StatusDelivered, "mission_id": msg.MissionID}, nil
	}

	node, ok, err := r.resolver.GetNode(ctx, msg.To.Machine)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrUnknownTarget, msg.To.Machine, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: Unknown machine: %s", ErrUnknownTarget, msg.To.Machine)
	}
	switch node.Status {
	case NodeOffline, NodeRevoked:
		return nil, fmt.Errorf("%w: Machine %s is %s", ErrTargetUnavailable, node.ID, node.Status)
	}

	if err := r.approve(ctx, msg); err != nil {
		return nil, err
	}

	r.notify(ctx, msg)

	body, err := r.transport.Dispatch(ctx, node, msg)
	if err != nil {
		return Result{"status": StatusError, "error": fmt.Sprintf("dispatch to %s failed: %v", node.ID, err), "mission_id": msg.MissionID}, nil
	}
	res := Result(body)
	if res == nil {
		res = Result{}
	}
	if res.MissionID() == "" {
		res["mission_id"] = msg.MissionID
	}
	r.log.Info("routed",
		zap.String("id", msg.ID),
		zap.String("mission_id", res.MissionID()),
		zap.String("from", msg.From.String()),
		zap.String("to", msg.To.String()),
		zap.String("type", string(msg.Type)),
		zap.String("status", res.Status()))
	return res, nil
}

// approve asks a human when the policy requires it and no grant covers msg.
func (r *Router) approve(ctx context.Context, msg envelope.Message) error {
	if r.approval == nil {
		return nil
	}
	d := r.approval.Check(msg)
	if !d.Level.RequiresInteraction() || d.Granted() {
		return nil
	}
	if r.prompter == nil {
		r.metrics.ApprovalRequested("unavailable")
		return fmt.Errorf("%w: no approval channel configured", ErrApprovalDenied)
	}

	resp, err := r.prompter.RequestApproval(ctx, msg, r.approvalTimeout)
	if err != nil {
		r.log.Warn("approval request failed", zap.String("id", msg.ID), zap.Error(err))
		resp = approval.ResponseDeny
	}
	if !resp.Approved() {
		r.metrics.ApprovalRequested("denied")
		return fmt.Errorf("%w: Approval denied or timed out", ErrApprovalDenied)
	}
	r.metrics.ApprovalRequested(string(resp))
	if level, ok := resp.GrantLevel(); ok {
		r.approval.Grant(msg.MissionID, msg.From.String(), msg.To.String(), level)
	}
	return nil
}

// notify posts msg to the sink without waiting for it.
func (r *Router) notify(ctx context.Context, msg envelope.Message) {
	if r.sink == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
		defer cancel()
		if err := r.sink.Notify(nctx, msg); err != nil {
			r.log.Warn("notification failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (r *Router) Wait() {
	r.wg.Wait()
}

// reason strips the sentinel prefix from a route error.
func reason(err error) string {
	for _, s := range []error{ErrUnknownTarget, ErrTargetUnavailable, ErrApprovalDenied} {
		if errors.Is(err, s) {
			msg := err.Error()
			prefix := s.Error() + ": "
			if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
				return msg[len(prefix):]
			}
			return msg
		}
	}
	return err.Error()
}
