package telegraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/router"
	"github.com/zulandar/intercom/internal/tracker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultPostsPerSecond throttles chat posts when no rate is configured.
const DefaultPostsPerSecond = 1.0

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	Adapter        Adapter
	ChannelID      string  // default channel (empty uses the adapter's default)
	PostsPerSecond float64 // <= 0 uses DefaultPostsPerSecond
	Logger         *zap.Logger
}

// Notifier posts routed envelopes and mission reports to chat, one thread
// per mission. It implements router.NotificationSink and tracker.Sink.
type Notifier struct {
	adapter Adapter
	channel string
	limiter *rate.Limiter
	log     *zap.Logger

	mu       sync.Mutex
	threads  map[string]string // mission id → thread id
	missions map[string]string // thread id → mission id
}

var (
	_ router.NotificationSink = (*Notifier)(nil)
	_ tracker.Sink            = (*Notifier)(nil)
)

// NewNotifier creates a Notifier. The thread table lives in memory only.
func NewNotifier(opts NotifierOpts) (*Notifier, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: notifier: adapter is required")
	}
	pps := opts.PostsPerSecond
	if pps <= 0 {
		pps = DefaultPostsPerSecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		adapter:  opts.Adapter,
		channel:  opts.ChannelID,
		limiter:  rate.NewLimiter(rate.Limit(pps), 3),
		log:      log,
		threads:  make(map[string]string),
		missions: make(map[string]string),
	}, nil
}

// Notify posts msg into its mission's thread, starting the thread when the
// mission has none yet.
func (n *Notifier) Notify(ctx context.Context, msg envelope.Message) error {
	return n.PostToMission(ctx, msg.MissionID, ThreadName(msg), OutboundMessage{Text: FormatEnvelope(msg)})
}

// Report posts a tracker report into the mission's thread.
func (n *Notifier) Report(ctx context.Context, r tracker.Report) error {
	name := fmt.Sprintf("%s: mission %s", r.Target, r.MissionID)
	return n.PostToMission(ctx, r.MissionID, name, FormatReport(r))
}

// PostToMission sends out into the mission's thread. When the mission has no
// thread, out becomes the thread's root and name its title. An empty
// missionID posts to the channel.
func (n *Notifier) PostToMission(ctx context.Context, missionID, name string, out OutboundMessage) error {
	if missionID == "" {
		_, err := n.Post(ctx, out)
		return err
	}

	// Thread creation is serialized so a mission gets exactly one thread.
	n.mu.Lock()
	thread, ok := n.threads[missionID]
	if !ok {
		out.ThreadName = name
		id, err := n.Post(ctx, out)
		if err == nil && id != "" {
			n.threads[missionID] = id
			n.missions[id] = missionID
		}
		n.mu.Unlock()
		return err
	}
	n.mu.Unlock()

	out.ThreadID = thread
	_, err := n.Post(ctx, out)
	return err
}

// Post sends out to the configured channel, waiting for the rate limiter.
func (n *Notifier) Post(ctx context.Context, out OutboundMessage) (string, error) {
	if out.ChannelID == "" {
		out.ChannelID = n.channel
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("telegraph: rate limit: %w", err)
	}
	id, err := n.adapter.Send(ctx, out)
	if err != nil {
		return "", fmt.Errorf("telegraph: post: %w", err)
	}
	return id, nil
}

// Reply sends text into the thread an inbound message came from.
func (n *Notifier) Reply(ctx context.Context, in InboundMessage, text string) {
	_, err := n.Post(ctx, OutboundMessage{ChannelID: in.ChannelID, ThreadID: in.ThreadID, Text: text})
	if err != nil {
		n.log.Warn("chat reply failed", zap.String("channel", in.ChannelID), zap.Error(err))
	}
}

// BindThread attaches an existing chat thread to a mission.
func (n *Notifier) BindThread(missionID, threadID string) {
	if missionID == "" || threadID == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.threads[missionID]; ok {
		return
	}
	n.threads[missionID] = threadID
	n.missions[threadID] = missionID
}

// MissionForThread returns the mission a chat thread belongs to.
func (n *Notifier) MissionForThread(threadID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.missions[threadID]
	return id, ok
}

// ThreadForMission returns the chat thread of a mission.
func (n *Notifier) ThreadForMission(missionID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.threads[missionID]
	return id, ok
}
