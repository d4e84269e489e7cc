package telegraph

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/zulandar/intercom/internal/approval"
	"go.uber.org/zap"
)

const shutdownPostTimeout = 5 * time.Second

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Adapter  Adapter
	Notifier *Notifier
	Approver *Approver // optional; button presses for approvals are ignored without it
	Commands *CommandHandler
	Backend  Backend
	// AllowedUsers lists user ids or names allowed to drive the bridge.
	// Empty allows everyone in the channel.
	AllowedUsers []string
	Logger       *zap.Logger
}

// Bridge pumps inbound chat messages into the hub: button presses answer
// approvals and join requests, "!ic" text runs commands, and text typed in
// a mission thread is forwarded to the mission's agent.
type Bridge struct {
	adapter   Adapter
	notifier  *Notifier
	approver  *Approver
	commands  *CommandHandler
	backend   Backend
	allowed   map[string]bool
	log       *zap.Logger
	botUserID string
}

// NewBridge creates a Bridge.
func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: bridge: adapter is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("telegraph: bridge: notifier is required")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("telegraph: bridge: command handler is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("telegraph: bridge: backend is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		adapter:  opts.Adapter,
		notifier: opts.Notifier,
		approver: opts.Approver,
		commands: opts.Commands,
		backend:  opts.Backend,
		log:      log,
	}
	if len(opts.AllowedUsers) > 0 {
		b.allowed = make(map[string]bool, len(opts.AllowedUsers))
		for _, u := range opts.AllowedUsers {
			b.allowed[u] = true
		}
	}
	return b, nil
}

// Run connects the adapter and handles inbound messages until ctx is
// cancelled or the adapter closes its channel.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	if bui, ok := b.adapter.(BotUserIDer); ok {
		b.botUserID = bui.BotUserID()
	}
	inbound, err := b.adapter.Listen(ctx)
	if err != nil {
		b.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}
	b.log.Info("chat bridge online")
	if _, err := b.notifier.Post(ctx, OutboundMessage{Text: "📡 Intercom hub online"}); err != nil {
		b.log.Warn("post online message failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			b.shutdown(ctx)
			return nil
		case msg, ok := <-inbound:
			if !ok {
				b.log.Info("chat inbound channel closed")
				return nil
			}
			b.Handle(ctx, msg)
		}
	}
}

func (b *Bridge) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownPostTimeout)
	defer cancel()
	if _, err := b.notifier.Post(sctx, OutboundMessage{Text: "Intercom hub shutting down"}); err != nil {
		b.log.Warn("post shutdown message failed", zap.Error(err))
	}
	if err := b.adapter.Close(); err != nil {
		b.log.Warn("close chat adapter failed", zap.Error(err))
	}
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message or unauthorized user → ignore
//  2. Button press → approval or join answer
//  3. Command prefix "!ic" or @mention with a command → command handler
//  4. Text in a mission thread → forwarded to the mission's agent
//  5. Everything else → ignore
func (b *Bridge) Handle(ctx context.Context, msg InboundMessage) {
	if b.botUserID != "" && msg.UserID == b.botUserID {
		return
	}
	if !b.authorized(msg) {
		b.log.Info("ignoring unauthorized chat user", zap.String("user", msg.UserName), zap.String("user_id", msg.UserID))
		return
	}

	if msg.Action != nil {
		b.handleAction(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	b.log.Debug("chat message",
		zap.String("channel", msg.ChannelID),
		zap.String("thread", msg.ThreadID),
		zap.String("user", msg.UserName),
		zap.String("text", truncate(text, 80)))

	if isCommand(text) {
		b.notifier.Reply(ctx, msg, b.commands.Execute(ctx, text))
		return
	}
	if cmd := extractMentionCommand(text); cmd != "" {
		b.notifier.Reply(ctx, msg, b.commands.Execute(ctx, commandPrefix+" "+cmd))
		return
	}

	if msg.ThreadID == "" || text == "" {
		return
	}
	missionID, ok := b.notifier.MissionForThread(msg.ThreadID)
	if !ok {
		return
	}
	b.log.Info("human intervention in mission thread",
		zap.String("mission_id", missionID),
		zap.String("user", msg.UserName))
	res := b.backend.Reply(ctx, missionID, text)
	if !res.OK() {
		b.notifier.Reply(ctx, msg, formatResult("Reply not delivered", res))
	}
}

func (b *Bridge) handleAction(ctx context.Context, msg InboundMessage) {
	kind, key, ok := parseAction(msg.Action)
	if !ok {
		return
	}
	switch kind {
	case actionApprove:
		if b.approver == nil {
			return
		}
		resp := approval.ParseResponse(msg.Action.Value)
		b.log.Info("approval answered",
			zap.String("id", key),
			zap.String("user", msg.UserName),
			zap.String("response", string(resp)))
		b.notifier.Reply(ctx, msg, resolveText(b.approver, key, resp))
	case actionJoin:
		b.notifier.Reply(ctx, msg, joinText(ctx, b.backend, key, msg.Action.Value))
	}
}

func (b *Bridge) authorized(msg InboundMessage) bool {
	if b.allowed == nil {
		return true
	}
	return b.allowed[msg.UserID] || (msg.UserName != "" && b.allowed[msg.UserName])
}

// mentionRe matches Slack and Discord mention formats: <@ID> or <@!ID>.
var mentionRe = regexp.MustCompile(`<@!?\w+>`)

// knownCommands is the set of top-level commands the CommandHandler supports.
var knownCommands = map[string]bool{
	"agents":   true,
	"machines": true,
	"start":    true,
	"stop":     true,
	"status":   true,
	"history":  true,
	"policy":   true,
	"approve":  true,
	"deny":     true,
	"join":     true,
	"help":     true,
}

// extractMentionCommand checks if the message is a bot @mention followed by
// a known command. Returns the command text (without the mention) if so,
// or empty string if not.
func extractMentionCommand(text string) string {
	if !mentionRe.MatchString(text) {
		return ""
	}
	stripped := strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
	if stripped == "" {
		return ""
	}
	if knownCommands[strings.Fields(stripped)[0]] {
		return stripped
	}
	return ""
}
