package messaging

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/tracker"
	"go.uber.org/zap"
)

// CommandNotifier runs a shell command for routed envelopes and mission
// reports. It is the notification sink used when no chat platform is
// configured. Delivery is best-effort: failures are logged, not returned.
type CommandNotifier struct {
	// Command is a shell template, e.g.
	// "notify-send 'Intercom' '{{.From}}: {{.Message}}'".
	Command string
	Logger  *zap.Logger
}

// Notify runs the command for envelopes worth a human's attention.
func (n *CommandNotifier) Notify(ctx context.Context, msg envelope.Message) error {
	if !shouldNotify(msg) {
		return nil
	}
	n.run(ctx, fields{
		From:      msg.From.String(),
		To:        msg.To.String(),
		Type:      string(msg.Type),
		MissionID: msg.MissionID,
		Message:   envelope.MissionText(msg.Payload),
	})
	return nil
}

// Report runs the command for a final or unreachable mission report.
func (n *CommandNotifier) Report(ctx context.Context, r tracker.Report) error {
	switch r.Kind {
	case tracker.ReportFinal, tracker.ReportUnreachable, tracker.ReportTimeout:
	default:
		return nil
	}
	n.run(ctx, fields{
		From:      r.Target,
		To:        envelope.HumanAddress,
		Type:      string(r.Kind),
		MissionID: r.MissionID,
		Message:   r.Text,
	})
	return nil
}

type fields struct {
	From, To, Type, MissionID, Message string
}

func (n *CommandNotifier) run(ctx context.Context, f fields) {
	log := n.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if n.Command != "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", templateMessage(n.Command, f))
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Warn("notify command failed", zap.Error(err), zap.String("output", strings.TrimSpace(string(out))))
		}
	}

	// If inside tmux, also display a tmux message.
	if os.Getenv("TMUX") != "" {
		cmd := exec.CommandContext(ctx, "tmux", "display-message", f.From+": "+firstLine(f.Message))
		if err := cmd.Run(); err != nil {
			log.Debug("tmux display-message failed", zap.Error(err))
		}
	}
}

// shouldNotify returns true if the envelope warrants a push notification.
func shouldNotify(msg envelope.Message) bool {
	if msg.To.IsHuman() || msg.Type.Launches() {
		return true
	}
	if p, ok := msg.Payload.(envelope.SendPayload); ok && p.Priority == envelope.PriorityUrgent {
		return true
	}
	return false
}

// templateMessage replaces placeholders in the command template. Values are
// single-quote escaped for the shell.
func templateMessage(command string, f fields) string {
	r := strings.NewReplacer(
		"{{.From}}", shellEscape(f.From),
		"{{.To}}", shellEscape(f.To),
		"{{.Type}}", shellEscape(f.Type),
		"{{.MissionID}}", shellEscape(f.MissionID),
		"{{.Message}}", shellEscape(f.Message),
	)
	return r.Replace(command)
}

// shellEscape makes s safe inside a single-quoted shell string.
func shellEscape(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
