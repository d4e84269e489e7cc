package telegraph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/launcher"
	"github.com/zulandar/intercom/internal/models"
	"github.com/zulandar/intercom/internal/registry"
	"github.com/zulandar/intercom/internal/router"
	"github.com/zulandar/intercom/internal/tracker"
)

// commandPrefix is the prefix that triggers command handling.
const commandPrefix = "!ic"

const (
	chatHistoryLimit = 20
	statusFeedback   = 5
)

// Backend is the hub surface the chat commands drive.
type Backend interface {
	ListAgents(ctx context.Context, filterStatus, filterMachine string) ([]registry.Agent, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	// StartMission routes a start_agent envelope from the human to target.
	StartMission(ctx context.Context, target envelope.Address, mission string) router.Result
	// Reply routes human text typed in a mission thread to the mission's agent.
	Reply(ctx context.Context, missionID, text string) router.Result
	StopMission(ctx context.Context, missionID string) (bool, error)
	MissionStatus(ctx context.Context, missionID string) (*launcher.Snapshot, error)
	History(ctx context.Context, missionID string, limit int) ([]envelope.Message, error)
	ApproveJoin(ctx context.Context, machineID string) error
	DenyJoin(ctx context.Context, machineID string) error
}

// CommandHandler processes "!ic" commands from chat.
type CommandHandler struct {
	backend  Backend
	engine   *approval.Engine
	approver *Approver
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Backend  Backend
	Engine   *approval.Engine // optional; enables "policy"
	Approver *Approver        // optional; enables "approve" and "deny"
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("telegraph: command handler: backend is required")
	}
	return &CommandHandler{backend: opts.Backend, engine: opts.Engine, approver: opts.Approver}, nil
}

// Execute parses and executes a "!ic" command string. Returns the
// response text to send back to the chat channel.
func (ch *CommandHandler) Execute(ctx context.Context, text string) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "agents":
		return ch.cmdAgents(ctx, args[1:])
	case "machines":
		return ch.cmdMachines(ctx)
	case "start":
		return ch.cmdStart(ctx, strings.Join(args[1:], " "))
	case "stop":
		return ch.cmdStop(ctx, args[1:])
	case "status":
		return ch.cmdStatus(ctx, args[1:])
	case "history":
		return ch.cmdHistory(ctx, args[1:])
	case "policy":
		return ch.cmdPolicy()
	case "approve":
		return ch.cmdApprove(args[1:])
	case "deny":
		return ch.cmdDeny(args[1:])
	case "join":
		return ch.cmdJoin(ctx, args[1:])
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// parseCommand strips the "!ic" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

func (ch *CommandHandler) cmdAgents(ctx context.Context, args []string) string {
	status := ""
	if len(args) > 0 {
		status = args[0]
	}
	agents, err := ch.backend.ListAgents(ctx, status, "")
	if err != nil {
		return fmt.Sprintf("Error listing agents: %v", err)
	}
	if len(agents) == 0 {
		return "No agents registered."
	}
	var b strings.Builder
	b.WriteString("*Registered agents:*")
	for _, a := range agents {
		fmt.Fprintf(&b, "\n- `%s` (%s)", a.Address, a.MachineStatus)
		if a.Description != "" {
			fmt.Fprintf(&b, " %s", truncate(a.Description, 80))
		}
	}
	return b.String()
}

func (ch *CommandHandler) cmdMachines(ctx context.Context) string {
	machines, err := ch.backend.ListMachines(ctx)
	if err != nil {
		return fmt.Sprintf("Error listing machines: %v", err)
	}
	if len(machines) == 0 {
		return "No machines registered."
	}
	var b strings.Builder
	b.WriteString("*Machines:*")
	for _, m := range machines {
		fmt.Fprintf(&b, "\n- `%s` (%s) - %s", m.ID, m.Status, m.DisplayName)
	}
	return b.String()
}

// startRe matches: machine/project ["quoted mission" | mission text].
var startRe = regexp.MustCompile(`^([\w][\w.-]*)/([\w][\w.-]*)(?:\s+"([^"]*)"|\s+(.+))?$`)

// parseStartCommand splits "machine/project [mission]" into its parts.
func parseStartCommand(text string) (target envelope.Address, mission string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return envelope.Address{}, "", errors.New("empty command")
	}
	m := startRe.FindStringSubmatch(text)
	if m == nil {
		return envelope.Address{}, "", fmt.Errorf("invalid format %q, expected machine/project [\"mission\"]", text)
	}
	target, err = envelope.ParseAddress(m[1] + "/" + m[2])
	if err != nil {
		return envelope.Address{}, "", err
	}
	mission = m[3]
	if mission == "" {
		mission = m[4]
	}
	return target, strings.TrimSpace(mission), nil
}

func (ch *CommandHandler) cmdStart(ctx context.Context, rest string) string {
	target, mission, err := parseStartCommand(rest)
	if err != nil {
		return fmt.Sprintf("Error: %v\nUsage: `%s start <machine>/<project> [mission]`", err, commandPrefix)
	}
	if mission == "" {
		mission = "Start agent"
	}
	res := ch.backend.StartMission(ctx, target, mission)
	return formatResult("Agent start", res)
}

func (ch *CommandHandler) cmdStop(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s stop <mission-id>`", commandPrefix)
	}
	stopped, err := ch.backend.StopMission(ctx, args[0])
	if err != nil {
		return fmt.Sprintf("Error stopping %s: %v", args[0], err)
	}
	if !stopped {
		return fmt.Sprintf("Mission `%s` is not running.", args[0])
	}
	return fmt.Sprintf("🛑 Mission `%s` stopped.", args[0])
}

func (ch *CommandHandler) cmdStatus(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s status <mission-id>`", commandPrefix)
	}
	snap, err := ch.backend.MissionStatus(ctx, args[0])
	if err != nil {
		return fmt.Sprintf("Error getting status of %s: %v", args[0], err)
	}
	return FormatSnapshot(snap, time.Now())
}

// FormatSnapshot renders a mission snapshot for chat.
func FormatSnapshot(s *launcher.Snapshot, now time.Time) string {
	end := now
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Mission* `%s`: %s (%s • turn %d)", s.MissionID, s.Status, tracker.FormatElapsed(end.Sub(s.StartedAt)), s.TurnCount)
	items := s.Feedback
	if len(items) > statusFeedback {
		items = items[len(items)-statusFeedback:]
	}
	for _, it := range items {
		fmt.Fprintf(&b, "\n%s", it.Summary)
	}
	if s.Output != nil && *s.Output != "" {
		fmt.Fprintf(&b, "\n\n%s", clipRunes(tracker.FinalOutput(*s.Output), 1500))
	}
	return b.String()
}

func (ch *CommandHandler) cmdHistory(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s history <mission-id>`", commandPrefix)
	}
	msgs, err := ch.backend.History(ctx, args[0], chatHistoryLimit)
	if err != nil {
		return fmt.Sprintf("Error getting history of %s: %v", args[0], err)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No history for `%s`.", args[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*History of* `%s`:", args[0])
	for _, m := range msgs {
		fmt.Fprintf(&b, "\n%s %s", m.Timestamp.UTC().Format("15:04:05"), truncate(FormatEnvelope(m), 300))
	}
	return b.String()
}

func (ch *CommandHandler) cmdPolicy() string {
	if ch.engine == nil {
		return "Approval policy is not configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Default:* %s", ch.engine.DefaultLevel())
	rules := ch.engine.Rules()
	if len(rules) == 0 {
		b.WriteString("\n*Rules:* none")
	} else {
		b.WriteString("\n*Rules:*")
		for _, r := range rules {
			fmt.Fprintf(&b, "\n- %s → %s", ruleScope(r), r.Approval)
		}
	}
	grants := ch.engine.Grants()
	if len(grants) > 0 {
		b.WriteString("\n*Grants:*")
		for _, g := range grants {
			scope := "session"
			if g.MissionID != "" {
				scope = "mission " + g.MissionID
			}
			fmt.Fprintf(&b, "\n- %s → %s (%s, %s)", g.From, g.To, g.Level, scope)
		}
	}
	if ch.approver != nil {
		if ids := ch.approver.Pending(); len(ids) > 0 {
			fmt.Fprintf(&b, "\n*Pending approvals:* %s", strings.Join(ids, ", "))
		}
	}
	return b.String()
}

func ruleScope(r approval.Rule) string {
	or := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	s := fmt.Sprintf("%s → %s [%s]", or(r.From), or(r.To), or(r.Type))
	if r.MessagePattern != "" {
		s += fmt.Sprintf(" /%s/", r.MessagePattern)
	}
	if r.Label != "" {
		s = r.Label + ": " + s
	}
	return s
}

func (ch *CommandHandler) cmdApprove(args []string) string {
	if ch.approver == nil {
		return "Approvals are not handled here."
	}
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s approve <message-id> [once|mission|always]`", commandPrefix)
	}
	resp := approval.ResponseOnce
	if len(args) > 1 {
		resp = approval.ParseResponse(args[1])
		if !resp.Approved() {
			return fmt.Sprintf("Unknown approval level `%s` (once, mission, always).", args[1])
		}
	}
	return resolveText(ch.approver, args[0], resp)
}

func (ch *CommandHandler) cmdDeny(args []string) string {
	if ch.approver == nil {
		return "Approvals are not handled here."
	}
	if len(args) == 0 {
		return fmt.Sprintf("Usage: `%s deny <message-id>`", commandPrefix)
	}
	return resolveText(ch.approver, args[0], approval.ResponseDeny)
}

// resolveText answers a pending approval and returns the confirmation.
func resolveText(a *Approver, id string, resp approval.Response) string {
	if !a.Resolve(id, resp) {
		return fmt.Sprintf("No pending approval for `%s`.", id)
	}
	if !resp.Approved() {
		return "❌ Denied."
	}
	return fmt.Sprintf("✅ Approved (%s).", resp)
}

func (ch *CommandHandler) cmdJoin(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return fmt.Sprintf("Usage: `%s join approve|deny <machine-id>`", commandPrefix)
	}
	return joinText(ctx, ch.backend, args[1], args[0])
}

// joinText approves or denies a pending join and returns the confirmation.
func joinText(ctx context.Context, b Backend, machineID, verb string) string {
	switch verb {
	case "approve":
		if err := b.ApproveJoin(ctx, machineID); err != nil {
			return fmt.Sprintf("Error approving %s: %v", machineID, err)
		}
		return fmt.Sprintf("✅ Machine `%s` approved and registered.", machineID)
	case "deny":
		if err := b.DenyJoin(ctx, machineID); err != nil {
			return fmt.Sprintf("Error denying %s: %v", machineID, err)
		}
		return fmt.Sprintf("❌ Machine `%s` denied.", machineID)
	}
	return fmt.Sprintf("Unknown join action `%s` (approve, deny).", verb)
}

// formatResult renders a route result as one line.
func formatResult(what string, res router.Result) string {
	line := fmt.Sprintf("%s: %s", what, res.Status())
	if id := res.MissionID(); id != "" {
		line += fmt.Sprintf(" (mission `%s`)", id)
	}
	if reason := res.Reason(); reason != "" {
		line += " - " + reason
	}
	return line
}

func (ch *CommandHandler) helpText() string {
	p := commandPrefix
	return strings.Join([]string{
		"*Intercom commands:*",
		fmt.Sprintf("`%s agents [status]` - list registered agents", p),
		fmt.Sprintf("`%s machines` - list machines", p),
		fmt.Sprintf("`%s start <machine>/<project> [mission]` - launch an agent", p),
		fmt.Sprintf("`%s stop <mission-id>` - stop a running mission", p),
		fmt.Sprintf("`%s status <mission-id>` - show mission progress", p),
		fmt.Sprintf("`%s history <mission-id>` - show mission messages", p),
		fmt.Sprintf("`%s policy` - show approval rules and grants", p),
		fmt.Sprintf("`%s approve <message-id> [once|mission|always]` / `%s deny <message-id>`", p, p),
		fmt.Sprintf("`%s join approve|deny <machine-id>` - answer a join request", p),
		fmt.Sprintf("`%s help` - this message", p),
	}, "\n")
}
