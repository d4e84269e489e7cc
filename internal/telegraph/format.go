package telegraph

import (
	"fmt"
	"strings"

	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/launcher"
	"github.com/zulandar/intercom/internal/tracker"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Action id prefixes of the buttons the bridge posts.
const (
	actionApprove = "approve"
	actionJoin    = "join"
)

const (
	threadNameLen   = 50
	approvalBodyLen = 500
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// FormatEnvelope renders a routed envelope as one chat line.
func FormatEnvelope(msg envelope.Message) string {
	text := envelope.MissionText(msg.Payload)
	if text == "" {
		if p, ok := msg.Payload.(envelope.StatusPayload); ok {
			text = "_" + p.Status + "_"
			if p.Detail != "" {
				text += " " + p.Detail
			}
		}
	}
	if msg.From.IsHuman() {
		return fmt.Sprintf("🧑 *%s*: %s", msg.From, text)
	}
	return fmt.Sprintf("🤖 *%s*: %s", msg.From, text)
}

// ThreadName names the chat thread of the mission msg belongs to.
func ThreadName(msg envelope.Message) string {
	return fmt.Sprintf("%s: %s", msg.To, clipRunes(firstLine(envelope.MissionText(msg.Payload)), threadNameLen))
}

// FormatApproval builds the approval prompt for msg with its four buttons.
func FormatApproval(msg envelope.Message) OutboundMessage {
	text := fmt.Sprintf("🔔 *Approval Required*\n\n*From:* %s\n*To:* %s\n*Type:* %s\n\n%s",
		msg.From, msg.To, msg.Type, clipRunes(envelope.MissionText(msg.Payload), approvalBodyLen))
	id := actionApprove + ":" + msg.ID
	return OutboundMessage{
		Text: text,
		Buttons: []Button{
			{Label: "✅ Once", ActionID: id, Value: string(approval.ResponseOnce), Style: StylePrimary},
			{Label: "✅ This mission", ActionID: id, Value: string(approval.ResponseMission)},
			{Label: "✅ Always", ActionID: id, Value: string(approval.ResponseAlways)},
			{Label: "❌ Deny", ActionID: id, Value: "deny", Style: StyleDanger},
		},
	}
}

// FormatJoin builds the announcement of a pending join request.
func FormatJoin(machineID, displayName, address string) OutboundMessage {
	text := fmt.Sprintf("🆕 *Join request*\n\n*Machine:* %s\n*Name:* %s", machineID, displayName)
	if address != "" {
		text += "\n*Address:* " + address
	}
	id := actionJoin + ":" + machineID
	return OutboundMessage{
		Text: text,
		Buttons: []Button{
			{Label: "✅ Approve", ActionID: id, Value: "approve", Style: StylePrimary},
			{Label: "❌ Deny", ActionID: id, Value: "deny", Style: StyleDanger},
		},
	}
}

// FormatReport renders a tracker report. Final reports carry a colored
// event with the mission's outcome.
func FormatReport(r tracker.Report) OutboundMessage {
	switch r.Kind {
	case tracker.ReportFinal:
		severity := "success"
		title := "Mission completed"
		if r.Status == launcher.StatusFailed {
			severity = "error"
			title = "Mission failed"
		}
		return OutboundMessage{
			Text: r.Text,
			Events: []FormattedEvent{{
				Title:    title,
				Severity: severity,
				Color:    severityColor(severity),
				Fields: []Field{
					{Name: "Agent", Value: r.Target, Short: true},
					{Name: "Mission", Value: r.MissionID, Short: true},
					{Name: "Elapsed", Value: tracker.FormatElapsed(r.Elapsed), Short: true},
				},
			}},
		}
	case tracker.ReportUnreachable, tracker.ReportTimeout:
		return OutboundMessage{
			Text: r.Text,
			Events: []FormattedEvent{{
				Title:    "Mission " + string(r.Kind),
				Severity: "warning",
				Color:    ColorWarning,
				Fields:   []Field{{Name: "Mission", Value: r.MissionID, Short: true}},
			}},
		}
	}
	return OutboundMessage{Text: r.Text}
}

// parseAction splits an action id "<kind>:<key>".
func parseAction(a *Action) (kind, key string, ok bool) {
	if a == nil {
		return "", "", false
	}
	kind, key, ok = strings.Cut(a.ID, ":")
	if !ok || key == "" {
		return "", "", false
	}
	return kind, key, true
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
