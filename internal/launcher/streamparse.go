package launcher

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// textFeedbackMin is the shortest assistant text reported as progress.
// Shorter text is treated as acknowledgement noise.
const textFeedbackMin = 20

type toolLabel struct {
	emoji string
	label string
}

var toolLabels = map[string]toolLabel{
	"Read":       {"📖", "Reading"},
	"Edit":       {"✏️", "Editing"},
	"Write":      {"📝", "Writing"},
	"Bash":       {"💻", "Running"},
	"Glob":       {"🔍", "Finding files"},
	"Grep":       {"🔍", "Searching code"},
	"Agent":      {"🤖", "Sub-agent"},
	"Task":       {"🤖", "Sub-agent"},
	"WebSearch":  {"🌐", "Web search"},
	"WebFetch":   {"🌐", "Fetching"},
	"Skill":      {"⚙️", "Skill"},
	"TaskCreate": {"📋", "Creating task"},
	"TaskUpdate": {"📋", "Updating task"},
	"TodoWrite":  {"📋", "Updating todos"},
}

const unknownToolEmoji = "🔧"

// streamEvent is used for initial type dispatch.
type streamEvent struct {
	Type string `json:"type"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	Text  string          `json:"text"`
}

type assistantEvent struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type resultEvent struct {
	Result string `json:"result"`
	Text   string `json:"text"`
}

type systemEvent struct {
	Subtype string `json:"subtype"`
	Model   string `json:"model"`
}

// StreamUpdate is what one stream-json line contributes to a mission.
type StreamUpdate struct {
	Feedback []FeedbackItem
	Turns    int
	// Final is set when the line is a result event.
	Final    string
	HasFinal bool
}

// ParseStreamLine decodes one line of agent output. Lines that are not JSON
// objects, or are events we do not track, yield a zero StreamUpdate.
func ParseStreamLine(line string, now time.Time) StreamUpdate {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return StreamUpdate{}
	}

	var evt streamEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return StreamUpdate{}
	}

	var u StreamUpdate
	switch evt.Type {
	case "assistant":
		var a assistantEvent
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return StreamUpdate{}
		}
		for _, b := range a.Message.Content {
			switch b.Type {
			case "tool_use":
				u.Turns++
				u.Feedback = append(u.Feedback, FeedbackItem{
					Timestamp: now,
					Kind:      KindTool,
					Summary:   summarizeTool(b.Name, b.Input),
				})
			case "text":
				if len([]rune(b.Text)) > textFeedbackMin {
					u.Feedback = append(u.Feedback, FeedbackItem{
						Timestamp: now,
						Kind:      KindText,
						Summary:   "💬 Writing response...",
					})
				}
			}
		}
	case "result":
		var r resultEvent
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return StreamUpdate{}
		}
		u.HasFinal = true
		u.Final = r.Result
		if u.Final == "" {
			u.Final = r.Text
		}
	case "system":
		var s systemEvent
		if err := json.Unmarshal([]byte(line), &s); err != nil || s.Subtype != "init" {
			return StreamUpdate{}
		}
		summary := "🚀 Agent started"
		if s.Model != "" {
			summary += " (" + s.Model + ")"
		}
		u.Feedback = append(u.Feedback, FeedbackItem{Timestamp: now, Kind: KindSystem, Summary: summary})
	}
	return u
}

// summarizeTool renders "<emoji> <label> <detail>" for a tool_use block.
func summarizeTool(name string, rawInput json.RawMessage) string {
	tl, ok := toolLabels[name]
	if !ok {
		tl = toolLabel{emoji: unknownToolEmoji, label: name}
	}
	var input map[string]any
	_ = json.Unmarshal(rawInput, &input)

	head := strings.TrimSpace(tl.emoji + " " + tl.label)
	if detail := toolDetail(name, input); detail != "" {
		return head + " " + detail
	}
	return head
}

func toolDetail(name string, input map[string]any) string {
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}

	switch name {
	case "Read", "Edit", "Write":
		return lastSegments(str("file_path"), 2)
	case "Bash":
		return truncate(str("command"), 80)
	case "Grep", "Glob":
		return str("pattern")
	case "Agent", "Task":
		if d := str("description"); d != "" {
			return d
		}
		return clip(str("prompt"), 60)
	case "Skill":
		return str("skill")
	case "WebSearch", "WebFetch":
		if q := str("query"); q != "" {
			return clip(q, 60)
		}
		return clip(str("url"), 60)
	}
	return ""
}

// lastSegments returns the final n elements of a slash path.
func lastSegments(p string, n int) string {
	if p == "" {
		return ""
	}
	parts := strings.FieldsFunc(filepath.ToSlash(p), func(r rune) bool { return r == '/' })
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, "/")
}

// clip cuts s to n runes without a marker.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// truncate cuts s to n runes and appends "..." when it was longer.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
