package messaging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/tracker"
)

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		name string
		msg  envelope.Message
		want bool
	}{
		{"human target", mustMsg(t, "a/b", "human", envelope.ResponsePayload{Message: "x"}, "m", 0), true},
		{"urgent send", mustMsg(t, "a/b", "c/d", envelope.SendPayload{Message: "x", Priority: envelope.PriorityUrgent}, "m", 0), true},
		{"ask launches", mustMsg(t, "a/b", "c/d", envelope.AskPayload{Message: "x"}, "m", 0), true},
		{"normal send", mustMsg(t, "a/b", "c/d", envelope.SendPayload{Message: "x"}, "m", 0), false},
		{"chat", mustMsg(t, "a/b", "c/d", envelope.ChatPayload{Message: "x"}, "m", 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldNotify(tt.msg); got != tt.want {
				t.Errorf("shouldNotify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTemplateMessage(t *testing.T) {
	f := fields{From: "server/api", To: "human", Type: "response", MissionID: "m-1", Message: "it's done"}
	cmd := "notify-send '{{.From}} ({{.MissionID}})' '{{.Message}}' --category={{.Type}}"
	got := templateMessage(cmd, f)
	want := `notify-send 'server/api (m-1)' 'it'\''s done' --category=response`
	if got != want {
		t.Errorf("templateMessage =\n  %q\nwant\n  %q", got, want)
	}
}

func TestTemplateMessage_EmptyFields(t *testing.T) {
	got := templateMessage("{{.From}} {{.To}} {{.Message}}", fields{})
	if got != "  " {
		t.Errorf("templateMessage = %q, want two spaces", got)
	}
}

func TestCommandNotifier_RunsCommand(t *testing.T) {
	t.Setenv("TMUX", "")
	out := filepath.Join(t.TempDir(), "out.txt")
	n := &CommandNotifier{Command: "printf '%s|%s' '{{.From}}' '{{.Message}}' > " + out}

	msg := mustMsg(t, "server/api", "human", envelope.ResponsePayload{Message: "done"}, "m-1", 0)
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "server/api|done" {
		t.Errorf("output = %q", data)
	}
}

func TestCommandNotifier_Report(t *testing.T) {
	t.Setenv("TMUX", "")
	out := filepath.Join(t.TempDir(), "out.txt")
	n := &CommandNotifier{Command: "printf '%s' '{{.Type}}' >> " + out}

	n.Report(context.Background(), tracker.Report{Kind: tracker.ReportProgress, MissionID: "m-1"})
	n.Report(context.Background(), tracker.Report{Kind: tracker.ReportFinal, MissionID: "m-1", Text: "✅ Completed"})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "final" {
		t.Errorf("output = %q, want only the final report", data)
	}
}

func TestCommandNotifier_FailureIsSwallowed(t *testing.T) {
	t.Setenv("TMUX", "")
	n := &CommandNotifier{Command: "exit 3"}
	msg := mustMsg(t, "a/b", "human", envelope.ResponsePayload{Message: "x"}, "m", 0)
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Errorf("Notify = %v, want nil", err)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("a\nb"); got != "a" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("single"); got != "single" {
		t.Errorf("firstLine = %q", got)
	}
}
