package envelope

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// --- Address tests ---

func TestParseAddress_Valid(t *testing.T) {
	a, err := ParseAddress("laptop/webapp")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if a.Machine != "laptop" || a.Project != "webapp" {
		t.Errorf("got %+v, want laptop/webapp", a)
	}
	if a.IsHuman() {
		t.Error("IsHuman = true, want false")
	}
}

func TestParseAddress_SplitsOnFirstSlash(t *testing.T) {
	a, err := ParseAddress("laptop/team/api")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if a.Machine != "laptop" || a.Project != "team/api" {
		t.Errorf("got %+v, want machine=laptop project=team/api", a)
	}
}

func TestParseAddress_Human(t *testing.T) {
	a, err := ParseAddress("human")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if !a.IsHuman() {
		t.Error("IsHuman = false, want true")
	}
	if a.String() != "human" {
		t.Errorf("String() = %q, want %q", a.String(), "human")
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, s := range []string{"", "laptop", "/webapp", "laptop/", "/", "Human"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseAddress(s)
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("ParseAddress(%q) error = %v, want ErrInvalidAddress", s, err)
			}
		})
	}
}

func TestProperty_AddressRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		machine := rapid.StringMatching(`[a-z0-9][a-z0-9._-]{0,20}`).Draw(rt, "machine")
		project := rapid.StringMatching(`[a-z0-9][a-z0-9._/-]{0,30}`).Draw(rt, "project")
		s := machine + "/" + project

		a, err := ParseAddress(s)
		if err != nil {
			rt.Fatalf("ParseAddress(%q): %v", s, err)
		}
		if a.String() != s {
			rt.Fatalf("round trip = %q, want %q", a.String(), s)
		}
	})
}

func TestProperty_AddressWithoutSlashRejected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.StringMatching(`[a-z0-9._-]{0,30}`).Draw(rt, "s")
		if s == HumanAddress {
			return
		}
		if _, err := ParseAddress(s); !errors.Is(err, ErrInvalidAddress) {
			rt.Fatalf("ParseAddress(%q) error = %v, want ErrInvalidAddress", s, err)
		}
		if _, err := ParseAddress(s + "/"); !errors.Is(err, ErrInvalidAddress) {
			rt.Fatalf("ParseAddress(%q) accepted empty project", s+"/")
		}
		if _, err := ParseAddress("/" + s); !errors.Is(err, ErrInvalidAddress) {
			rt.Fatalf("ParseAddress(%q) accepted empty machine", "/"+s)
		}
	})
}

// --- Message construction tests ---

var missionIDPattern = regexp.MustCompile(`^m-\d{8}-[0-9a-f]{6}$`)

func TestNew_GeneratesIDs(t *testing.T) {
	m, err := New(MustParseAddress("a/x"), MustParseAddress("b/y"), SendPayload{Message: "hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.ID == "" {
		t.Error("ID is empty")
	}
	if !missionIDPattern.MatchString(m.MissionID) {
		t.Errorf("MissionID = %q, want m-YYYYMMDD-xxxxxx", m.MissionID)
	}
	if m.Type != TypeSend {
		t.Errorf("Type = %q, want %q", m.Type, TypeSend)
	}
	if m.Version != Version {
		t.Errorf("Version = %q, want %q", m.Version, Version)
	}
	if m.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
}

func TestNew_WithMissionID(t *testing.T) {
	m, err := New(Human(), MustParseAddress("b/y"), AskPayload{Message: "q"}, WithMissionID("m-20250101-abcdef"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.MissionID != "m-20250101-abcdef" {
		t.Errorf("MissionID = %q, want m-20250101-abcdef", m.MissionID)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	m, err := New(Human(), MustParseAddress("b/y"), AskPayload{Message: "q"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ask := m.Payload.(AskPayload)
	if ask.Timeout != DefaultAskTimeout {
		t.Errorf("Timeout = %d, want %d", ask.Timeout, DefaultAskTimeout)
	}
	if ask.RequireApproval != "auto" {
		t.Errorf("RequireApproval = %q, want auto", ask.RequireApproval)
	}

	m, err = New(Human(), MustParseAddress("b/y"), SendPayload{Message: "x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p := m.Payload.(SendPayload).Priority; p != PriorityNormal {
		t.Errorf("Priority = %q, want normal", p)
	}

	m, err = New(Human(), MustParseAddress("b/y"), ChatPayload{Message: "x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if id := m.Payload.(ChatPayload).ThreadID; !strings.HasPrefix(id, "t-") {
		t.Errorf("ThreadID = %q, want t- prefix", id)
	}
}

func TestNew_RejectsInvalidPayloads(t *testing.T) {
	to := MustParseAddress("b/y")
	tests := []struct {
		name string
		p    Payload
	}{
		{"send without message", SendPayload{}},
		{"send bad priority", SendPayload{Message: "x", Priority: "whenever"}},
		{"ask without message", AskPayload{}},
		{"ask negative timeout", AskPayload{Message: "x", Timeout: -1}},
		{"start_agent without mission", StartAgentPayload{}},
		{"response without message", ResponsePayload{}},
		{"status without status", StatusPayload{}},
		{"chat without message", ChatPayload{}},
		{"nil payload", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Human(), to, tt.p)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestNew_RejectsZeroAddresses(t *testing.T) {
	if _, err := New(Address{}, Human(), SendPayload{Message: "x"}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("zero from: error = %v, want ErrInvalidAddress", err)
	}
	if _, err := New(Human(), Address{}, SendPayload{Message: "x"}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("zero to: error = %v, want ErrInvalidAddress", err)
	}
}

// --- JSON tests ---

func TestMessage_JSONWireShape(t *testing.T) {
	m, err := New(MustParseAddress("a/x"), MustParseAddress("b/y"), StartAgentPayload{Mission: "fix tests"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal raw: %v", err)
	}
	if raw["from_agent"] != "a/x" {
		t.Errorf("from_agent = %v, want a/x", raw["from_agent"])
	}
	if raw["to_agent"] != "b/y" {
		t.Errorf("to_agent = %v, want b/y", raw["to_agent"])
	}
	if raw["type"] != "start_agent" {
		t.Errorf("type = %v, want start_agent", raw["type"])
	}
	payload, ok := raw["payload"].(map[string]any)
	if !ok || payload["mission"] != "fix tests" {
		t.Errorf("payload = %v, want mission=fix tests", raw["payload"])
	}
}

func TestMessage_UnmarshalSelectsVariant(t *testing.T) {
	data := `{"from_agent":"human","to_agent":"b/y","type":"ask","payload":{"message":"status?"}}`
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ask, ok := m.Payload.(AskPayload)
	if !ok {
		t.Fatalf("Payload type = %T, want AskPayload", m.Payload)
	}
	if ask.Message != "status?" || ask.Timeout != DefaultAskTimeout {
		t.Errorf("payload = %+v", ask)
	}
	if !m.From.IsHuman() {
		t.Error("From should be human")
	}
	if m.ID == "" || m.MissionID == "" {
		t.Error("missing generated ids")
	}
}

func TestMessage_UnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"bad address", `{"from_agent":"nobody","to_agent":"b/y","type":"send","payload":{"message":"x"}}`, ErrInvalidAddress},
		{"unknown type", `{"from_agent":"a/x","to_agent":"b/y","type":"shout","payload":{}}`, ErrInvalidPayload},
		{"missing field", `{"from_agent":"a/x","to_agent":"b/y","type":"start_agent","payload":{}}`, ErrInvalidPayload},
		{"missing to", `{"from_agent":"a/x","type":"send","payload":{"message":"x"}}`, ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			err := json.Unmarshal([]byte(tt.data), &m)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPayloadText(t *testing.T) {
	if got := (StartAgentPayload{Mission: "m"}).Text(); got != "" {
		t.Errorf("StartAgentPayload.Text() = %q, want empty", got)
	}
	if got := MissionText(StartAgentPayload{Mission: "m"}); got != "m" {
		t.Errorf("MissionText(start_agent) = %q, want m", got)
	}
	if got := MissionText(AskPayload{Message: "q"}); got != "q" {
		t.Errorf("MissionText(ask) = %q, want q", got)
	}
}
