package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/auth"
	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/metrics"
)

// --- doubles ---

type fakeResolver map[string]Node

func (f fakeResolver) GetNode(_ context.Context, id string) (Node, bool, error) {
	n, ok := f[id]
	return n, ok, nil
}

type errResolver struct{}

func (errResolver) GetNode(context.Context, string) (Node, bool, error) {
	return Node{}, false, errors.New("db down")
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []envelope.Message
	reply map[string]any
	err   error
}

func (f *fakeTransport) Dispatch(_ context.Context, _ Node, msg envelope.Message) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]any{}
	for k, v := range f.reply {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []envelope.Message
	err  error
}

func (f *fakeSink) Notify(_ context.Context, msg envelope.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) Notify(ctx context.Context, _ envelope.Message) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

type countingPrompter struct {
	mu    sync.Mutex
	calls int
	resp  approval.Response
	err   error
}

func (p *countingPrompter) RequestApproval(context.Context, envelope.Message, time.Duration) (approval.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.resp, p.err
}

func engine(t *testing.T, yml string) *approval.Engine {
	t.Helper()
	p, err := approval.ParsePolicies([]byte(yml))
	if err != nil {
		t.Fatalf("ParsePolicies: %v", err)
	}
	e, err := approval.New(p)
	if err != nil {
		t.Fatalf("approval.New: %v", err)
	}
	return e
}

const neverPolicy = "defaults:\n  require_approval: never\n"
const oncePolicy = "defaults:\n  require_approval: once\n"

func askMsg(t *testing.T, to string) envelope.Message {
	t.Helper()
	msg, err := envelope.New(
		envelope.MustParseAddress("laptop/app"),
		envelope.MustParseAddress(to),
		envelope.AskPayload{Message: "run the tests"},
		envelope.WithMissionID("m-20250601-abcdef"),
	)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return msg
}

var onlineNodes = fakeResolver{
	"server": {ID: "server", URL: "http://server:7701", Secret: "s", Status: NodeOnline},
	"old":    {ID: "old", Status: NodeOffline},
	"stolen": {ID: "stolen", Status: NodeRevoked},
	"fresh":  {ID: "fresh", URL: "http://fresh:7701", Status: NodeUnknown},
}

// --- target resolution ---

func TestRoute_UnknownMachine(t *testing.T) {
	tr := &fakeTransport{}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: tr})

	res := r.Route(context.Background(), askMsg(t, "ghost/app"))
	if res.Status() != StatusError {
		t.Errorf("status = %q, want error", res.Status())
	}
	if !strings.Contains(res.Reason(), "Unknown machine: ghost") {
		t.Errorf("error = %q, want unknown machine", res.Reason())
	}
	if tr.count() != 0 {
		t.Errorf("dispatched %d times, want 0", tr.count())
	}
}

func TestRoute_UnavailableMachine(t *testing.T) {
	for _, id := range []string{"old", "stolen"} {
		t.Run(id, func(t *testing.T) {
			tr := &fakeTransport{}
			r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: tr})
			res := r.Route(context.Background(), askMsg(t, id+"/app"))
			if res.Status() != StatusError {
				t.Errorf("status = %q, want error", res.Status())
			}
			want := onlineNodes[id].Status
			if !strings.Contains(res.Reason(), want) {
				t.Errorf("error = %q, want it to mention %q", res.Reason(), want)
			}
			if tr.count() != 0 {
				t.Errorf("dispatched %d times, want 0", tr.count())
			}
		})
	}
}

func TestRoute_ResolverError(t *testing.T) {
	r := New(Opts{Resolver: errResolver{}, Approval: engine(t, neverPolicy), Transport: &fakeTransport{}})
	res := r.Route(context.Background(), askMsg(t, "server/app"))
	if res.Status() != StatusError || !strings.Contains(res.Reason(), "db down") {
		t.Errorf("result = %v", res)
	}
}

func TestRoute_UnknownStatusIsRoutable(t *testing.T) {
	tr := &fakeTransport{reply: map[string]any{"status": "received"}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: tr})
	if res := r.Route(context.Background(), askMsg(t, "fresh/app")); res.Status() != StatusReceived {
		t.Errorf("status = %q, want received", res.Status())
	}
}

// --- approval ---

func TestRoute_NeverSkipsPrompt(t *testing.T) {
	p := &countingPrompter{}
	tr := &fakeTransport{reply: map[string]any{"status": "launched"}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Prompter: p, Transport: tr})

	res := r.Route(context.Background(), askMsg(t, "server/app"))
	if res.Status() != StatusLaunched {
		t.Errorf("status = %q, want launched", res.Status())
	}
	if p.calls != 0 {
		t.Errorf("prompter called %d times, want 0", p.calls)
	}
}

func TestRoute_AlwaysAllowRuleSkipsPrompt(t *testing.T) {
	yml := oncePolicy + "rules:\n  - from: \"laptop/*\"\n    to: \"server/*\"\n    approval: always_allow\n"
	p := &countingPrompter{}
	tr := &fakeTransport{reply: map[string]any{"status": "launched"}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, yml), Prompter: p, Transport: tr})

	r.Route(context.Background(), askMsg(t, "server/app"))
	if p.calls != 0 {
		t.Errorf("prompter called %d times, want 0", p.calls)
	}
	if tr.count() != 1 {
		t.Errorf("dispatched %d times, want 1", tr.count())
	}
}

func TestRoute_Denied(t *testing.T) {
	tests := []struct {
		name string
		p    *countingPrompter
	}{
		{"explicit deny", &countingPrompter{resp: approval.ResponseDeny}},
		{"prompter error", &countingPrompter{resp: approval.ResponseOnce, err: errors.New("chat down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			sink := &fakeSink{}
			r := New(Opts{Resolver: onlineNodes, Approval: engine(t, oncePolicy), Prompter: tt.p, Sink: sink, Transport: tr})

			res := r.Route(context.Background(), askMsg(t, "server/app"))
			r.Wait()
			if res.Status() != StatusDenied {
				t.Errorf("status = %q, want denied", res.Status())
			}
			if tr.count() != 0 {
				t.Errorf("dispatched %d times, want 0", tr.count())
			}
			if sink.count() != 0 {
				t.Errorf("sink notified %d times, want 0", sink.count())
			}
		})
	}
}

func TestRoute_NoPrompterDenies(t *testing.T) {
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, oncePolicy), Transport: &fakeTransport{}})
	res := r.Route(context.Background(), askMsg(t, "server/app"))
	if res.Status() != StatusDenied {
		t.Errorf("status = %q, want denied", res.Status())
	}
}

func TestRoute_OnceDoesNotGrant(t *testing.T) {
	e := engine(t, oncePolicy)
	p := &countingPrompter{resp: approval.ResponseOnce}
	tr := &fakeTransport{reply: map[string]any{"status": "launched"}}
	r := New(Opts{Resolver: onlineNodes, Approval: e, Prompter: p, Transport: tr})

	msg := askMsg(t, "server/app")
	r.Route(context.Background(), msg)
	r.Route(context.Background(), msg)
	if p.calls != 2 {
		t.Errorf("prompter called %d times, want 2", p.calls)
	}
	if len(e.Grants()) != 0 {
		t.Errorf("grants = %v, want none", e.Grants())
	}
}

func TestRoute_MissionGrantSkipsLaterPrompts(t *testing.T) {
	e := engine(t, oncePolicy)
	p := &countingPrompter{resp: approval.ResponseMission}
	tr := &fakeTransport{reply: map[string]any{"status": "launched"}}
	r := New(Opts{Resolver: onlineNodes, Approval: e, Prompter: p, Transport: tr})

	msg := askMsg(t, "server/app")
	r.Route(context.Background(), msg)
	res := r.Route(context.Background(), msg)
	if res.Status() != StatusLaunched {
		t.Errorf("status = %q, want launched", res.Status())
	}
	if p.calls != 1 {
		t.Errorf("prompter called %d times, want 1", p.calls)
	}

	// A different mission between the same agents asks again.
	other, _ := envelope.New(msg.From, msg.To, envelope.AskPayload{Message: "x"}, envelope.WithMissionID("m-20250601-000000"))
	r.Route(context.Background(), other)
	if p.calls != 2 {
		t.Errorf("prompter called %d times after new mission, want 2", p.calls)
	}
}

func TestRoute_AlwaysGrantCoversSession(t *testing.T) {
	e := engine(t, oncePolicy)
	p := &countingPrompter{resp: approval.ResponseAlways}
	r := New(Opts{Resolver: onlineNodes, Approval: e, Prompter: p, Transport: &fakeTransport{reply: map[string]any{"status": "launched"}}})

	msg := askMsg(t, "server/app")
	r.Route(context.Background(), msg)
	other, _ := envelope.New(msg.From, msg.To, envelope.AskPayload{Message: "x"}, envelope.WithMissionID("m-20250601-111111"))
	r.Route(context.Background(), other)
	if p.calls != 1 {
		t.Errorf("prompter called %d times, want 1", p.calls)
	}
}

// --- dispatch ---

func TestRoute_AddsMissionID(t *testing.T) {
	tr := &fakeTransport{reply: map[string]any{"status": "received"}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: tr})

	res := r.Route(context.Background(), askMsg(t, "server/app"))
	if res.MissionID() != "m-20250601-abcdef" {
		t.Errorf("mission_id = %q, want m-20250601-abcdef", res.MissionID())
	}
}

func TestRoute_KeepsTransportMissionID(t *testing.T) {
	tr := &fakeTransport{reply: map[string]any{"status": "launched", "mission_id": "m-other", "extra": 1.0}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: tr})

	res := r.Route(context.Background(), askMsg(t, "server/app"))
	if res.MissionID() != "m-other" {
		t.Errorf("mission_id = %q, want m-other", res.MissionID())
	}
	if res["extra"] != 1.0 {
		t.Errorf("extra = %v, want verbatim body", res["extra"])
	}
}

func TestRoute_ReplyWithoutStatusIsVerbatim(t *testing.T) {
	tr := &fakeTransport{reply: map[string]any{"queued": true}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: tr})

	res := r.Route(context.Background(), askMsg(t, "server/app"))
	if _, ok := res["status"]; ok {
		t.Errorf("status = %v, want the reply left without one", res["status"])
	}
	if res["queued"] != true || res.MissionID() != "m-20250601-abcdef" {
		t.Errorf("res = %v, want verbatim body plus mission_id", res)
	}
	if res.OK() {
		t.Error("OK() = true for a reply without status")
	}
}

func TestRoute_DispatchError(t *testing.T) {
	tr := &fakeTransport{err: errors.New("connection refused")}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: tr})

	res := r.Route(context.Background(), askMsg(t, "server/app"))
	if res.Status() != StatusError {
		t.Errorf("status = %q, want error", res.Status())
	}
	if !strings.Contains(res.Reason(), "connection refused") {
		t.Errorf("error = %q", res.Reason())
	}
}

// --- notification ---

func TestRoute_NotifiesSink(t *testing.T) {
	sink := &fakeSink{err: errors.New("chat unavailable")}
	tr := &fakeTransport{reply: map[string]any{"status": "launched"}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Sink: sink, Transport: tr})

	res := r.Route(context.Background(), askMsg(t, "server/app"))
	r.Wait()
	if res.Status() != StatusLaunched {
		t.Errorf("status = %q, want launched despite sink failure", res.Status())
	}
	if sink.count() != 1 {
		t.Errorf("sink notified %d times, want 1", sink.count())
	}
}

func TestRoute_SlowSinkDoesNotBlock(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	tr := &fakeTransport{reply: map[string]any{"status": "launched"}}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Sink: sink, Transport: tr})

	done := make(chan Result, 1)
	go func() { done <- r.Route(context.Background(), askMsg(t, "server/app")) }()
	select {
	case res := <-done:
		if res.Status() != StatusLaunched {
			t.Errorf("status = %q", res.Status())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Route blocked on the sink")
	}
	close(sink.release)
	r.Wait()
}

func TestRoute_HumanRecipient(t *testing.T) {
	sink := &fakeSink{}
	tr := &fakeTransport{}
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, oncePolicy), Sink: sink, Transport: tr})

	msg, err := envelope.New(envelope.MustParseAddress("server/app"), envelope.Human(), envelope.ResponsePayload{Message: "done"})
	if err != nil {
		t.Fatal(err)
	}
	res := r.Route(context.Background(), msg)
	r.Wait()
	if res.Status() != StatusDelivered {
		t.Errorf("status = %q, want delivered", res.Status())
	}
	if tr.count() != 0 || sink.count() != 1 {
		t.Errorf("dispatch=%d sink=%d, want 0/1", tr.count(), sink.count())
	}
}

func TestRoute_Metrics(t *testing.T) {
	m := metrics.New()
	r := New(Opts{Resolver: onlineNodes, Approval: engine(t, neverPolicy), Transport: &fakeTransport{reply: map[string]any{"status": "launched"}}, Metrics: m})
	r.Route(context.Background(), askMsg(t, "server/app"))
	r.Route(context.Background(), askMsg(t, "ghost/app"))

	n, err := testutil.GatherAndCount(m.Registry(), "intercom_routed_messages_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("routed series = %d, want 2 (launched, error)", n)
	}
}

// --- HTTP transport ---

func TestHTTPTransport_Dispatch(t *testing.T) {
	var gotMachine, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		gotPath = req.URL.Path
		gotMachine = auth.MachineID(req.Header)
		if !auth.Verify(body, req.Header, "node-secret") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var msg envelope.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "launched", "mission_id": msg.MissionID})
	}))
	defer srv.Close()

	tr := NewHTTPTransport("hub")
	node := Node{ID: "server", URL: srv.URL + "/", Secret: "node-secret"}
	out, err := tr.Dispatch(context.Background(), node, askMsg(t, "server/app"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out["status"] != "launched" || out["mission_id"] != "m-20250601-abcdef" {
		t.Errorf("reply = %v", out)
	}
	if gotPath != "/api/message" {
		t.Errorf("path = %q, want /api/message", gotPath)
	}
	if gotMachine != "hub" {
		t.Errorf("machine header = %q, want hub", gotMachine)
	}

	// Wrong secret is rejected by the daemon and surfaces as an error.
	node.Secret = "wrong"
	if _, err := tr.Dispatch(context.Background(), node, askMsg(t, "server/app")); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want 401", err)
	}
}

func TestHTTPTransport_BadReplies(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   string
		substr string
	}{
		{"server error", 500, "boom", "500"},
		{"not json", 200, "<html>", "decode"},
		{"null", 200, "null", "empty JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPTransport("hub").Dispatch(context.Background(), Node{ID: "n", URL: srv.URL}, askMsg(t, "n/p"))
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("err = %v, want substring %q", err, tt.substr)
			}
		})
	}
}

func TestHTTPTransport_NoURL(t *testing.T) {
	_, err := NewHTTPTransport("hub").Dispatch(context.Background(), Node{ID: "n"}, askMsg(t, "n/p"))
	if err == nil || !strings.Contains(err.Error(), "no daemon url") {
		t.Errorf("err = %v", err)
	}
}

func TestHTTPTransport_MissionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !auth.Verify(nil, req.Header, "s") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch req.URL.Path {
		case "/api/missions/m-1":
			if req.URL.Query().Get("feedback_since") != "3" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			io.WriteString(w, `{"mission_id":"m-1","status":"running","output":null,"feedback":[{"kind":"tool","summary":"📖 Reading a.go"}],"feedback_total":4,"turn_count":2}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport("hub")
	node := Node{ID: "n", URL: srv.URL, Secret: "s"}
	snap, err := tr.MissionStatus(context.Background(), node, "m-1", 3)
	if err != nil {
		t.Fatalf("MissionStatus: %v", err)
	}
	if snap.Status != "running" || snap.FeedbackTotal != 4 || snap.TurnCount != 2 || len(snap.Feedback) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Output != nil {
		t.Errorf("Output = %v, want nil", *snap.Output)
	}

	_, err = tr.MissionStatus(context.Background(), node, "m-missing", 0)
	if !errors.Is(err, ErrMissionNotFound) {
		t.Errorf("err = %v, want ErrMissionNotFound", err)
	}
}

func TestHTTPTransport_StopMission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodDelete || !auth.Verify(nil, req.Header, "s") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"stopped":true}`)
	}))
	defer srv.Close()

	stopped, err := NewHTTPTransport("hub").StopMission(context.Background(), Node{ID: "n", URL: srv.URL, Secret: "s"}, "m-1")
	if err != nil || !stopped {
		t.Errorf("StopMission = %v, %v; want true, nil", stopped, err)
	}
}

func TestResult_OK(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusLaunched, true},
		{StatusReceived, true},
		{StatusDelivered, true},
		{StatusError, false},
		{StatusDenied, false},
		{StatusLaunchFailed, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := (Result{"status": tt.status}).OK(); got != tt.want {
			t.Errorf("OK(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
