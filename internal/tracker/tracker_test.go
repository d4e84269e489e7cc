package tracker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/launcher"
	"github.com/zulandar/intercom/internal/router"
)

// --- doubles ---

type step struct {
	snap *launcher.Snapshot
	err  error
}

// scriptedSource replays steps; the last step repeats forever.
type scriptedSource struct {
	mu      sync.Mutex
	steps   []step
	i       int
	cursors []int
}

func (s *scriptedSource) MissionStatus(_ context.Context, _ router.Node, _ string, since int) (*launcher.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = append(s.cursors, since)
	st := s.steps[s.i]
	if s.i < len(s.steps)-1 {
		s.i++
	}
	if st.err != nil {
		return nil, st.err
	}
	cp := *st.snap
	return &cp, nil
}

func (s *scriptedSource) seenCursors() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.cursors...)
}

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recordingSink) Report(_ context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

// hungSink never returns from Report, whatever its context says.
type hungSink struct {
	calls chan Report
}

func (h *hungSink) Report(_ context.Context, r Report) error {
	h.calls <- r
	select {}
}

func (r *recordingSink) kinds() []ReportKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReportKind
	for _, rep := range r.reports {
		out = append(out, rep.Kind)
	}
	return out
}

func (r *recordingSink) byKind(k ReportKind) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Report
	for _, rep := range r.reports {
		if rep.Kind == k {
			out = append(out, rep)
		}
	}
	return out
}

type memHistory struct {
	mu   sync.Mutex
	msgs []envelope.Message
}

func (h *memHistory) Record(_ context.Context, msg envelope.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func running(total, turns int, summaries ...string) step {
	fb := make([]launcher.FeedbackItem, len(summaries))
	for i, s := range summaries {
		fb[i] = launcher.FeedbackItem{Kind: launcher.KindTool, Summary: s}
	}
	return step{snap: &launcher.Snapshot{Status: launcher.StatusRunning, Feedback: fb, FeedbackTotal: total, TurnCount: turns}}
}

func finished(status launcher.Status, output string) step {
	return step{snap: &launcher.Snapshot{Status: status, Output: &output}}
}

func target() Target {
	return Target{
		Node:      router.Node{ID: "server"},
		MissionID: "m-20250601-abcdef",
		From:      envelope.MustParseAddress("laptop/app"),
		To:        envelope.MustParseAddress("server/api"),
		InReplyTo: "env-1",
	}
}

func fastOpts(src StatusSource, sink Sink) Opts {
	return Opts{
		Source:           src,
		Sink:             sink,
		PollInterval:     5 * time.Millisecond,
		FallbackInterval: time.Hour,
		Timeout:          5 * time.Second,
	}
}

// --- lifecycle ---

func TestTrack_CompletesAndRecords(t *testing.T) {
	src := &scriptedSource{steps: []step{
		running(1, 1, "📖 Reading a.go"),
		running(1, 1),
		finished(launcher.StatusCompleted, `{"result":"all green"}`),
	}}
	sink := &recordingSink{}
	hist := &memHistory{}
	var cleared []string
	opts := fastOpts(src, sink)
	opts.History = hist
	opts.OnTerminal = func(id string) { cleared = append(cleared, id) }

	if err := New(opts).Track(context.Background(), target()); err != nil {
		t.Fatalf("Track: %v", err)
	}

	finals := sink.byKind(ReportFinal)
	if len(finals) != 1 {
		t.Fatalf("final reports = %d, want 1 (%v)", len(finals), sink.kinds())
	}
	if !strings.HasPrefix(finals[0].Text, "✅ Completed") || !strings.HasSuffix(finals[0].Text, "all green") {
		t.Errorf("final text = %q", finals[0].Text)
	}
	if finals[0].Status != launcher.StatusCompleted {
		t.Errorf("final status = %q", finals[0].Status)
	}

	if len(hist.msgs) != 1 {
		t.Fatalf("history = %d messages, want 1", len(hist.msgs))
	}
	rec := hist.msgs[0]
	if rec.Type != envelope.TypeResponse || rec.MissionID != "m-20250601-abcdef" {
		t.Errorf("recorded = %+v", rec)
	}
	if rec.From.String() != "server/api" || rec.To.String() != "laptop/app" {
		t.Errorf("recorded from/to = %s -> %s", rec.From, rec.To)
	}
	if p := rec.Payload.(envelope.ResponsePayload); p.Message != "all green" || p.InReplyTo != "env-1" {
		t.Errorf("recorded payload = %+v", p)
	}
	if len(cleared) != 1 || cleared[0] != "m-20250601-abcdef" {
		t.Errorf("OnTerminal calls = %v", cleared)
	}
}

func TestTrack_FailedSummary(t *testing.T) {
	src := &scriptedSource{steps: []step{finished(launcher.StatusFailed, "Error (exit 1): boom")}}
	sink := &recordingSink{}
	if err := New(fastOpts(src, sink)).Track(context.Background(), target()); err != nil {
		t.Fatalf("Track: %v", err)
	}
	finals := sink.byKind(ReportFinal)
	if len(finals) != 1 || !strings.HasPrefix(finals[0].Text, "❌ Failed") {
		t.Errorf("finals = %+v", finals)
	}
}

func TestTrack_CursorAdvances(t *testing.T) {
	src := &scriptedSource{steps: []step{
		running(2, 1, "a", "b"),
		running(3, 2, "c"),
		running(3, 2),
		finished(launcher.StatusCompleted, "ok"),
	}}
	if err := New(fastOpts(src, &recordingSink{})).Track(context.Background(), target()); err != nil {
		t.Fatalf("Track: %v", err)
	}
	got := src.seenCursors()
	want := []int{0, 2, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("cursors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cursor[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestTrack_DedupesAndKeepsRecent(t *testing.T) {
	src := &scriptedSource{steps: []step{
		running(7, 3, "a", "a", "b", "c", "d", "e", "f"),
		running(8, 3, "f"),
		finished(launcher.StatusCompleted, "ok"),
	}}
	sink := &recordingSink{}
	opts := fastOpts(src, sink)
	opts.RecentItems = 3
	if err := New(opts).Track(context.Background(), target()); err != nil {
		t.Fatalf("Track: %v", err)
	}

	progress := sink.byKind(ReportProgress)
	if len(progress) != 1 {
		t.Fatalf("progress reports = %d, want 1 (repeat of last summary suppressed)", len(progress))
	}
	text := progress[0].Text
	for _, s := range []string{"\nd\n", "\ne\n", "\nf\n"} {
		if !strings.Contains(text, s) {
			t.Errorf("progress %q missing %q", text, s)
		}
	}
	if strings.Contains(text, "\na\n") {
		t.Errorf("progress %q should keep only the last 3 items", text)
	}
	if !strings.Contains(text, "turn 3") || !strings.Contains(text, "server/api") {
		t.Errorf("progress %q missing turn count or target", text)
	}
}

func TestTrack_Heartbeat(t *testing.T) {
	src := &scriptedSource{steps: []step{running(0, 0)}}
	sink := &recordingSink{}
	opts := fastOpts(src, sink)
	opts.FallbackInterval = 20 * time.Millisecond
	opts.Timeout = 200 * time.Millisecond

	tr := New(opts)
	err := tr.Track(context.Background(), target())
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", err)
	}
	tr.Wait()
	beats := sink.byKind(ReportHeartbeat)
	if len(beats) == 0 {
		t.Fatalf("no heartbeat reports: %v", sink.kinds())
	}
	if !strings.Contains(beats[0].Text, "running") {
		t.Errorf("heartbeat text = %q", beats[0].Text)
	}
	timeouts := sink.byKind(ReportTimeout)
	if len(timeouts) != 1 || !strings.Contains(timeouts[0].Text, "m-20250601-abcdef") {
		t.Errorf("timeout reports = %+v", timeouts)
	}
}

func TestTrack_NotFoundGivesUp(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: router.ErrMissionNotFound}}}
	sink := &recordingSink{}
	opts := fastOpts(src, sink)
	opts.NotFoundRetries = 2

	err := New(opts).Track(context.Background(), target())
	if !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("err = %v, want ErrMissionNotFound", err)
	}
	if n := len(src.seenCursors()); n != 3 {
		t.Errorf("polls = %d, want 3 (retries + 1)", n)
	}
	if len(sink.byKind(ReportUnreachable)) != 1 {
		t.Errorf("reports = %v, want one unreachable", sink.kinds())
	}
}

func TestTrack_TransientErrorsRecover(t *testing.T) {
	boom := step{err: errors.New("connection reset")}
	src := &scriptedSource{steps: []step{boom, boom, running(1, 1, "x"), boom, boom, finished(launcher.StatusCompleted, "ok")}}
	opts := fastOpts(src, &recordingSink{})
	opts.ErrorRetries = 2
	if err := New(opts).Track(context.Background(), target()); err != nil {
		t.Fatalf("Track: %v, want success (failure count resets)", err)
	}
}

func TestTrack_TransientErrorsExhausted(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: errors.New("connection refused")}}}
	sink := &recordingSink{}
	opts := fastOpts(src, sink)
	opts.ErrorRetries = 2

	err := New(opts).Track(context.Background(), target())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	unreachable := sink.byKind(ReportUnreachable)
	if len(unreachable) != 1 || !strings.Contains(unreachable[0].Text, "connection refused") {
		t.Errorf("unreachable = %+v", unreachable)
	}
}

func TestTrack_Cancelled(t *testing.T) {
	src := &scriptedSource{steps: []step{running(0, 0)}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := New(fastOpts(src, &recordingSink{})).Track(ctx, target())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTrack_HungSinkDoesNotStallTracking(t *testing.T) {
	src := &scriptedSource{steps: []step{
		running(1, 1, "📖 Reading a.go"),
		running(2, 2, "✏️ Editing a.go"),
		finished(launcher.StatusCompleted, "done"),
	}}
	sink := &hungSink{calls: make(chan Report, 16)}
	hist := &memHistory{}
	opts := fastOpts(src, sink)
	opts.History = hist
	opts.ReportTimeout = 20 * time.Millisecond

	errc := make(chan error, 1)
	go func() { errc <- New(opts).Track(context.Background(), target()) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Track = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Track blocked behind a sink that never returns")
	}
	var kinds []ReportKind
	for len(kinds) < 3 {
		select {
		case r := <-sink.calls:
			kinds = append(kinds, r.Kind)
		case <-time.After(time.Second):
			t.Fatalf("sink saw %v, want two progress reports and a final one", kinds)
		}
	}
	if kinds[2] != ReportFinal {
		t.Errorf("last report = %s, want final", kinds[2])
	}
	if len(hist.msgs) != 1 {
		t.Errorf("history = %d messages, want the final response", len(hist.msgs))
	}
}

func TestTrack_HungSinkStillTimesOut(t *testing.T) {
	src := &scriptedSource{steps: []step{running(1, 1, "📖 Reading a.go"), running(1, 1)}}
	opts := fastOpts(src, &hungSink{calls: make(chan Report, 16)})
	opts.PollInterval = 10 * time.Millisecond
	opts.Timeout = 300 * time.Millisecond
	opts.ReportTimeout = time.Hour

	errc := make(chan error, 1)
	go func() { errc <- New(opts).Track(context.Background(), target()) }()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrPollTimeout) {
			t.Errorf("err = %v, want ErrPollTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tracking timeout did not fire while a report was stuck")
	}
}

func TestStop_WhileReportIsStuck(t *testing.T) {
	sink := &hungSink{calls: make(chan Report, 16)}
	src := &scriptedSource{steps: []step{running(1, 1, "📖 Reading a.go"), running(1, 1)}}
	opts := fastOpts(src, sink)
	opts.ReportTimeout = time.Hour
	tr := New(opts)

	tr.Start(context.Background(), target())
	select {
	case <-sink.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("no report reached the sink")
	}
	tr.Stop("m-20250601-abcdef")

	done := make(chan struct{})
	go func() {
		tr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not end tracking while a report was stuck")
	}
}

// --- background tracking ---

func TestStart_DeduplicatesAndStops(t *testing.T) {
	src := &scriptedSource{steps: []step{running(0, 0)}}
	tr := New(fastOpts(src, &recordingSink{}))

	if !tr.Start(context.Background(), target()) {
		t.Fatal("first Start = false, want true")
	}
	if tr.Start(context.Background(), target()) {
		t.Error("second Start = true, want false")
	}
	if got := tr.Active(); len(got) != 1 || got[0] != "m-20250601-abcdef" {
		t.Errorf("Active = %v", got)
	}
	if !tr.Stop("m-20250601-abcdef") {
		t.Error("Stop = false, want true")
	}
	tr.Wait()
	if got := tr.Active(); len(got) != 0 {
		t.Errorf("Active after stop = %v, want empty", got)
	}
	if tr.Stop("m-20250601-abcdef") {
		t.Error("Stop after exit = true, want false")
	}
}

func TestStart_RemovesFinishedMission(t *testing.T) {
	src := &scriptedSource{steps: []step{finished(launcher.StatusCompleted, "ok")}}
	tr := New(fastOpts(src, &recordingSink{}))
	tr.Start(context.Background(), target())
	tr.Wait()
	if got := tr.Active(); len(got) != 0 {
		t.Errorf("Active = %v, want empty", got)
	}
}

// --- formatting ---

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{59*time.Second + 900*time.Millisecond, "59s"},
		{60 * time.Second, "1m"},
		{125 * time.Second, "2m05s"},
		{180 * time.Second, "3m"},
		{75 * time.Minute, "75m"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.d); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFinalOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  done \n", "done"},
		{"json result", `{"type":"result","result":"the answer"}`, "the answer"},
		{"json without result", `{"other":1}`, `{"other":1}`},
		{"broken json", `{"result":`, `{"result":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FinalOutput(tt.in); got != tt.want {
				t.Errorf("FinalOutput(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := FinalOutput(strings.Repeat("é", 5000))
	if !strings.HasSuffix(long, "... (truncated)") || len([]rune(long)) != 4000+len("\n\n... (truncated)") {
		t.Errorf("long output not clipped to 4000 runes: %d", len([]rune(long)))
	}
}
