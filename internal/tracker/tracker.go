// Package tracker follows remote missions from launch to a terminal state
// and turns their progress into human-readable reports.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/launcher"
	"github.com/zulandar/intercom/internal/metrics"
	"github.com/zulandar/intercom/internal/router"
	"go.uber.org/zap"
)

var (
	// ErrMissionNotFound means the daemon kept answering 404 for the mission.
	ErrMissionNotFound = router.ErrMissionNotFound
	// ErrPollTimeout means the mission outlived the tracking deadline.
	ErrPollTimeout = errors.New("tracker: poll timeout")
	// ErrUnreachable means the daemon failed too many consecutive polls.
	ErrUnreachable = errors.New("tracker: daemon unreachable")
)

const maxFinalOutput = 4000

// Defaults applied to zero Opts fields.
const (
	DefaultPollInterval     = 10 * time.Second
	DefaultFallbackInterval = 30 * time.Second
	DefaultTimeout          = 30 * time.Minute
	DefaultNotFoundRetries  = 3
	DefaultErrorRetries     = 5
	DefaultRecentItems      = 5
	DefaultReportTimeout    = 10 * time.Second
)

// StatusSource fetches mission snapshots from a daemon.
type StatusSource interface {
	MissionStatus(ctx context.Context, node router.Node, missionID string, since int) (*launcher.Snapshot, error)
}

// ReportKind classifies a Report.
type ReportKind string

const (
	ReportProgress    ReportKind = "progress"
	ReportHeartbeat   ReportKind = "heartbeat"
	ReportFinal       ReportKind = "final"
	ReportUnreachable ReportKind = "unreachable"
	ReportTimeout     ReportKind = "timeout"
)

// Report is one human-facing update about a tracked mission.
type Report struct {
	MissionID string
	Target    string
	Kind      ReportKind
	Status    launcher.Status
	Text      string
	Elapsed   time.Duration
	Turns     int
}

// Sink receives reports. Errors are logged and never stop tracking; a call
// that outlives Opts.ReportTimeout is abandoned.
type Sink interface {
	Report(ctx context.Context, r Report) error
}

// HistoryRecorder persists the terminal response of a mission.
type HistoryRecorder interface {
	Record(ctx context.Context, msg envelope.Message) error
}

// Target identifies a launched mission and who asked for it.
type Target struct {
	Node      router.Node
	MissionID string
	From      envelope.Address // originator
	To        envelope.Address // agent running the mission
	InReplyTo string           // envelope that launched the mission
}

// Opts configures a Tracker.
type Opts struct {
	Source           StatusSource
	Sink             Sink
	History          HistoryRecorder
	OnTerminal       func(missionID string)
	PollInterval     time.Duration
	FallbackInterval time.Duration
	Timeout          time.Duration
	NotFoundRetries  int
	ErrorRetries     int
	RecentItems      int
	ReportTimeout    time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Tracker polls missions in the background, one goroutine per mission.
type Tracker struct {
	opts Opts
	log  *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Tracker. Source is required.
func New(opts Opts) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = DefaultFallbackInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.NotFoundRetries <= 0 {
		opts.NotFoundRetries = DefaultNotFoundRetries
	}
	if opts.ErrorRetries <= 0 {
		opts.ErrorRetries = DefaultErrorRetries
	}
	if opts.RecentItems <= 0 {
		opts.RecentItems = DefaultRecentItems
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = DefaultReportTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{opts: opts, log: log, running: make(map[string]context.CancelFunc)}
}

// Start tracks target in a new goroutine. A mission already being tracked
// is not tracked twice; Start reports whether it started a new loop.
func (t *Tracker) Start(ctx context.Context, target Target) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[target.MissionID]; ok {
		return false
	}
	tctx, cancel := context.WithCancel(ctx)
	t.running[target.MissionID] = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.running, target.MissionID)
			t.mu.Unlock()
			cancel()
		}()
		if err := t.Track(tctx, target); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Info("tracking ended", zap.String("mission_id", target.MissionID), zap.Error(err))
		}
	}()
	return true
}

// Stop cancels tracking of a mission. The remote mission keeps running.
func (t *Tracker) Stop(missionID string) bool {
	t.mu.Lock()
	cancel, ok := t.running[missionID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the ids of missions being tracked.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.running))
	for id := range t.running {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every tracking goroutine and pending timeout report
// returns.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// poller holds the state of one tracking loop.
type poller struct {
	t           *Tracker
	target      Target
	start       time.Time
	cursor      int
	lastNews    time.Time
	lastSummary string
	notFound    int
	failures    int
}

// Track polls target until it reaches a terminal state, becomes
// unreachable, times out, or ctx is cancelled. The tracking deadline also
// bounds polls and reports, so a stuck daemon or sink cannot hold tracking
// past Opts.Timeout.
func (t *Tracker) Track(ctx context.Context, target Target) error {
	p := &poller{t: t, target: target, start: time.Now()}
	p.lastNews = p.start

	tctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tctx.Done():
			return p.expire(ctx)
		case <-ticker.C:
			done, err := p.poll(tctx)
			if err != nil && tctx.Err() != nil {
				return p.expire(ctx)
			}
			if done {
				return err
			}
		}
	}
}

// expire ends tracking after cancellation or the deadline. The timeout
// report is sent in the background; Wait covers it.
func (p *poller) expire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := p.t
	id := p.target.MissionID
	r := Report{
		Kind: ReportTimeout,
		Text: fmt.Sprintf("⏰ Agent still running after %s.\nMission ID: %s\nCheck with `ic status %s`.",
			FormatElapsed(time.Since(p.start)), id, id),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		p.report(ctx, r)
	}()
	t.opts.Metrics.TrackerPoll("timeout")
	return fmt.Errorf("%w: %s", ErrPollTimeout, id)
}

// poll performs one status fetch. It reports whether tracking is over.
func (p *poller) poll(ctx context.Context) (bool, error) {
	t := p.t
	snap, err := t.opts.Source.MissionStatus(ctx, p.target.Node, p.target.MissionID, p.cursor)
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	switch {
	case errors.Is(err, ErrMissionNotFound):
		t.opts.Metrics.TrackerPoll("not_found")
		p.notFound++
		if p.notFound > t.opts.NotFoundRetries {
			p.unreachable(ctx, "mission not found on "+p.target.Node.ID)
			return true, fmt.Errorf("%w: %s", ErrMissionNotFound, p.target.MissionID)
		}
		return false, nil
	case err != nil:
		t.opts.Metrics.TrackerPoll("error")
		p.failures++
		t.log.Debug("mission poll failed",
			zap.String("mission_id", p.target.MissionID),
			zap.Int("failures", p.failures),
			zap.Error(err))
		if p.failures > t.opts.ErrorRetries {
			p.unreachable(ctx, err.Error())
			return true, fmt.Errorf("%w: %s: %v", ErrUnreachable, p.target.MissionID, err)
		}
		return false, nil
	}
	t.opts.Metrics.TrackerPoll("ok")
	p.notFound, p.failures = 0, 0

	p.progress(ctx, snap)

	if snap.Status.Terminal() {
		p.finish(ctx, snap)
		return true, nil
	}
	return false, nil
}

// progress posts new feedback, or a heartbeat after a quiet spell.
func (p *poller) progress(ctx context.Context, snap *launcher.Snapshot) {
	now := time.Now()
	if len(snap.Feedback) == 0 {
		if !snap.Status.Terminal() && now.Sub(p.lastNews) >= p.t.opts.FallbackInterval {
			p.lastNews = now
			p.report(ctx, Report{
				Kind:  ReportHeartbeat,
				Text:  fmt.Sprintf("⚙️ Agent running... (%s)", FormatElapsed(now.Sub(p.start))),
				Turns: snap.TurnCount,
			})
		}
		return
	}

	next := snap.FeedbackTotal
	if next < p.cursor+len(snap.Feedback) {
		next = p.cursor + len(snap.Feedback)
	}
	p.cursor = next
	p.lastNews = now

	var unique []string
	for _, fb := range snap.Feedback {
		if fb.Summary == p.lastSummary {
			continue
		}
		unique = append(unique, fb.Summary)
		p.lastSummary = fb.Summary
	}
	if len(unique) == 0 {
		return
	}
	if n := p.t.opts.RecentItems; len(unique) > n {
		unique = unique[len(unique)-n:]
	}
	elapsed := now.Sub(p.start)
	p.report(ctx, Report{
		Kind: ReportProgress,
		Text: fmt.Sprintf("🚀 Mission → `%s`\n%s\n(%s • turn %d)",
			p.target.To, strings.Join(unique, "\n"), FormatElapsed(elapsed), snap.TurnCount),
		Turns: snap.TurnCount,
	})
}

// finish posts the final summary, records the response and fires OnTerminal.
func (p *poller) finish(ctx context.Context, snap *launcher.Snapshot) {
	t := p.t
	output := ""
	if snap.Output != nil {
		output = *snap.Output
	}
	output = FinalOutput(output)

	header := "✅ Completed"
	if snap.Status == launcher.StatusFailed {
		header = "❌ Failed"
	}
	elapsed := time.Since(p.start)
	text := fmt.Sprintf("%s (%s)", header, FormatElapsed(elapsed))
	if output != "" {
		text += "\n\n" + output
	}
	p.report(ctx, Report{Kind: ReportFinal, Status: snap.Status, Text: text, Turns: snap.TurnCount})

	if t.opts.History != nil {
		p.record(ctx, snap.Status, output)
	}
	if t.opts.OnTerminal != nil {
		t.opts.OnTerminal(p.target.MissionID)
	}
	t.log.Info("mission finished",
		zap.String("mission_id", p.target.MissionID),
		zap.String("status", string(snap.Status)),
		zap.Duration("elapsed", elapsed))
}

func (p *poller) record(ctx context.Context, status launcher.Status, output string) {
	from, to := p.target.To, p.target.From
	if from.IsZero() {
		from = envelope.Human()
	}
	if to.IsZero() {
		to = envelope.Human()
	}
	if output == "" {
		output = "(" + string(status) + ", no output)"
	}
	msg, err := envelope.New(from, to,
		envelope.ResponsePayload{Message: output, InReplyTo: p.target.InReplyTo},
		envelope.WithMissionID(p.target.MissionID))
	if err == nil {
		err = p.t.opts.History.Record(ctx, msg)
	}
	if err != nil {
		p.t.log.Warn("record mission result failed", zap.String("mission_id", p.target.MissionID), zap.Error(err))
	}
}

func (p *poller) unreachable(ctx context.Context, why string) {
	p.report(ctx, Report{
		Kind: ReportUnreachable,
		Text: fmt.Sprintf("⚠️ Lost track of mission %s on %s: %s", p.target.MissionID, p.target.Node.ID, why),
	})
}

func (p *poller) report(ctx context.Context, r Report) {
	r.MissionID = p.target.MissionID
	r.Target = p.target.To.String()
	if r.Elapsed == 0 {
		r.Elapsed = time.Since(p.start)
	}
	if p.t.opts.Sink == nil {
		return
	}
	if err := p.deliver(ctx, r); err != nil {
		p.t.log.Warn("mission report failed",
			zap.String("mission_id", r.MissionID),
			zap.String("kind", string(r.Kind)),
			zap.Error(err))
	}
}

// deliver hands r to the sink in its own goroutine and waits at most
// ReportTimeout, or until tracking is cancelled. A sink that ignores its
// context is left behind.
func (p *poller) deliver(ctx context.Context, r Report) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.t.opts.ReportTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.t.opts.Sink.Report(rctx, r) }()
	select {
	case err := <-errc:
		return err
	case <-rctx.Done():
		return fmt.Errorf("tracker: report abandoned: %w", rctx.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinalOutput unwraps a JSON object's "result" field and clips the text for
// chat.
func FinalOutput(out string) string {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "{") {
		var v struct {
			Result *string `json:"result"`
		}
		if json.Unmarshal([]byte(out), &v) == nil && v.Result != nil {
			out = *v.Result
		}
	}
	if r := []rune(out); len(r) > maxFinalOutput {
		out = string(r[:maxFinalOutput]) + "\n\n... (truncated)"
	}
	return out
}

// FormatElapsed renders d as 45s, 2m05s or 3m.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	m, s := secs/60, secs%60
	if s > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%dm", m)
}
