// Package launcher supervises agent subprocesses on a node. Each mission
// runs in its own goroutine; its streamed output is reduced into feedback
// items and a terminal result readable through Snapshot.
package launcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/metrics"
)

const (
	// DefaultCommand is the agent binary used when none is configured.
	DefaultCommand = "claude"
	// DefaultMaxDuration bounds a mission's wall-clock time.
	DefaultMaxDuration = 1800 * time.Second

	maxStderrReport = 500
	maxCapture      = 1 << 20
)

// DefaultArgs are the agent arguments used when none are configured.
var DefaultArgs = []string{"-p"}

// Failure sentinels. Mission failures are reported through Snapshot output;
// these are exposed for callers that classify outputs.
var (
	ErrLaunchRejected = errors.New("launcher: path not in allowed_paths")
	ErrProcessTimeout = errors.New("launcher: agent timed out")
	ErrProcessFailure = errors.New("launcher: agent failed")
)

// Opts configures a Launcher.
type Opts struct {
	Command      string   // agent binary, default "claude"
	Args         []string // arguments before the prompt; nil means none
	AllowedPaths []string // empty allows any path
	MaxDuration  time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Launcher owns the mission table for one node.
type Launcher struct {
	command     string
	args        []string
	roots       []string
	maxDuration time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	missions map[string]*mission
}

// New creates a Launcher.
func New(opts Opts) *Launcher {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		command:     opts.Command,
		args:        append([]string(nil), opts.Args...),
		roots:       resolveRoots(opts.AllowedPaths),
		maxDuration: opts.MaxDuration,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
		baseCtx:     ctx,
		baseCancel:  cancel,
		missions:    make(map[string]*mission),
	}
}

// ValidatePath reports whether path may host a mission. With no allowed
// roots every path is accepted; otherwise the resolved path must equal or
// descend from one of them.
func (l *Launcher) ValidatePath(path string) bool {
	_, ok := l.checkPath(path)
	return ok
}

// checkPath resolves path and checks it against the allowed roots. The
// resolved form is what the agent runs in, so the directory checked and the
// directory used are the same.
func (l *Launcher) checkPath(path string) (string, bool) {
	if len(l.roots) == 0 {
		if path == "" {
			return "", true
		}
		if resolved, err := resolvePath(path); err == nil {
			return resolved, true
		}
		return path, true
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return "", false
	}
	for _, root := range l.roots {
		if within(resolved, root) {
			return resolved, true
		}
	}
	return "", false
}

// LaunchBackground starts a mission and returns its id without waiting for
// the agent. A path outside the allow-list is recorded as failed before any
// process starts. An empty missionID is generated.
func (l *Launcher) LaunchBackground(mission string, recent []envelope.ContextMessage, missionID, projectPath, agentCommand string) string {
	if missionID == "" {
		missionID = envelope.NewMissionID()
	}
	now := l.now()
	log := l.log.With(zap.String("mission_id", missionID))

	l.mu.Lock()
	if existing, ok := l.missions[missionID]; ok && !existing.terminal() {
		l.mu.Unlock()
		log.Warn("launcher: mission already running, ignoring relaunch")
		return missionID
	}

	m := newMission(missionID, now)
	dir, ok := l.checkPath(projectPath)
	if !ok {
		m.finish(StatusFailed, fmt.Sprintf("Error: path %s is not in allowed_paths", projectPath), now)
		close(m.done)
		l.missions[missionID] = m
		l.mu.Unlock()
		l.metrics.MissionFinished(string(StatusFailed), false)
		log.Warn("launcher: rejected path", zap.String("path", projectPath))
		return missionID
	}

	ctx, cancel := context.WithCancel(l.baseCtx)
	m.cancel = cancel
	l.missions[missionID] = m
	l.wg.Add(1)
	l.mu.Unlock()

	l.metrics.MissionStarted()
	log.Info("launcher: mission started", zap.String("path", projectPath))

	prompt := BuildPrompt(mission, recent, missionID)
	go l.supervise(ctx, m, prompt, dir, agentCommand)
	return missionID
}

// GetStatus returns a full snapshot of a mission.
func (l *Launcher) GetStatus(missionID string) (Snapshot, bool) {
	return l.Snapshot(missionID, 0)
}

// Snapshot returns the mission state with feedback from index since on.
func (l *Launcher) Snapshot(missionID string, since int) (Snapshot, bool) {
	m := l.get(missionID)
	if m == nil {
		return Snapshot{}, false
	}
	return m.snapshot(since), true
}

// Done returns a channel closed when the mission's supervision ends, or nil
// for unknown missions.
func (l *Launcher) Done(missionID string) <-chan struct{} {
	m := l.get(missionID)
	if m == nil {
		return nil
	}
	return m.done
}

// Stop ends a running mission. A mission with a live process is marked
// "Stopped by user" and the process killed; one whose process has not
// started is marked "Cancelled". Stop returns false for unknown or already
// terminal missions.
func (l *Launcher) Stop(missionID string) bool {
	m := l.get(missionID)
	if m == nil {
		return false
	}

	m.mu.Lock()
	if m.status.Terminal() {
		m.mu.Unlock()
		return false
	}
	reason := "Cancelled"
	if m.cmd != nil {
		reason = "Stopped by user"
	}
	m.finishLocked(StatusFailed, reason, l.now())
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.metrics.MissionFinished(string(StatusFailed), true)
	l.log.Info("launcher: mission stopped", zap.String("mission_id", missionID), zap.String("reason", reason))
	return true
}

// Active returns the ids of running missions, sorted.
func (l *Launcher) Active() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, m := range l.missions {
		if !m.terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every running mission and waits for supervision to end
// or ctx to expire.
func (l *Launcher) Shutdown(ctx context.Context) error {
	for _, id := range l.Active() {
		if m := l.get(id); m != nil && m.finish(StatusFailed, "Cancelled", l.now()) {
			l.metrics.MissionFinished(string(StatusFailed), true)
		}
	}
	l.baseCancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("launcher: shutdown: %w", ctx.Err())
	}
}

func (l *Launcher) get(missionID string) *mission {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.missions[missionID]
}

// complete records a terminal result if the mission has none yet.
func (l *Launcher) complete(m *mission, status Status, output string) {
	if !m.finish(status, output, l.now()) {
		return
	}
	l.metrics.MissionFinished(string(status), true)
	l.log.Info("launcher: mission finished",
		zap.String("mission_id", m.id),
		zap.String("status", string(status)),
	)
}

// supervise runs one mission to completion. The deferred completion keeps a
// panic in stream handling from leaving the mission running.
func (l *Launcher) supervise(ctx context.Context, m *mission, prompt, dir, agentCommand string) {
	defer l.wg.Done()
	defer close(m.done)
	defer m.cancel()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("launcher: supervisor panic", zap.String("mission_id", m.id), zap.Any("panic", r))
			l.complete(m, StatusFailed, fmt.Sprintf("Error: %v", r))
		}
		l.complete(m, StatusFailed, "Error: supervision ended without a result")
	}()

	status, output := l.run(ctx, m, prompt, dir, agentCommand)
	l.complete(m, status, output)
}

func (l *Launcher) run(ctx context.Context, m *mission, prompt, dir, agentCommand string) (Status, string) {
	binary, args, stream := l.commandLine(agentCommand, prompt)

	runCtx, cancel := context.WithTimeout(ctx, l.maxDuration)
	defer cancel()

	cmd := buildCommand(runCtx, binary, args, dir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StatusFailed, fmt.Sprintf("Error: stdout pipe: %v", err)
	}
	stderr := &cappedBuffer{limit: maxCapture}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return StatusFailed, fmt.Sprintf("Error: command not found: %s", binary)
		}
		return StatusFailed, fmt.Sprintf("Error: start agent: %v", err)
	}
	m.attach(cmd)
	defer m.detach()

	final, sawFinal, raw := l.readStream(m, stdout)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		// Stop or Shutdown already recorded the result.
		return StatusFailed, "Cancelled"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return StatusFailed, fmt.Sprintf("Error: agent timed out after %ds", int(l.maxDuration.Seconds()))
	case waitErr != nil:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return StatusFailed, fmt.Sprintf("Error (exit %d): %s", code, clip(strings.TrimSpace(stderr.String()), maxStderrReport))
	}

	switch {
	case sawFinal:
		return StatusCompleted, final
	case stream:
		return StatusCompleted, ""
	default:
		return StatusCompleted, strings.TrimSpace(raw)
	}
}

// readStream consumes stdout line by line until EOF. Feedback is applied as
// it arrives; parsing stops after the result event but the pipe is drained
// so the agent never blocks on a full pipe.
func (l *Launcher) readStream(m *mission, r io.Reader) (final string, sawFinal bool, raw string) {
	br := bufio.NewReader(r)
	var captured bytes.Buffer

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if captured.Len() < maxCapture {
				captured.WriteString(line)
			}
			if !sawFinal {
				u := ParseStreamLine(line, l.now())
				m.apply(u)
				if u.HasFinal {
					final, sawFinal = u.Final, true
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug("launcher: stdout read ended", zap.String("mission_id", m.id), zap.Error(err))
			}
			return final, sawFinal, captured.String()
		}
	}
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
