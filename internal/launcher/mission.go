package launcher

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Status of a mission. Terminal statuses never change.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FeedbackKind classifies a FeedbackItem.
type FeedbackKind string

// KindTurn is reserved for clients that mark turn boundaries; the stream
// parser does not produce it, turns are counted in Snapshot.TurnCount.
const (
	KindTool   FeedbackKind = "tool"
	KindText   FeedbackKind = "text"
	KindTurn   FeedbackKind = "turn"
	KindSystem FeedbackKind = "system"
)

// FeedbackItem is one unit of progress decoded from the agent's stream.
type FeedbackItem struct {
	Timestamp time.Time    `json:"timestamp"`
	Kind      FeedbackKind `json:"kind"`
	Summary   string       `json:"summary"`
}

// Snapshot is a read-only copy of a mission's state. Feedback holds only the
// items at index >= the requested cursor; FeedbackTotal is the full count and
// is the cursor for the next read.
type Snapshot struct {
	MissionID     string         `json:"mission_id"`
	Status        Status         `json:"status"`
	Output        *string        `json:"output"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at"`
	Feedback      []FeedbackItem `json:"feedback"`
	FeedbackTotal int            `json:"feedback_total"`
	TurnCount     int            `json:"turn_count"`
}

// mission is the mutable record behind a Snapshot. The supervising goroutine
// appends feedback and sets the terminal fields; Stop may set them first.
type mission struct {
	id string

	mu         sync.Mutex
	status     Status
	output     *string
	startedAt  time.Time
	finishedAt *time.Time
	feedback   []FeedbackItem
	turnCount  int

	// supervision
	cancel context.CancelFunc
	cmd    *exec.Cmd
	done   chan struct{}
}

func newMission(id string, now time.Time) *mission {
	return &mission{
		id:        id,
		status:    StatusRunning,
		startedAt: now,
		done:      make(chan struct{}),
	}
}

// finish moves the mission to a terminal status. Only the first call has any
// effect; it reports whether it was that call.
func (m *mission) finish(status Status, output string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(status, output, now)
}

func (m *mission) finishLocked(status Status, output string, now time.Time) bool {
	if m.status.Terminal() {
		return false
	}
	m.status = status
	m.output = &output
	m.finishedAt = &now
	return true
}

func (m *mission) apply(u StreamUpdate) {
	if len(u.Feedback) == 0 && u.Turns == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, u.Feedback...)
	m.turnCount += u.Turns
}

func (m *mission) attach(cmd *exec.Cmd) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Terminal() {
		return false
	}
	m.cmd = cmd
	return true
}

func (m *mission) detach() {
	m.mu.Lock()
	m.cmd = nil
	m.mu.Unlock()
}

func (m *mission) terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Terminal()
}

func (m *mission) snapshot(since int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if since < 0 {
		since = 0
	}
	if since > len(m.feedback) {
		since = len(m.feedback)
	}
	fb := make([]FeedbackItem, len(m.feedback)-since)
	copy(fb, m.feedback[since:])

	s := Snapshot{
		MissionID:     m.id,
		Status:        m.status,
		StartedAt:     m.startedAt,
		Feedback:      fb,
		FeedbackTotal: len(m.feedback),
		TurnCount:     m.turnCount,
	}
	if m.output != nil {
		out := *m.output
		s.Output = &out
	}
	if m.finishedAt != nil {
		t := *m.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// Cause classifies a failed snapshot's output. It returns nil for missions
// that have not failed.
func Cause(s Snapshot) error {
	if s.Status != StatusFailed || s.Output == nil {
		return nil
	}
	out := *s.Output
	switch {
	case strings.Contains(out, "not in allowed_paths"):
		return ErrLaunchRejected
	case strings.Contains(out, "timed out"):
		return ErrProcessTimeout
	}
	return ErrProcessFailure
}
