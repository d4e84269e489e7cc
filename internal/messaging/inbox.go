package messaging

import (
	"sync"

	"github.com/zulandar/intercom/internal/envelope"
)

// DefaultInboxSize is the number of envelopes kept per project.
const DefaultInboxSize = 200

// Inbox holds envelopes delivered to a daemon's projects until a local
// agent drains them. When a project's queue is full the oldest envelope is
// dropped.
type Inbox struct {
	size int

	mu     sync.Mutex
	queues map[string][]envelope.Message
}

// NewInbox returns an Inbox keeping at most size envelopes per project.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{size: size, queues: make(map[string][]envelope.Message)}
}

// Push appends msg to the project's queue.
func (in *Inbox) Push(project string, msg envelope.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := append(in.queues[project], msg)
	if len(q) > in.size {
		q = q[len(q)-in.size:]
	}
	in.queues[project] = q
}

// Drain removes and returns the project's queue, oldest first.
func (in *Inbox) Drain(project string) []envelope.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.queues[project]
	delete(in.queues, project)
	return q
}

// Len returns the number of queued envelopes for project.
func (in *Inbox) Len(project string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queues[project])
}
