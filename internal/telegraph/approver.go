package telegraph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/envelope"
	"go.uber.org/zap"
)

// Approver asks for approvals in the mission's chat thread and waits for a
// button press or an "!ic approve" command. It implements approval.Prompter.
type Approver struct {
	notifier *Notifier
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]chan approval.Response // envelope id → answer
}

var _ approval.Prompter = (*Approver)(nil)

// NewApprover creates an Approver posting through n.
func NewApprover(n *Notifier, logger *zap.Logger) *Approver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Approver{notifier: n, log: logger, pending: make(map[string]chan approval.Response)}
}

// RequestApproval posts the prompt and blocks until it is answered, timeout
// elapses (deny) or ctx is done.
func (a *Approver) RequestApproval(ctx context.Context, msg envelope.Message, timeout time.Duration) (approval.Response, error) {
	ch := make(chan approval.Response, 1)
	a.mu.Lock()
	if _, dup := a.pending[msg.ID]; dup {
		a.mu.Unlock()
		return approval.ResponseDeny, fmt.Errorf("telegraph: approval for %s already pending", msg.ID)
	}
	a.pending[msg.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, msg.ID)
		a.mu.Unlock()
	}()

	if err := a.notifier.PostToMission(ctx, msg.MissionID, ThreadName(msg), FormatApproval(msg)); err != nil {
		return approval.ResponseDeny, fmt.Errorf("telegraph: post approval prompt: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		a.log.Warn("approval timed out", zap.String("id", msg.ID), zap.String("mission_id", msg.MissionID))
		return approval.ResponseDeny, nil
	case <-ctx.Done():
		return approval.ResponseDeny, ctx.Err()
	}
}

// Resolve answers a pending approval. It reports false when no approval
// with that envelope id is waiting.
func (a *Approver) Resolve(id string, resp approval.Response) bool {
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Pending returns the envelope ids awaiting an answer, sorted.
func (a *Approver) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
