package hub

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/intercom/internal/registry"
)

// ErrNoPendingJoin is returned when approving or denying a machine that has
// no join request waiting.
var ErrNoPendingJoin = errors.New("hub: no pending join")

// JoinTTL is how long an unanswered or uncollected join request is kept.
const JoinTTL = 24 * time.Hour

type joinEntry struct {
	req      registry.JoinRequest
	address  string
	created  time.Time
	token    string // set on approval, cleared once collected
	approved bool
}

// joinTable holds join requests in memory until they are answered and the
// token is collected.
type joinTable struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*joinEntry
}

func newJoinTable(now func() time.Time) *joinTable {
	return &joinTable{now: now, entries: make(map[string]*joinEntry)}
}

// add stores a request, replacing an unanswered one from the same machine.
// It fails when the machine was already approved and has not collected its
// token.
func (t *joinTable) add(req registry.JoinRequest, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	if e, ok := t.entries[req.MachineID]; ok && e.approved {
		return fmt.Errorf("hub: join for %s already approved", req.MachineID)
	}
	t.entries[req.MachineID] = &joinEntry{req: req, address: address, created: t.now()}
	return nil
}

// approve marks a pending request approved with token and returns the
// request and the address it came from.
func (t *joinTable) approve(machineID, token string) (registry.JoinRequest, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	e, ok := t.entries[machineID]
	if !ok || e.approved {
		return registry.JoinRequest{}, "", fmt.Errorf("%w: %s", ErrNoPendingJoin, machineID)
	}
	e.approved = true
	e.token = token
	e.created = t.now()
	return e.req, e.address, nil
}

// revert undoes approve after a failed registration.
func (t *joinTable) revert(machineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[machineID]; ok {
		e.approved = false
		e.token = ""
	}
}

func (t *joinTable) deny(machineID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[machineID]
	if !ok || e.approved {
		return fmt.Errorf("%w: %s", ErrNoPendingJoin, machineID)
	}
	delete(t.entries, machineID)
	return nil
}

// status answers a poll. The token is handed out once; the entry is then
// forgotten. A wrong nonce looks like an unknown machine.
func (t *joinTable) status(machineID, nonce string) (registry.JoinStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	e, ok := t.entries[machineID]
	if !ok || nonce == "" || subtle.ConstantTimeCompare([]byte(e.req.Nonce), []byte(nonce)) != 1 {
		return registry.JoinStatus{}, false
	}
	if !e.approved {
		return registry.JoinStatus{Status: registry.JoinPending, MachineID: machineID}, true
	}
	delete(t.entries, machineID)
	return registry.JoinStatus{Status: registry.JoinApproved, MachineID: machineID, Token: e.token}, true
}

func (t *joinTable) pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, e := range t.entries {
		if !e.approved {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *joinTable) pruneLocked() {
	cutoff := t.now().Add(-JoinTTL)
	for id, e := range t.entries {
		if e.created.Before(cutoff) {
			delete(t.entries, id)
		}
	}
}

// NewMachineToken returns a fresh machine secret: ict_<id>_<32 hex chars>.
func NewMachineToken(machineID string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("hub: generate token: %w", err)
	}
	return "ict_" + machineID + "_" + hex.EncodeToString(b), nil
}

// ApproveJoin admits a machine with a pending join: it is registered with a
// new token, which the machine collects on its next poll.
func (h *Hub) ApproveJoin(ctx context.Context, machineID string) error {
	token, err := NewMachineToken(machineID)
	if err != nil {
		return err
	}
	req, address, err := h.joins.approve(machineID, token)
	if err != nil {
		return err
	}
	err = h.registry.RegisterMachine(ctx, registry.MachineInfo{
		ID:          req.MachineID,
		DisplayName: req.DisplayName,
		Address:     address,
		DaemonURL:   req.DaemonURL,
		Token:       token,
	})
	if err != nil {
		h.joins.revert(machineID)
		return fmt.Errorf("hub: approve %s: %w", machineID, err)
	}
	h.log.Info("join approved", zap.String("machine_id", machineID))
	return nil
}

// DenyJoin drops a pending join.
func (h *Hub) DenyJoin(_ context.Context, machineID string) error {
	if err := h.joins.deny(machineID); err != nil {
		return err
	}
	h.log.Info("join denied", zap.String("machine_id", machineID))
	return nil
}
