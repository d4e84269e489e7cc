package hub

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/launcher"
	"github.com/zulandar/intercom/internal/models"
	"github.com/zulandar/intercom/internal/registry"
	"github.com/zulandar/intercom/internal/router"
	"github.com/zulandar/intercom/internal/telegraph"
	"github.com/zulandar/intercom/internal/tracker"
)

// contextLimit is how many earlier envelopes of a mission are attached to a
// follow-up launch.
const contextLimit = 20

var _ telegraph.Backend = (*Hub)(nil)

// Route builds the envelope described by req, records it in the mission
// history and routes it. A launched mission is tracked until it finishes.
// The error covers requests that do not describe a valid envelope; routing
// failures are reported in the Result.
func (h *Hub) Route(ctx context.Context, req router.Request) (router.Result, error) {
	to, err := h.replyTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	msg, err := req.Envelope(to)
	if err != nil {
		return nil, err
	}
	if msg.Type.Launches() && req.MissionID != "" && len(envelope.ContextOf(msg.Payload)) == 0 {
		recent, err := h.store.Context(ctx, req.MissionID, contextLimit)
		if err != nil {
			h.log.Warn("load mission context failed", zap.String("mission_id", req.MissionID), zap.Error(err))
		}
		msg.Payload = withContext(msg.Payload, recent)
	}

	if err := h.store.Record(ctx, msg); err != nil {
		h.log.Warn("record envelope failed", zap.String("id", msg.ID), zap.Error(err))
	}

	res := h.router.Route(ctx, msg)
	if res.Status() == router.StatusLaunched {
		h.track(ctx, msg, res)
	}
	return res, nil
}

// replyTarget resolves the recipient of a request without one: the other
// party of the mission it belongs to. A zero address means the request
// names its own recipient.
func (h *Hub) replyTarget(ctx context.Context, req router.Request) (envelope.Address, error) {
	if req.To != "" {
		return envelope.Address{}, nil
	}
	if req.MissionID == "" {
		return envelope.Address{}, fmt.Errorf("%w: to_agent or mission_id is required", envelope.ErrInvalidAddress)
	}
	from, to, ok, err := h.store.Parties(ctx, req.MissionID)
	if err != nil {
		return envelope.Address{}, err
	}
	if !ok {
		return envelope.Address{}, fmt.Errorf("%w: %s", router.ErrMissionNotFound, req.MissionID)
	}
	if req.From == to.String() {
		return from, nil
	}
	return to, nil
}

func (h *Hub) track(ctx context.Context, msg envelope.Message, res router.Result) {
	node, ok, err := h.registry.GetNode(ctx, msg.To.Machine)
	if err != nil || !ok {
		h.log.Warn("cannot track mission", zap.String("mission_id", msg.MissionID), zap.Bool("known", ok), zap.Error(err))
		return
	}
	missionID := res.MissionID()
	if missionID == "" {
		missionID = msg.MissionID
	}
	h.tracker.Start(h.trackCtx, tracker.Target{
		Node:      node,
		MissionID: missionID,
		From:      msg.From,
		To:        msg.To,
		InReplyTo: msg.ID,
	})
}

func withContext(p envelope.Payload, recent []envelope.ContextMessage) envelope.Payload {
	if len(recent) == 0 {
		return p
	}
	switch v := p.(type) {
	case envelope.AskPayload:
		v.Context = recent
		return v
	case envelope.StartAgentPayload:
		v.Context = recent
		return v
	}
	return p
}

// StartMission routes a start_agent envelope from the human to target.
func (h *Hub) StartMission(ctx context.Context, target envelope.Address, mission string) router.Result {
	req, err := router.NewRequest(envelope.HumanAddress, target.String(), envelope.StartAgentPayload{Mission: mission}, "")
	if err != nil {
		return errorResult(err, "")
	}
	return h.routeResult(ctx, req)
}

// Reply routes text a human typed in a mission thread to the mission's
// agent as a chat envelope.
func (h *Hub) Reply(ctx context.Context, missionID, text string) router.Result {
	to, ok, err := h.store.Target(ctx, missionID)
	if err != nil {
		return errorResult(err, missionID)
	}
	if !ok {
		return errorResult(fmt.Errorf("%w: %s", router.ErrMissionNotFound, missionID), missionID)
	}
	req, err := router.NewRequest(envelope.HumanAddress, to.String(),
		envelope.ChatPayload{Message: text, ThreadID: missionID}, missionID)
	if err != nil {
		return errorResult(err, missionID)
	}
	return h.routeResult(ctx, req)
}

func (h *Hub) routeResult(ctx context.Context, req router.Request) router.Result {
	res, err := h.Route(ctx, req)
	if err != nil {
		return errorResult(err, req.MissionID)
	}
	return res
}

func errorResult(err error, missionID string) router.Result {
	return router.Result{"status": router.StatusError, "error": err.Error(), "mission_id": missionID}
}

// missionNode locates the daemon running a mission.
func (h *Hub) missionNode(ctx context.Context, missionID string) (router.Node, error) {
	to, ok, err := h.store.Target(ctx, missionID)
	if err != nil {
		return router.Node{}, err
	}
	if !ok {
		return router.Node{}, fmt.Errorf("%w: %s", router.ErrMissionNotFound, missionID)
	}
	node, ok, err := h.registry.GetNode(ctx, to.Machine)
	if err != nil {
		return router.Node{}, err
	}
	if !ok {
		return router.Node{}, fmt.Errorf("%w: machine %s", router.ErrUnknownTarget, to.Machine)
	}
	return node, nil
}

// MissionStatus fetches the full snapshot of a mission from its daemon.
func (h *Hub) MissionStatus(ctx context.Context, missionID string) (*launcher.Snapshot, error) {
	node, err := h.missionNode(ctx, missionID)
	if err != nil {
		return nil, err
	}
	return h.transport.MissionStatus(ctx, node, missionID, 0)
}

// StopMission asks the mission's daemon to stop it.
func (h *Hub) StopMission(ctx context.Context, missionID string) (bool, error) {
	node, err := h.missionNode(ctx, missionID)
	if err != nil {
		return false, err
	}
	return h.transport.StopMission(ctx, node, missionID)
}

// History returns the last limit envelopes of a mission.
func (h *Hub) History(ctx context.Context, missionID string, limit int) ([]envelope.Message, error) {
	return h.store.History(ctx, missionID, limit)
}

// ListAgents lists registered projects with their machine status.
func (h *Hub) ListAgents(ctx context.Context, filterStatus, filterMachine string) ([]registry.Agent, error) {
	return h.registry.ListAgents(ctx, filterStatus, filterMachine)
}

// ListMachines lists registered machines.
func (h *Hub) ListMachines(ctx context.Context) ([]models.Machine, error) {
	return h.registry.ListMachines(ctx)
}
