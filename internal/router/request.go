package router

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/intercom/internal/envelope"
)

// Request is the body of a hub route call: an envelope before the hub has
// assigned ids. An empty To is allowed for chat replies, which the hub
// resolves from the mission.
type Request struct {
	From      string          `json:"from_agent"`
	To        string          `json:"to_agent"`
	Type      envelope.Type   `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MissionID string          `json:"mission_id,omitempty"`
}

// NewRequest encodes p into a route request.
func NewRequest(from, to string, p envelope.Payload, missionID string) (Request, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Request{}, fmt.Errorf("router: encode payload: %w", err)
	}
	return Request{From: from, To: to, Type: p.Type(), Payload: raw, MissionID: missionID}, nil
}

// Envelope validates the request and builds the envelope it describes. to
// overrides the request's own recipient when non-zero.
func (r Request) Envelope(to envelope.Address) (envelope.Message, error) {
	from, err := envelope.ParseAddress(r.From)
	if err != nil {
		return envelope.Message{}, err
	}
	if to.IsZero() {
		if to, err = envelope.ParseAddress(r.To); err != nil {
			return envelope.Message{}, err
		}
	}
	p, err := envelope.DecodePayload(r.Type, r.Payload)
	if err != nil {
		return envelope.Message{}, err
	}
	return envelope.New(from, to, p, envelope.WithMissionID(r.MissionID))
}
