// Package envelope defines the addressed, typed message exchanged between
// agents and the machine/project address grammar.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the wire version stamped on every envelope.
const Version = "1"

// Message is a single addressed envelope. It is a value type; once built by
// New or decoded from JSON it is not modified.
type Message struct {
	ID        string
	MissionID string
	From      Address
	To        Address
	Type      Type
	Payload   Payload
	Timestamp time.Time
	Version   string
}

// Option customizes New.
type Option func(*Message)

// WithMissionID joins the envelope to an existing mission. An empty id keeps
// the generated one.
func WithMissionID(id string) Option {
	return func(m *Message) {
		if id != "" {
			m.MissionID = id
		}
	}
}

// WithID overrides the generated envelope id.
func WithID(id string) Option {
	return func(m *Message) {
		if id != "" {
			m.ID = id
		}
	}
}

// WithTimestamp overrides the creation time.
func WithTimestamp(t time.Time) Option {
	return func(m *Message) { m.Timestamp = t }
}

// New builds a validated envelope. The payload variant fixes the envelope
// type; defaults are applied to the payload.
func New(from, to Address, p Payload, opts ...Option) (Message, error) {
	if from.IsZero() {
		return Message{}, fmt.Errorf("%w: from is required", ErrInvalidAddress)
	}
	if to.IsZero() {
		return Message{}, fmt.Errorf("%w: to is required", ErrInvalidAddress)
	}
	if p == nil {
		return Message{}, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	normalized, err := p.normalize()
	if err != nil {
		return Message{}, err
	}

	m := Message{
		ID:        uuid.NewString(),
		MissionID: NewMissionID(),
		From:      from,
		To:        to,
		Type:      normalized.Type(),
		Payload:   normalized,
		Timestamp: time.Now().UTC(),
		Version:   Version,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m, nil
}

// NewMissionID generates a mission id of the form m-YYYYMMDD-xxxxxx.
func NewMissionID() string {
	return "m-" + time.Now().UTC().Format("20060102") + "-" + randomHex6()
}

// NewThreadID generates a chat thread id of the form t-xxxxxx.
func NewThreadID() string {
	return "t-" + randomHex6()
}

func randomHex6() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

type wireMessage struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	MissionID string          `json:"mission_id"`
	From      Address         `json:"from_agent"`
	To        Address         `json:"to_agent"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return json.Marshal(wireMessage{
		Version:   m.Version,
		ID:        m.ID,
		MissionID: m.MissionID,
		From:      m.From,
		To:        m.To,
		Type:      m.Type,
		Payload:   payload,
		Timestamp: m.Timestamp,
	})
}

// UnmarshalJSON decodes an envelope, selecting the payload variant by type
// and validating it. Missing id, mission id and timestamp are generated.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("envelope: decode: %w", err)
	}
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("%w: from_agent and to_agent are required", ErrInvalidAddress)
	}
	if !w.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, w.Type)
	}
	p, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}

	out := Message{
		ID:        w.ID,
		MissionID: w.MissionID,
		From:      w.From,
		To:        w.To,
		Type:      w.Type,
		Payload:   p,
		Timestamp: w.Timestamp,
		Version:   w.Version,
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.MissionID == "" {
		out.MissionID = NewMissionID()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if out.Version == "" {
		out.Version = Version
	}
	*m = out
	return nil
}
