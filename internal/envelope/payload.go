package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the kind of an envelope. It selects the payload variant.
type Type string

const (
	TypeSend       Type = "send"
	TypeAsk        Type = "ask"
	TypeStartAgent Type = "start_agent"
	TypeResponse   Type = "response"
	TypeStatus     Type = "status"
	TypeChat       Type = "chat"
)

// Types lists every valid envelope type.
var Types = []Type{TypeSend, TypeAsk, TypeStartAgent, TypeResponse, TypeStatus, TypeChat}

// Valid reports whether t is a known envelope type.
func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

// Launches reports whether envelopes of this type start an agent on the
// receiving node.
func (t Type) Launches() bool {
	return t == TypeAsk || t == TypeStartAgent
}

// ErrInvalidPayload is returned when a payload is missing required fields or
// does not match its envelope type.
var ErrInvalidPayload = errors.New("envelope: invalid payload")

// Priority of a send payload.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Defaults applied to payloads at construction.
const (
	DefaultAskTimeout      = 300
	DefaultRequireApproval = "auto"
)

// ContextMessage is one line of prior conversation handed to a launched agent.
type ContextMessage struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// Payload is the typed body of an envelope. The concrete variant is fixed by
// the envelope type; the set of variants is closed.
type Payload interface {
	// Type returns the envelope type this payload belongs to.
	Type() Type
	// Text returns the payload's message field, or "" for variants without one.
	Text() string

	normalize() (Payload, error)
}

// SendPayload is a one-way notification to an agent.
type SendPayload struct {
	Message  string   `json:"message"`
	Priority Priority `json:"priority"`
}

func (SendPayload) Type() Type { return TypeSend }
func (p SendPayload) Text() string { return p.Message }

func (p SendPayload) normalize() (Payload, error) {
	if p.Message == "" {
		return nil, fmt.Errorf("%w: send requires message", ErrInvalidPayload)
	}
	switch p.Priority {
	case "":
		p.Priority = PriorityNormal
	case PriorityNormal, PriorityUrgent:
	default:
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidPayload, p.Priority)
	}
	return p, nil
}

// AskPayload asks a remote agent a question; the receiver launches an agent
// to answer it.
type AskPayload struct {
	Message         string           `json:"message"`
	Timeout         int              `json:"timeout"`
	RequireApproval string           `json:"require_approval"`
	Context         []ContextMessage `json:"context,omitempty"`
}

func (AskPayload) Type() Type { return TypeAsk }
func (p AskPayload) Text() string { return p.Message }

func (p AskPayload) normalize() (Payload, error) {
	if p.Message == "" {
		return nil, fmt.Errorf("%w: ask requires message", ErrInvalidPayload)
	}
	if p.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout %d", ErrInvalidPayload, p.Timeout)
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultAskTimeout
	}
	if p.RequireApproval == "" {
		p.RequireApproval = DefaultRequireApproval
	}
	return p, nil
}

// StartAgentPayload launches an agent on a mission.
type StartAgentPayload struct {
	Mission      string           `json:"mission"`
	AgentCommand string           `json:"agent_command,omitempty"`
	Context      []ContextMessage `json:"context,omitempty"`
}

func (StartAgentPayload) Type() Type { return TypeStartAgent }
func (StartAgentPayload) Text() string { return "" }

func (p StartAgentPayload) normalize() (Payload, error) {
	if p.Mission == "" {
		return nil, fmt.Errorf("%w: start_agent requires mission", ErrInvalidPayload)
	}
	return p, nil
}

// ResponsePayload answers an earlier envelope.
type ResponsePayload struct {
	Message   string `json:"message"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

func (ResponsePayload) Type() Type { return TypeResponse }
func (p ResponsePayload) Text() string { return p.Message }

func (p ResponsePayload) normalize() (Payload, error) {
	if p.Message == "" {
		return nil, fmt.Errorf("%w: response requires message", ErrInvalidPayload)
	}
	return p, nil
}

// StatusPayload reports an agent's state.
type StatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (StatusPayload) Type() Type { return TypeStatus }
func (StatusPayload) Text() string { return "" }

func (p StatusPayload) normalize() (Payload, error) {
	if p.Status == "" {
		return nil, fmt.Errorf("%w: status requires status", ErrInvalidPayload)
	}
	return p, nil
}

// ChatPayload is a conversational message within a thread.
type ChatPayload struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

func (ChatPayload) Type() Type { return TypeChat }
func (p ChatPayload) Text() string { return p.Message }

func (p ChatPayload) normalize() (Payload, error) {
	if p.Message == "" {
		return nil, fmt.Errorf("%w: chat requires message", ErrInvalidPayload)
	}
	if p.ThreadID == "" {
		p.ThreadID = NewThreadID()
	}
	return p, nil
}

// DecodePayload decodes raw JSON into the variant selected by t and applies
// defaults and validation.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeSend:
		var v SendPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeAsk:
		var v AskPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeStartAgent:
		var v StartAgentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeResponse:
		var v ResponsePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeStatus:
		var v StatusPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeChat:
		var v ChatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, t, err)
	}
	return p.normalize()
}

// ContextOf returns the context messages carried by launching payloads.
func ContextOf(p Payload) []ContextMessage {
	switch v := p.(type) {
	case AskPayload:
		return v.Context
	case StartAgentPayload:
		return v.Context
	}
	return nil
}

// MissionText returns the task text a launched agent should work on.
func MissionText(p Payload) string {
	if v, ok := p.(StartAgentPayload); ok {
		return v.Mission
	}
	return p.Text()
}
