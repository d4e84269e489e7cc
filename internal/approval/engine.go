// Package approval decides whether a message needs human confirmation
// before dispatch, from static policy rules and runtime grants.
package approval

import (
	"sort"
	"sync"

	"github.com/zulandar/intercom/internal/envelope"
)

// Source names where a decision came from.
type Source string

const (
	SourceMissionGrant Source = "grant_mission"
	SourceSessionGrant Source = "grant_session"
	SourceRule         Source = "rule"
	SourceDefault      Source = "default"
)

// Decision is the outcome of evaluating a message.
type Decision struct {
	Level  Level
	Source Source
	// Rule is the matching rule's label when Source is SourceRule.
	Rule string
}

// Granted reports whether the decision came from a prior human grant.
func (d Decision) Granted() bool {
	return d.Source == SourceMissionGrant || d.Source == SourceSessionGrant
}

type missionKey struct {
	missionID, from, to string
}

type sessionKey struct {
	from, to string
}

// Grant is a snapshot entry of the runtime grant tables.
type Grant struct {
	MissionID string // empty for session grants
	From      string
	To        string
	Level     Level
}

// Engine evaluates messages. Static rules are fixed at construction; the
// grant tables are safe for concurrent use and live only in memory.
type Engine struct {
	rules        []compiledRule
	defaultLevel Level

	mu       sync.RWMutex
	missions map[missionKey]Level
	sessions map[sessionKey]Level
}

// New compiles p into an Engine.
func New(p Policies) (*Engine, error) {
	if p.Defaults.RequireApproval == "" {
		p.Defaults.RequireApproval = DefaultLevel
	}
	rules, err := compile(p)
	if err != nil {
		return nil, err
	}
	return &Engine{
		rules:        rules,
		defaultLevel: p.Defaults.RequireApproval,
		missions:     make(map[missionKey]Level),
		sessions:     make(map[sessionKey]Level),
	}, nil
}

// Evaluate returns the approval level required for msg.
func (e *Engine) Evaluate(msg envelope.Message) Level {
	return e.Check(msg).Level
}

// Check evaluates msg: mission grant, then session grant, then the first
// matching rule, then the default.
func (e *Engine) Check(msg envelope.Message) Decision {
	from, to := msg.From.String(), msg.To.String()

	e.mu.RLock()
	if l, ok := e.missions[missionKey{msg.MissionID, from, to}]; ok {
		e.mu.RUnlock()
		return Decision{Level: l, Source: SourceMissionGrant}
	}
	if l, ok := e.sessions[sessionKey{from, to}]; ok {
		e.mu.RUnlock()
		return Decision{Level: l, Source: SourceSessionGrant}
	}
	e.mu.RUnlock()

	for _, r := range e.rules {
		if r.matches(msg) {
			return Decision{Level: r.Approval, Source: SourceRule, Rule: r.Label}
		}
	}
	return Decision{Level: e.defaultLevel, Source: SourceDefault}
}

// Grant records a runtime approval. Mission levels go to the mission table;
// session and always_allow go to the session table. Other levels are ignored.
func (e *Engine) Grant(missionID, from, to string, level Level) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch level {
	case LevelMission:
		e.missions[missionKey{missionID, from, to}] = level
	case LevelSession, LevelAlwaysAllow:
		e.sessions[sessionKey{from, to}] = level
	}
}

// ClearMissionGrants drops every mission-scoped grant for missionID.
func (e *Engine) ClearMissionGrants(missionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k := range e.missions {
		if k.missionID == missionID {
			delete(e.missions, k)
		}
	}
}

// Grants returns a sorted snapshot of both grant tables.
func (e *Engine) Grants() []Grant {
	e.mu.RLock()
	out := make([]Grant, 0, len(e.missions)+len(e.sessions))
	for k, l := range e.missions {
		out = append(out, Grant{MissionID: k.missionID, From: k.from, To: k.to, Level: l})
	}
	for k, l := range e.sessions {
		out = append(out, Grant{From: k.from, To: k.to, Level: l})
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MissionID != out[j].MissionID {
			return out[i].MissionID < out[j].MissionID
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Rules returns the static rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Rule
	}
	return out
}

// DefaultLevel returns the level applied when no grant or rule matches.
func (e *Engine) DefaultLevel() Level {
	return e.defaultLevel
}
