package approval

import "fmt"

// Level is the approval requirement for a message. The naming is inverted
// relative to intuition: LevelNever means approval is never required.
type Level string

const (
	LevelNever       Level = "never"
	LevelAlwaysAllow Level = "always_allow"
	LevelOnce        Level = "once"
	LevelMission     Level = "mission"
	LevelSession     Level = "session"
)

// Levels in ascending strength.
var Levels = []Level{LevelNever, LevelAlwaysAllow, LevelOnce, LevelMission, LevelSession}

// ParseLevel validates s as a Level.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("approval: unknown level %q", s)
}

// Strength orders levels; higher is stricter. Unknown levels return -1.
func (l Level) Strength() int {
	for i, v := range Levels {
		if v == l {
			return i
		}
	}
	return -1
}

// RequiresInteraction reports whether a human must confirm the message.
func (l Level) RequiresInteraction() bool {
	switch l {
	case LevelOnce, LevelMission, LevelSession:
		return true
	}
	return false
}
