package launcher

import (
	"fmt"
	"strings"

	"github.com/zulandar/intercom/internal/envelope"
)

// maxContextMessages is how many trailing context lines a prompt carries.
const maxContextMessages = 20

// BuildPrompt renders the text handed to the agent as its final argument.
func BuildPrompt(mission string, recent []envelope.ContextMessage, missionID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are in mission %s.\n\n", missionID)

	if len(recent) > 0 {
		if len(recent) > maxContextMessages {
			recent = recent[len(recent)-maxContextMessages:]
		}
		b.WriteString("Recent conversation context:\n")
		for _, c := range recent {
			sender := c.From
			if sender == "" {
				sender = "unknown"
			}
			fmt.Fprintf(&b, "  %s: %s\n", sender, c.Message)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Current task:\n%s\n", mission)
	fmt.Fprintf(&b, "\nRun `ic history %s` if you need the full conversation history.", missionID)
	return b.String()
}
