// Package telegraph bridges intercom to chat platforms (Slack, Discord):
// mission threads, approval prompts and "!ic" commands.
package telegraph

import (
	"context"
	"strings"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message and returns the thread that replies
	// to it should use: msg.ThreadID when set, otherwise a thread rooted at
	// the posted message.
	Send(ctx context.Context, msg OutboundMessage) (string, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message or button press received from the
// chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "slack", "discord"
	ChannelID string    // platform-specific channel identifier
	ThreadID  string    // thread/conversation identifier (empty if top-level)
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	Text      string    // raw message text
	Action    *Action   // set for button presses
	Timestamp time.Time // when the message was sent
}

// Action is a pressed button.
type Action struct {
	ID    string // the button's ActionID
	Value string
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID  string           // target channel (empty for the adapter default)
	ThreadID   string           // thread to reply in (empty for new top-level message)
	ThreadName string           // name of the thread started from a top-level message
	Text       string           // message text (platform-native formatting)
	Events     []FormattedEvent // structured event attachments
	Buttons    []Button
}

// Button is an interactive button attached to an outbound message.
type Button struct {
	Label    string
	ActionID string
	Value    string
	Style    string // "", "primary" or "danger"
}

// Button styles.
const (
	StylePrimary = "primary"
	StyleDanger  = "danger"
)

// FormattedEvent represents a mission event formatted for display in chat.
type FormattedEvent struct {
	Title    string  // event headline (e.g. "Mission completed")
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint (e.g. "#36a64f" for success)
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// EncodeButtonID packs a button's action id and value into one platform
// identifier ("<action>|<value>"). Platforms require ids unique per message.
func EncodeButtonID(b Button) string {
	return b.ActionID + "|" + b.Value
}

// DecodeButtonID reverses EncodeButtonID.
func DecodeButtonID(id string) *Action {
	i := strings.LastIndexByte(id, '|')
	if i < 0 {
		return &Action{ID: id}
	}
	return &Action{ID: id[:i], Value: id[i+1:]}
}
