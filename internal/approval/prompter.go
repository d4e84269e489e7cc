package approval

import (
	"context"
	"time"

	"github.com/zulandar/intercom/internal/envelope"
)

// Response is a human's answer to an approval request. The zero value
// denies.
type Response string

const (
	ResponseDeny    Response = ""
	ResponseOnce    Response = "once"
	ResponseMission Response = "mission"
	ResponseAlways  Response = "always"
)

// ParseResponse maps a button or command value to a Response. Unknown
// values deny.
func ParseResponse(s string) Response {
	switch Response(s) {
	case ResponseOnce, ResponseMission, ResponseAlways:
		return Response(s)
	}
	return ResponseDeny
}

// Approved reports whether the response lets the message through.
func (r Response) Approved() bool { return r != ResponseDeny }

// GrantLevel returns the level to record for a response and whether one
// should be recorded at all.
func (r Response) GrantLevel() (Level, bool) {
	switch r {
	case ResponseMission:
		return LevelMission, true
	case ResponseAlways:
		return LevelAlwaysAllow, true
	}
	return "", false
}

// Prompter asks a human to approve msg. It returns ResponseDeny on denial or
// when timeout elapses; an error is treated as a denial by callers.
type Prompter interface {
	RequestApproval(ctx context.Context, msg envelope.Message, timeout time.Duration) (Response, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, msg envelope.Message, timeout time.Duration) (Response, error)

func (f PrompterFunc) RequestApproval(ctx context.Context, msg envelope.Message, timeout time.Duration) (Response, error) {
	return f(ctx, msg, timeout)
}
