package router

// Route result statuses. Daemons may reply with others; Result carries
// their body verbatim.
const (
	StatusError        = "error"
	StatusDenied       = "denied"
	StatusDelivered    = "delivered"
	StatusLaunched     = "launched"
	StatusLaunchFailed = "launch_failed"
	StatusReceived     = "received"
)

// Result is the JSON object returned by Route.
type Result map[string]any

// Status returns the "status" field, or "" when absent.
func (r Result) Status() string { return r.str("status") }

// MissionID returns the "mission_id" field, or "" when absent.
func (r Result) MissionID() string { return r.str("mission_id") }

// Reason returns the "error" field, or "" when absent.
func (r Result) Reason() string { return r.str("error") }

// OK reports whether the envelope reached its destination.
func (r Result) OK() bool {
	switch r.Status() {
	case StatusError, StatusDenied, StatusLaunchFailed, "":
		return false
	}
	return true
}

func (r Result) str(key string) string {
	s, _ := r[key].(string)
	return s
}
