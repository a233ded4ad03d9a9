package core

// State is the lifecycle state of a session.
type State int

const (
	StateInitializing State = iota
	StateReplaying
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// View is an immutable snapshot of a session's ordered messages.
type View struct {
	Channel  ChannelID
	Messages []Message
	State    State

	// LogDegraded is set while the durable log is failing.
	LogDegraded bool
	// BusDegraded is set while the ephemeral bus is disconnected or failing.
	BusDegraded bool
	// HistoryUnavailable is set when replay failed at open.
	HistoryUnavailable bool
}

// Degraded reports whether either backing source is failing.
func (v View) Degraded() bool {
	return v.LogDegraded || v.BusDegraded
}

// Len returns the number of entries in the view.
func (v View) Len() int {
	return len(v.Messages)
}
