package core

// EventKind is a notification a backing source delivers to the reconciler.
type EventKind int

const (
	// EventReplayLoaded carries the durable history, or the replay failure in Err.
	EventReplayLoaded EventKind = iota
	// EventAppendObserved carries a message appended to the durable log.
	EventAppendObserved
	// EventLogError reports a durable log failure.
	EventLogError
	// EventLogRecovered clears a previous EventLogError.
	EventLogRecovered
	// EventMessageArrived carries a message received on the ephemeral bus.
	EventMessageArrived
	// EventConnectionLost reports the ephemeral bus disconnected.
	EventConnectionLost
	// EventConnectionRestored reports the ephemeral bus is connected again.
	EventConnectionRestored
)

func (k EventKind) String() string {
	switch k {
	case EventReplayLoaded:
		return "replay_loaded"
	case EventAppendObserved:
		return "append_observed"
	case EventLogError:
		return "log_error"
	case EventLogRecovered:
		return "log_recovered"
	case EventMessageArrived:
		return "message_arrived"
	case EventConnectionLost:
		return "connection_lost"
	case EventConnectionRestored:
		return "connection_restored"
	default:
		return "unknown"
	}
}

// Event is sent to the reconciler to describe what happened in a backing source.
type Event struct {
	Kind     EventKind
	Message  Message
	Messages []Message // For EventReplayLoaded
	Err      error
}

// UpdateKind describes a change to a session view.
type UpdateKind int

const (
	// UpdateSnapshot is the first update an observer receives: the full view.
	UpdateSnapshot UpdateKind = iota
	// UpdateAppended reports a new entry at Index.
	UpdateAppended
	// UpdateReplaced reports the entry at Index was upgraded in place.
	UpdateReplaced
	// UpdateStatus reports a state or degradation change; Err carries the cause.
	UpdateStatus
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateSnapshot:
		return "snapshot"
	case UpdateAppended:
		return "appended"
	case UpdateReplaced:
		return "replaced"
	case UpdateStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Update is delivered to session observers. View is an immutable snapshot
// taken right after the change was applied.
type Update struct {
	Kind    UpdateKind
	Index   int
	Message Message
	View    View
	Err     error
}
