package relay

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandSubscribe registers the client for a topic.
	CommandSubscribe CommandKind = iota
	// CommandUnsubscribe removes the client from a topic.
	CommandUnsubscribe
	// CommandPublish delivers a payload to every subscriber of a topic.
	CommandPublish
)

// Command represents an action requested by a client.
type Command struct {
	Kind    CommandKind
	Topic   string
	Payload string
}
