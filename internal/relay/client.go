package relay

const (
	commandBuffer = 16
	eventBuffer   = 64
)

// Client is a relay connection as seen by the hub.
type Client struct {
	ID   string
	User string

	Commands chan *Command
	// Events is closed by the hub once the client is unregistered.
	Events chan *Event

	// Owned by the hub goroutine.
	topics map[string]struct{}
	quit   chan struct{}
}

// NewClient constructs a client with initialized channels.
func NewClient(id, user string) *Client {
	return &Client{
		ID:       id,
		User:     user,
		Commands: make(chan *Command, commandBuffer),
		Events:   make(chan *Event, eventBuffer),
		topics:   make(map[string]struct{}),
		quit:     make(chan struct{}),
	}
}

// send queues ev for the client without blocking. It reports whether the
// event was queued.
func (c *Client) send(ev *Event) bool {
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}
