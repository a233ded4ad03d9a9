package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Metrics receives relay counters. internal/metrics provides the prometheus
// implementation.
type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	TopicsChanged(n int)
	Published(delivered, dropped int)
}

type nopMetrics struct{}

func (nopMetrics) ClientConnected()    {}
func (nopMetrics) ClientDisconnected() {}
func (nopMetrics) TopicsChanged(int)   {}
func (nopMetrics) Published(int, int)  {}

type clientCommand struct {
	client *Client
	cmd    *Command
}

// Hub routes published payloads to topic subscribers. All state is owned by
// the goroutine running Run.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	inbox      chan clientCommand
	stopped    chan struct{}

	clients map[*Client]struct{}
	topics  map[string]*Topic

	metrics Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewHub creates a hub. A nil logger or metrics disables them.
func NewHub(logger *zerolog.Logger, metrics Metrics) *Hub {
	h := &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbox:      make(chan clientCommand, commandBuffer),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]*Topic),
		metrics:    metrics,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	if logger != nil {
		h.log = *logger
	}
	if h.metrics == nil {
		h.metrics = nopMetrics{}
	}
	return h
}

// RegisterClient attaches a client to the hub and starts forwarding its commands.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
		close(c.Events)
	}
}

// UnregisterClient detaches a client, drops its subscriptions and closes its Events.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Run processes hub traffic until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.stopped)
		for c := range h.clients {
			h.drop(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.ClientConnected()
			go h.forward(c)
			h.log.Debug().Str("client_id", c.ID).Str("user", c.User).Msg("client registered")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			h.drop(c)
			h.log.Debug().Str("client_id", c.ID).Msg("client unregistered")
		case in := <-h.inbox:
			if _, ok := h.clients[in.client]; !ok {
				continue
			}
			h.handle(in.client, in.cmd)
		}
	}
}

// forward moves a client's commands into the hub inbox until the client is dropped.
func (h *Hub) forward(c *Client) {
	for {
		select {
		case <-c.quit:
			return
		case <-h.stopped:
			return
		case cmd := <-c.Commands:
			select {
			case h.inbox <- clientCommand{client: c, cmd: cmd}:
			case <-c.quit:
				return
			case <-h.stopped:
				return
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	for name := range c.topics {
		h.leave(c, name)
	}
	delete(h.clients, c)
	close(c.quit)
	close(c.Events)
	h.metrics.ClientDisconnected()
}

func (h *Hub) handle(c *Client, cmd *Command) {
	if cmd == nil {
		return
	}
	if cmd.Topic == "" {
		c.send(errorEvent("", ErrCodeBadRequest, ErrBadRequest))
		return
	}

	switch cmd.Kind {
	case CommandSubscribe:
		if _, ok := c.topics[cmd.Topic]; ok {
			c.send(errorEvent(cmd.Topic, ErrCodeAlreadySubscribed, ErrAlreadySubscribed))
			return
		}
		t, ok := h.topics[cmd.Topic]
		if !ok {
			t = NewTopic(cmd.Topic)
			h.topics[cmd.Topic] = t
			h.metrics.TopicsChanged(len(h.topics))
		}
		t.AddClient(c)
		c.topics[cmd.Topic] = struct{}{}
		c.send(&Event{Kind: EventSubscribed, Topic: cmd.Topic})
	case CommandUnsubscribe:
		if _, ok := c.topics[cmd.Topic]; !ok {
			c.send(errorEvent(cmd.Topic, ErrCodeNotSubscribed, ErrNotSubscribed))
			return
		}
		h.leave(c, cmd.Topic)
		c.send(&Event{Kind: EventUnsubscribed, Topic: cmd.Topic})
	case CommandPublish:
		h.publish(c, cmd)
	default:
		c.send(errorEvent(cmd.Topic, ErrCodeBadRequest, ErrBadRequest))
	}
}

// publish fans the payload out to current subscribers. Publishers need not
// be subscribed; a subscribed publisher receives its own message.
func (h *Hub) publish(c *Client, cmd *Command) {
	t, ok := h.topics[cmd.Topic]
	if !ok {
		h.metrics.Published(0, 0)
		return
	}
	ev := &Event{
		Kind:    EventMessage,
		Topic:   cmd.Topic,
		Payload: cmd.Payload,
		From:    c.User,
		At:      h.now(),
	}
	delivered, dropped := t.Broadcast(ev)
	h.metrics.Published(delivered, dropped)
	if dropped > 0 {
		h.log.Warn().Str("topic", cmd.Topic).Int("dropped", dropped).Msg("slow subscribers skipped")
	}
}

func (h *Hub) leave(c *Client, name string) {
	delete(c.topics, name)
	t, ok := h.topics[name]
	if !ok {
		return
	}
	t.RemoveClient(c)
	if t.Empty() {
		delete(h.topics, name)
		h.metrics.TopicsChanged(len(h.topics))
	}
}
