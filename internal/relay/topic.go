package relay

// Topic groups clients subscribed to the same name.
type Topic struct {
	Name    string
	clients map[*Client]struct{}
}

// NewTopic constructs a topic with no subscribers.
func NewTopic(name string) *Topic {
	return &Topic{
		Name:    name,
		clients: make(map[*Client]struct{}),
	}
}

// AddClient inserts a client into the topic. Returns true if newly added.
func (t *Topic) AddClient(c *Client) bool {
	if _, exists := t.clients[c]; exists {
		return false
	}
	t.clients[c] = struct{}{}
	return true
}

// RemoveClient deletes a client from the topic. Returns true if removed.
func (t *Topic) RemoveClient(c *Client) bool {
	if _, exists := t.clients[c]; !exists {
		return false
	}
	delete(t.clients, c)
	return true
}

// Broadcast sends an event to all subscribers and returns how many received
// it and how many were skipped as slow consumers.
func (t *Topic) Broadcast(event *Event) (delivered, dropped int) {
	for client := range t.clients {
		if client.send(event) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// Empty returns true if the topic has no subscribers.
func (t *Topic) Empty() bool {
	return len(t.clients) == 0
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	return len(t.clients)
}
