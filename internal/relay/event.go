package relay

import (
	"errors"
	"time"
)

// EventKind is a notification the hub emits to clients.
type EventKind int

const (
	// EventMessage delivers a payload published to a subscribed topic.
	EventMessage EventKind = iota
	// EventSubscribed confirms a subscription.
	EventSubscribed
	// EventUnsubscribed confirms a subscription was removed.
	EventUnsubscribed
	// EventError notifies the client about a rejected command.
	EventError
)

// Event is sent to clients to describe what happened on the relay.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload string
	From    string
	At      time.Time
	Error   *Error
}

// Error codes for rejected commands.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeAlreadySubscribed = "already_subscribed"
	ErrCodeNotSubscribed     = "not_subscribed"
)

var (
	ErrBadRequest        = errors.New("bad request")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
)

// Error wraps a code and human-readable message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func errorEvent(topic, code string, err error) *Event {
	return &Event{Kind: EventError, Topic: topic, Error: &Error{Code: code, Message: err.Error()}}
}
