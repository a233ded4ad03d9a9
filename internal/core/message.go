package core

import (
	"strings"
	"time"
)

// Source records which path delivered a message into the session view.
type Source int

const (
	// SourceLocalEcho is a message shown to its sender before any backend confirmed it.
	SourceLocalEcho Source = iota
	// SourceDurable is a message read from or confirmed by the durable log.
	SourceDurable
	// SourceEphemeral is a message received only over the ephemeral bus so far.
	SourceEphemeral
)

func (s Source) String() string {
	switch s {
	case SourceLocalEcho:
		return "local"
	case SourceDurable:
		return "durable"
	case SourceEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// Position is the durable log position of a message. Positions are strictly
// increasing per channel; zero means not persisted.
type Position int64

// Message is the domain model for a chat message.
type Message struct {
	SenderID    string
	RecipientID string
	Content     string
	// OriginID is assigned by the durable log on append.
	OriginID string
	Position Position
	// ClientMsgID is assigned by the sending client and travels with both copies
	// of the message when the backend preserves it.
	ClientMsgID string
	Source      Source
	SentAt      time.Time
}

// Persisted reports whether the message carries a durable log position.
func (m Message) Persisted() bool {
	return m.Position > 0
}

// Validate checks the fields every stored or received record must carry.
func (m Message) Validate() error {
	switch {
	case m.SenderID == "":
		return Malformed("sender is missing")
	case m.RecipientID == "":
		return Malformed("recipient is missing")
	case strings.TrimSpace(m.Content) == "":
		return Malformed("content is empty")
	}
	return nil
}

// sameLogical reports whether two copies describe one logical message.
// Client ids disambiguate repeated identical texts when both copies carry one.
func sameLogical(a, b Message) bool {
	if a.SenderID != b.SenderID || a.RecipientID != b.RecipientID || a.Content != b.Content {
		return false
	}
	if a.ClientMsgID != "" && b.ClientMsgID != "" {
		return a.ClientMsgID == b.ClientMsgID
	}
	return true
}
