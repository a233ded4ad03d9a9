package proto

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// Envelope is the ephemeral payload of one chat message.
type Envelope struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	SentAt      int64  `json:"sent_at"` // unix milliseconds
}

// EncodeMessage renders msg as an envelope payload.
func EncodeMessage(msg core.Message) ([]byte, error) {
	env := Envelope{
		ID:          msg.ClientMsgID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
	}
	if !msg.SentAt.IsZero() {
		env.SentAt = msg.SentAt.UnixMilli()
	}
	return json.Marshal(env)
}

// DecodeMessage parses an ephemeral payload received on channel by self.
// Payloads that are not envelopes but are non-empty UTF-8 text are treated as
// plain messages from the peer, the format older clients publish.
func DecodeMessage(payload []byte, channel core.ChannelID, self string) (core.Message, error) {
	if !utf8.Valid(payload) {
		return core.Message{}, core.Malformed("payload is not valid UTF-8")
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env Envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.SenderID != "" {
			msg := core.Message{
				SenderID:    env.SenderID,
				RecipientID: env.RecipientID,
				Content:     env.Content,
				ClientMsgID: env.ID,
				Source:      core.SourceEphemeral,
			}
			if env.SentAt > 0 {
				msg.SentAt = time.UnixMilli(env.SentAt)
			}
			if err := msg.Validate(); err != nil {
				return core.Message{}, err
			}
			return msg, nil
		}
	}

	text := string(payload)
	if strings.TrimSpace(text) == "" {
		return core.Message{}, core.Malformed("payload is empty")
	}
	peer, ok := channel.Peer(self)
	if !ok {
		return core.Message{}, core.Malformed("%s is not a participant of %s", self, channel)
	}
	return core.Message{
		SenderID:    peer,
		RecipientID: self,
		Content:     text,
		Source:      core.SourceEphemeral,
	}, nil
}
