package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

func TestEnvelopeRoundTripKeepsIdentity(t *testing.T) {
	req := require.New(t)
	sentAt := time.UnixMilli(1714564800123)

	payload, err := EncodeMessage(core.Message{
		SenderID:    "u1",
		RecipientID: "u2",
		Content:     "hello",
		ClientMsgID: "c-1",
		SentAt:      sentAt,
	})
	req.NoError(err)

	msg, err := DecodeMessage(payload, "u1_u2", "u2")
	req.NoError(err)
	req.Equal("u1", msg.SenderID)
	req.Equal("u2", msg.RecipientID)
	req.Equal("hello", msg.Content)
	req.Equal("c-1", msg.ClientMsgID)
	req.Equal(core.SourceEphemeral, msg.Source)
	req.True(sentAt.Equal(msg.SentAt))
	req.False(msg.Persisted())
}

func TestDecodePlainTextComesFromPeer(t *testing.T) {
	req := require.New(t)

	msg, err := DecodeMessage([]byte("hi there"), "u1_u2", "u1")
	req.NoError(err)
	req.Equal("u2", msg.SenderID)
	req.Equal("u1", msg.RecipientID)
	req.Equal("hi there", msg.Content)

	// Text that merely looks like JSON is still text.
	msg, err = DecodeMessage([]byte("{not an envelope"), "u1_u2", "u2")
	req.NoError(err)
	req.Equal("u1", msg.SenderID)
	req.Equal("{not an envelope", msg.Content)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := map[string][]byte{
		"empty":             {},
		"whitespace":        []byte("  \n"),
		"invalid utf8":      {0xff, 0xfe, 0xfd},
		"blank envelope":    []byte(`{"id":"x","sender_id":"u1","recipient_id":"u2","content":"  "}`),
		"missing recipient": []byte(`{"id":"x","sender_id":"u1","content":"hi"}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage(payload, "u1_u2", "u1")
			require.ErrorIs(t, err, core.ErrMalformedRecord)
		})
	}
}

func TestDecodePlainTextFromOutsider(t *testing.T) {
	_, err := DecodeMessage([]byte("hello"), "u1_u2", "u3")
	require.ErrorIs(t, err, core.ErrMalformedRecord)
}
