package proto

import "encoding/json"

// Inbound is the envelope for frames coming from a relay client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello = "hello"
	InboundTypeSub   = "sub"
	InboundTypeUnsub = "unsub"
	InboundTypePub   = "pub"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventWelcome      = "welcome"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventMessage      = "message"
)

// Error codes sent in error frames.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeTooLarge           = "too_large"
	ErrCodeNotSubscribed      = "not_subscribed"
	ErrCodeUnknownType        = "invalid_message"
)

// HelloData is sent by the client to introduce itself.
type HelloData struct {
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// TopicData names a topic to subscribe to or leave.
type TopicData struct {
	Topic string `json:"topic"`
}

// PubData publishes an opaque UTF-8 payload to a topic.
type PubData struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Outbound is the envelope for frames sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventWelcomeData acknowledges a hello.
type EventWelcomeData struct {
	ClientID string `json:"client_id"`
	User     string `json:"user,omitempty"`
	Protocol int    `json:"protocol"`
}

// EventTopicData acknowledges sub and unsub.
type EventTopicData struct {
	Topic string `json:"topic"`
}

// EventMessageData delivers a published payload to topic subscribers.
type EventMessageData struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	From    string `json:"from,omitempty"`
	TS      int64  `json:"ts"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// InboundFrame builds an inbound frame with data marshaled to JSON.
func InboundFrame(kind string, data any) (Inbound, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Type: kind, Data: raw}, nil
}

// RawOutbound mirrors Outbound for decoding on the client side.
type RawOutbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}
