package core

import "context"

// Subscription is a registration with a backing source.
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}

// LogHandler receives durable log change notifications for one channel.
type LogHandler struct {
	// OnAppend is called for every message appended after subscription, in log order.
	OnAppend func(Message)
	// OnError reports a backend failure while following the log.
	OnError func(error)
	// OnRecovered reports that following the log works again after an OnError.
	OnRecovered func()
}

// DurableLog is an append-only, per-channel ordered message store.
type DurableLog interface {
	// Append stores msg and returns its position. Failures wrap ErrLogUnavailable.
	Append(ctx context.Context, channel ChannelID, msg Message) (Message, error)

	// Replay returns every message stored for channel at call time, in log order.
	// Records that fail validation are skipped; the valid messages are then
	// returned together with an error wrapping ErrMalformedRecord.
	Replay(ctx context.Context, channel ChannelID) ([]Message, error)

	// SubscribeAppends follows appends made after the call, including appends by
	// other processes writing the same channel. Malformed records are skipped
	// without stalling delivery of later ones.
	SubscribeAppends(ctx context.Context, channel ChannelID, handler LogHandler) (Subscription, error)
}

// BusHandler receives ephemeral transport events for one channel.
// Connection lifecycle callbacks are delivered out of band from messages.
type BusHandler struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
	OnConnected      func()
}

// EphemeralBus is a publish/subscribe transport keyed by channel with no history.
type EphemeralBus interface {
	// Publish delivers msg at least once to currently connected subscribers.
	Publish(ctx context.Context, channel ChannelID, msg Message) error

	// Subscribe registers interest in channel until the subscription is released.
	Subscribe(ctx context.Context, channel ChannelID, handler BusHandler) (Subscription, error)
}
