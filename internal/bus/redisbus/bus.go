// Package redisbus implements core.EphemeralBus on Redis PUBLISH/SUBSCRIBE.
package redisbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const defaultHealthInterval = 2 * time.Second

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.log = logger.With().Str("component", "redisbus").Logger()
		}
	}
}

// WithTopicPrefix sets the prefix prepended to channel ids to form Redis channels.
func WithTopicPrefix(prefix string) Option {
	return func(b *Bus) { b.prefix = prefix }
}

// WithHealthInterval sets how often subscriptions ping Redis to detect outages.
func WithHealthInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.healthInterval = d
		}
	}
}

// Bus publishes chat envelopes to Redis channels named after the chat channel.
type Bus struct {
	client         *redis.Client
	self           string
	prefix         string
	healthInterval time.Duration
	log            zerolog.Logger
}

// New wraps a Redis client for self.
func New(client *redis.Client, self string, opts ...Option) *Bus {
	b := &Bus{
		client:         client,
		self:           self,
		prefix:         "chat/messages/",
		healthInterval: defaultHealthInterval,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends msg to the channel's Redis channel.
func (b *Bus) Publish(ctx context.Context, channel core.ChannelID, msg core.Message) error {
	payload, err := proto.EncodeMessage(msg)
	if err != nil {
		return core.BusUnavailable("encode", err)
	}
	if err := b.client.Publish(ctx, channel.Topic(b.prefix), payload).Err(); err != nil {
		return core.BusUnavailable("publish", err)
	}
	return nil
}

// Subscribe listens on the channel's Redis channel. The client reconnects and
// resubscribes on its own; a ping loop reports outages to the handler.
func (b *Bus) Subscribe(ctx context.Context, channel core.ChannelID, handler core.BusHandler) (core.Subscription, error) {
	if handler.OnMessage == nil {
		return nil, fmt.Errorf("redisbus: OnMessage handler is required")
	}
	topic := channel.Topic(b.prefix)

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(subCtx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, core.BusUnavailable("subscribe", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.receive(subCtx, pubsub, channel, handler)
	}()
	go func() {
		defer wg.Done()
		b.watch(subCtx, handler)
	}()
	b.log.Debug().Str("topic", topic).Msg("subscribed")

	var once sync.Once
	return core.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			cancel()
			err = pubsub.Close()
			wg.Wait()
		})
		return err
	}), nil
}

func (b *Bus) receive(ctx context.Context, pubsub *redis.PubSub, channel core.ChannelID, handler core.BusHandler) {
	ch := pubsub.Channel(redis.WithChannelHealthCheckInterval(b.healthInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := proto.DecodeMessage([]byte(m.Payload), channel, b.self)
			if err != nil {
				b.log.Warn().Err(err).Str("topic", m.Channel).Msg("dropping undecodable payload")
				continue
			}
			handler.OnMessage(msg)
		}
	}
}

// watch pings Redis and reports each transition between reachable and not.
func (b *Bus) watch(ctx context.Context, handler core.BusHandler) {
	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()

	down := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, b.healthInterval)
		err := b.client.Ping(pctx).Err()
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil && !down:
			down = true
			b.log.Warn().Err(err).Msg("redis unreachable")
			if handler.OnConnectionLost != nil {
				handler.OnConnectionLost(core.BusUnavailable("ping", err))
			}
		case err == nil && down:
			down = false
			b.log.Info().Msg("redis reachable again")
			if handler.OnConnected != nil {
				handler.OnConnected()
			}
		}
	}
}

var _ core.EphemeralBus = (*Bus)(nil)
