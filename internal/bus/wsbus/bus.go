// Package wsbus implements core.EphemeralBus over the relay's websocket
// protocol. One Bus holds one connection and multiplexes every channel
// subscription over it.
package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const (
	defaultMinBackoff   = 250 * time.Millisecond
	defaultMaxBackoff   = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 1 << 20
)

var errNotConnected = errors.New("relay not connected")

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.log = logger.With().Str("component", "wsbus").Logger()
		}
	}
}

// WithToken sends token in the hello frame.
func WithToken(token string) Option {
	return func(b *Bus) { b.token = token }
}

// WithTopicPrefix sets the prefix prepended to channel ids to form relay topics.
func WithTopicPrefix(prefix string) Option {
	return func(b *Bus) { b.prefix = prefix }
}

// WithBackoff bounds the delay between reconnect attempts.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(b *Bus) {
		if minDelay > 0 {
			b.minBackoff = minDelay
		}
		if maxDelay >= b.minBackoff {
			b.maxBackoff = maxDelay
		}
	}
}

type subscription struct {
	id      int
	channel core.ChannelID
	handler core.BusHandler
}

// Bus is a relay client. Run must be running for Publish and Subscribe to
// reach the relay.
type Bus struct {
	url    string
	self   string
	token  string
	prefix string
	log    zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]map[int]*subscription
	nextID int
	ready  chan struct{}
	once   sync.Once
}

// New creates a relay client for self connecting to url.
func New(url, self string, opts ...Option) *Bus {
	b := &Bus{
		url:        url,
		self:       self,
		prefix:     "chat/messages/",
		log:        zerolog.Nop(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		subs:       make(map[string]map[int]*subscription),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run keeps a relay connection open until ctx is done, reconnecting with
// exponential backoff and restoring subscriptions after each reconnect.
func (b *Bus) Run(ctx context.Context) {
	backoff := b.minBackoff
	for {
		connected, err := b.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = b.minBackoff
		}
		b.log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay connection lost")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, b.maxBackoff)
	}
}

// WaitReady blocks until the first successful connection or ctx is done.
func (b *Bus) WaitReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session runs one connection. It reports whether the handshake succeeded.
func (b *Bus) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, b.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	if err := b.hello(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return false, err
	}

	b.mu.Lock()
	b.conn = conn
	topics := lo.Keys(b.subs)
	b.mu.Unlock()
	b.once.Do(func() { close(b.ready) })
	b.log.Info().Str("url", b.url).Int("topics", len(topics)).Msg("relay connected")

	for _, topic := range topics {
		if err := b.write(ctx, conn, proto.InboundTypeSub, proto.TopicData{Topic: topic}); err != nil {
			b.drop(err)
			return true, err
		}
	}
	for _, s := range b.snapshot() {
		if s.handler.OnConnected != nil {
			s.handler.OnConnected()
		}
	}

	err = b.readLoop(ctx, conn)
	b.drop(err)
	if ctx.Err() == nil {
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	} else {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return true, err
}

func (b *Bus) hello(ctx context.Context, conn *websocket.Conn) error {
	if err := b.write(ctx, conn, proto.InboundTypeHello, proto.HelloData{Token: b.token, Protocol: proto.ProtocolVersion}); err != nil {
		return err
	}
	var out proto.RawOutbound
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if out.Type == proto.OutboundTypeError && out.Error != nil {
		return fmt.Errorf("relay rejected hello: %s: %s", out.Error.Code, out.Error.Msg)
	}
	if out.Event != proto.EventWelcome {
		return fmt.Errorf("unexpected first frame %q/%q", out.Type, out.Event)
	}
	return nil
}

func (b *Bus) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var out proto.RawOutbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			return err
		}
		switch {
		case out.Type == proto.OutboundTypeError && out.Error != nil:
			b.log.Warn().Str("code", out.Error.Code).Str("msg", out.Error.Msg).Msg("relay error")
		case out.Event == proto.EventMessage:
			var data proto.EventMessageData
			if err := json.Unmarshal(out.Data, &data); err != nil {
				b.log.Warn().Err(err).Msg("malformed relay message event")
				continue
			}
			b.dispatch(data)
		default:
			b.log.Debug().Str("event", out.Event).Msg("relay event")
		}
	}
}

func (b *Bus) dispatch(data proto.EventMessageData) {
	b.mu.Lock()
	subs := lo.Values(b.subs[data.Topic])
	b.mu.Unlock()

	for _, s := range subs {
		msg, err := proto.DecodeMessage([]byte(data.Payload), s.channel, b.self)
		if err != nil {
			b.log.Warn().Err(err).Str("topic", data.Topic).Msg("dropping undecodable payload")
			continue
		}
		s.handler.OnMessage(msg)
	}
}

// drop forgets the current connection and tells every subscriber.
func (b *Bus) drop(cause error) {
	b.mu.Lock()
	b.conn = nil
	b.mu.Unlock()

	err := core.BusUnavailable("relay connection", cause)
	for _, s := range b.snapshot() {
		if s.handler.OnConnectionLost != nil {
			s.handler.OnConnectionLost(err)
		}
	}
}

func (b *Bus) snapshot() []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*subscription
	for _, byID := range b.subs {
		out = append(out, lo.Values(byID)...)
	}
	return out
}

func (b *Bus) current() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Bus) write(ctx context.Context, conn *websocket.Conn, kind string, data any) error {
	frame, err := proto.InboundFrame(kind, data)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, frame)
}

// Publish sends msg to the channel topic. It fails fast while disconnected.
func (b *Bus) Publish(ctx context.Context, channel core.ChannelID, msg core.Message) error {
	payload, err := proto.EncodeMessage(msg)
	if err != nil {
		return core.BusUnavailable("encode", err)
	}
	conn := b.current()
	if conn == nil {
		return core.BusUnavailable("publish", errNotConnected)
	}
	topic := channel.Topic(b.prefix)
	if err := b.write(ctx, conn, proto.InboundTypePub, proto.PubData{Topic: topic, Payload: string(payload)}); err != nil {
		return core.BusUnavailable("publish", err)
	}
	return nil
}

// Subscribe registers handler for channel. The relay subscription is restored
// on every reconnect until the returned subscription is released.
func (b *Bus) Subscribe(ctx context.Context, channel core.ChannelID, handler core.BusHandler) (core.Subscription, error) {
	if handler.OnMessage == nil {
		return nil, fmt.Errorf("wsbus: OnMessage handler is required")
	}
	topic := channel.Topic(b.prefix)

	b.mu.Lock()
	b.nextID++
	s := &subscription{id: b.nextID, channel: channel, handler: handler}
	byID, ok := b.subs[topic]
	if !ok {
		byID = make(map[int]*subscription)
		b.subs[topic] = byID
	}
	byID[s.id] = s
	first := len(byID) == 1
	conn := b.conn
	b.mu.Unlock()

	switch {
	case conn == nil:
		if handler.OnConnectionLost != nil {
			handler.OnConnectionLost(core.BusUnavailable("subscribe", errNotConnected))
		}
	case first:
		if err := b.write(ctx, conn, proto.InboundTypeSub, proto.TopicData{Topic: topic}); err != nil {
			// The read loop notices the broken connection and the reconnect resubscribes.
			b.log.Warn().Err(err).Str("topic", topic).Msg("send sub")
		}
	}

	return core.SubscriptionFunc(func() error {
		return b.unsubscribe(topic, s.id)
	}), nil
}

func (b *Bus) unsubscribe(topic string, id int) error {
	b.mu.Lock()
	byID, ok := b.subs[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if _, ok := byID[id]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(byID, id)
	last := len(byID) == 0
	if last {
		delete(b.subs, topic)
	}
	conn := b.conn
	b.mu.Unlock()

	if !last || conn == nil {
		return nil
	}
	if err := b.write(context.Background(), conn, proto.InboundTypeUnsub, proto.TopicData{Topic: topic}); err != nil {
		return core.BusUnavailable("unsubscribe", err)
	}
	return nil
}

var _ core.EphemeralBus = (*Bus)(nil)
