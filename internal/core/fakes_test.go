package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

// fakeLog is an in-memory DurableLog whose notifications are driven by tests.
type fakeLog struct {
	mu          sync.Mutex
	records     []Message
	appends     []Message
	handler     LogHandler
	unsubscribe int
	replayErr   error
	appendErr   error
	// echoAppends notifies the subscriber of successful appends, as a real log does.
	echoAppends bool
	// hold, when set, delays Append until it is closed.
	hold chan struct{}
	// replayGate, when set, delays Replay until it is closed.
	replayGate chan struct{}
}

func (l *fakeLog) Append(ctx context.Context, _ ChannelID, msg Message) (Message, error) {
	if l.hold != nil {
		select {
		case <-l.hold:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	l.mu.Lock()
	if l.appendErr != nil {
		err := l.appendErr
		l.appends = append(l.appends, msg)
		l.mu.Unlock()
		return Message{}, err
	}
	l.appends = append(l.appends, msg)
	msg.Position = Position(len(l.records) + 1)
	msg.OriginID = "origin-" + msg.ClientMsgID
	msg.Source = SourceDurable
	l.records = append(l.records, msg)
	h, notify := l.handler, l.echoAppends
	l.mu.Unlock()

	if notify && h.OnAppend != nil {
		h.OnAppend(msg)
	}
	return msg, nil
}

func (l *fakeLog) Replay(ctx context.Context, _ ChannelID) ([]Message, error) {
	if l.replayGate != nil {
		select {
		case <-l.replayGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayErr != nil && !errors.Is(l.replayErr, ErrMalformedRecord) {
		return nil, l.replayErr
	}
	out := make([]Message, len(l.records))
	copy(out, l.records)
	return out, l.replayErr
}

func (l *fakeLog) SubscribeAppends(_ context.Context, _ ChannelID, h LogHandler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
	return SubscriptionFunc(func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.unsubscribe++
		return nil
	}), nil
}

func (l *fakeLog) emit(msg Message) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h.OnAppend(msg)
}

// fail reports a follow failure to the subscriber.
func (l *fakeLog) fail(err error) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h.OnError(err)
}

// recover reports that following the log works again.
func (l *fakeLog) recover() {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h.OnRecovered()
}

func (l *fakeLog) appendContents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.appends))
	for i, m := range l.appends {
		out[i] = m.Content
	}
	return out
}

func (l *fakeLog) appendCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.appends)
}

func (l *fakeLog) unsubscribes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsubscribe
}

func (l *fakeLog) setAppendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr = err
}

// fakeBus is an EphemeralBus that records publishes and lets tests inject arrivals.
type fakeBus struct {
	mu          sync.Mutex
	published   []Message
	handler     BusHandler
	unsubscribe int
	publishErr  error
	// loopback delivers published messages back to the subscriber.
	loopback bool
}

func (b *fakeBus) Publish(_ context.Context, _ ChannelID, msg Message) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	err, h, loop := b.publishErr, b.handler, b.loopback
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if loop && h.OnMessage != nil {
		h.OnMessage(msg)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ ChannelID, h BusHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return SubscriptionFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubscribe++
		return nil
	}), nil
}

func (b *fakeBus) deliver(msg Message) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h.OnMessage(msg)
}

func (b *fakeBus) lose(err error) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h.OnConnectionLost(err)
}

func (b *fakeBus) restore() {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h.OnConnected()
}

func (b *fakeBus) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler.OnMessage != nil
}

func (b *fakeBus) publishedContents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, m := range b.published {
		out[i] = m.Content
	}
	return out
}

func (b *fakeBus) publishCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBus) unsubscribes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribe
}

// manualClock is a test clock advanced explicitly.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openSession(t *testing.T, self, peer string, log *fakeLog, bus *fakeBus, opts Options) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Open(ctx, self, peer, log, bus, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitView polls until cond holds for the session view.
func waitView(t *testing.T, s *Session, cond func(View) bool) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		v = s.View()
		return cond(v)
	}, 2*time.Second, 5*time.Millisecond)
	return v
}

func hasLen(n int) func(View) bool {
	return func(v View) bool { return v.Len() == n }
}
