package core

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Session is an open conversation between self and one peer. It merges the
// durable log and the ephemeral bus of the channel into one ordered view.
type Session struct {
	r *Reconciler
}

// Open derives the channel for selfID and peerID, subscribes to both sources
// and loads history. It returns once history has been replayed or the replay
// has failed; a failed replay leaves the session live and degraded.
// Only invalid identities fail Open.
func Open(ctx context.Context, selfID, peerID string, log DurableLog, bus EphemeralBus, opts Options) (*Session, error) {
	channel, err := DeriveChannel(selfID, peerID)
	if err != nil {
		return nil, err
	}

	r := newReconciler(selfID, peerID, channel, log, bus, opts)
	go r.run()

	subCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	logSub, err := log.SubscribeAppends(subCtx, channel, LogHandler{
		OnAppend:    func(m Message) { r.deliver(Event{Kind: EventAppendObserved, Message: m}) },
		OnError:     func(err error) { r.deliver(Event{Kind: EventLogError, Err: err}) },
		OnRecovered: func() { r.deliver(Event{Kind: EventLogRecovered}) },
	})
	if err != nil {
		r.deliver(Event{Kind: EventLogError, Err: LogUnavailable("subscribe", err)})
	}

	busSub, err := bus.Subscribe(subCtx, channel, BusHandler{
		OnMessage:        func(m Message) { r.deliver(Event{Kind: EventMessageArrived, Message: m}) },
		OnConnectionLost: func(err error) { r.deliver(Event{Kind: EventConnectionLost, Err: err}) },
		OnConnected:      func() { r.deliver(Event{Kind: EventConnectionRestored}) },
	})
	if err != nil {
		r.deliver(Event{Kind: EventConnectionLost, Err: BusUnavailable("subscribe", err)})
	}

	// Subscriptions are owned by the loop so shutdown releases them after it stops.
	if err := r.do(func() {
		r.logSub = logSub
		r.busSub = busSub
		r.state = StateReplaying
	}); err != nil {
		return nil, err
	}

	go func() {
		replayCtx, cancel := context.WithTimeout(subCtx, r.opts.ReplayTimeout)
		defer cancel()
		msgs, err := log.Replay(replayCtx, channel)
		if err != nil {
			err = LogUnavailable("replay", err)
		}
		r.deliver(Event{Kind: EventReplayLoaded, Messages: msgs, Err: err})
	}()

	select {
	case <-r.ready:
	case <-ctx.Done():
		_ = r.shutdown()
		return nil, ctx.Err()
	}

	r.logger.Info().Str("peer", peerID).Msg("session opened")
	return &Session{r: r}, nil
}

// Channel returns the channel id of the session.
func (s *Session) Channel() ChannelID {
	return s.r.channel
}

// Send shows text as a local echo, then publishes and appends it in the
// background. Surrounding whitespace is trimmed; blank text is rejected with
// ErrEmptyMessage before either source is touched. The echo is in the view
// when Send returns.
func (s *Session) Send(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	r := s.r
	msg := Message{
		SenderID:    r.self,
		RecipientID: r.peer,
		Content:     text,
		ClientMsgID: r.opts.NewClientMsgID(),
		SentAt:      r.opts.Now(),
	}

	var echoID uint64
	if err := r.do(func() {
		echoID = r.applyLocalEcho(msg)
		msg.Source = SourceLocalEcho
	}); err != nil {
		return Message{}, err
	}

	s.dispatch(echoID, msg, true)
	return msg, nil
}

// RetryPending re-appends local echoes whose append failed. It returns how
// many were retried. Retries skip the ephemeral bus.
func (s *Session) RetryPending() (int, error) {
	r := s.r
	var pending map[uint64]Message
	if err := r.do(func() { pending = r.failedEchoes() }); err != nil {
		return 0, err
	}
	for id, msg := range pending {
		s.dispatch(id, msg, false)
	}
	return len(pending), nil
}

func (s *Session) dispatch(echoID uint64, msg Message, publish bool) {
	r := s.r
	if publish {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.OpTimeout)
			defer cancel()
			err := r.bus.Publish(ctx, r.channel, msg)
			if err != nil {
				err = BusUnavailable("publish", err)
			}
			r.post(func() { r.publishDone(err) })
		}()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.OpTimeout)
		defer cancel()
		stored, err := r.log.Append(ctx, r.channel, msg)
		if err != nil {
			err = LogUnavailable("append", err)
		}
		r.post(func() { r.appendDone(echoID, stored, err) })
	}()
}

// Observe registers fn for view changes. fn first receives an UpdateSnapshot
// with the current view, then every change in order, on a goroutine owned by
// the session. The returned cancel stops delivery.
func (s *Session) Observe(fn func(Update)) (cancel func(), err error) {
	r := s.r
	var o *observer
	if err := r.do(func() {
		o = newObserver(fn)
		o.push(Update{Kind: UpdateSnapshot, Index: -1, View: r.snapshot()})
		r.observers = append(r.observers, o)
	}); err != nil {
		return nil, err
	}

	return func() {
		o.stop()
		_ = r.do(func() {
			for i, other := range r.observers {
				if other == o {
					r.observers = append(r.observers[:i], r.observers[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// View returns a snapshot of the current view. After Close it reports the
// final view in StateClosed.
func (s *Session) View() View {
	r := s.r
	var v View
	if err := r.do(func() { v = r.snapshot() }); err != nil {
		// Closing: wait for shutdown to finish, then the state is frozen.
		r.closeOnce.Do(func() {})
		v = r.snapshot()
	}
	return v
}

// Close releases both subscriptions and stops observers after they drain.
// Events arriving afterwards are dropped. Close is idempotent.
func (s *Session) Close() error {
	return s.r.shutdown()
}

func newClientMsgID() string {
	return uuid.NewString()
}
