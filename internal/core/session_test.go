package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenRejectsInvalidIdentity(t *testing.T) {
	req := require.New(t)

	_, err := Open(context.Background(), "", "u2", &fakeLog{}, &fakeBus{}, Options{})
	req.ErrorIs(err, ErrInvalidIdentity)

	_, err = Open(context.Background(), "u1", "u_2", &fakeLog{}, &fakeBus{}, Options{})
	req.ErrorIs(err, ErrInvalidIdentity)
}

func TestSendShowsLocalEchoImmediately(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{hold: make(chan struct{})}
	t.Cleanup(func() { close(log.hold) })
	s := openSession(t, "u1", "u2", log, &fakeBus{}, Options{})

	sent, err := s.Send("hello")
	req.NoError(err)
	req.Equal(SourceLocalEcho, sent.Source)
	req.NotEmpty(sent.ClientMsgID)

	v := s.View()
	req.Equal(1, v.Len())
	req.Equal("u1", v.Messages[0].SenderID)
	req.Equal("u2", v.Messages[0].RecipientID)
	req.Equal("hello", v.Messages[0].Content)
	req.Equal(SourceLocalEcho, v.Messages[0].Source)
	req.False(v.Messages[0].Persisted())
}

func TestHelloScenario(t *testing.T) {
	req := require.New(t)

	ab, err := DeriveChannel("u1", "u2")
	req.NoError(err)
	ba, err := DeriveChannel("u2", "u1")
	req.NoError(err)
	req.Equal(ChannelID("u1_u2"), ab)
	req.Equal(ab, ba)

	log := &fakeLog{hold: make(chan struct{})}
	t.Cleanup(func() { close(log.hold) })
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})
	req.Equal(ab, s.Channel())

	_, err = s.Send("hello")
	req.NoError(err)
	v := s.View()
	req.Equal(1, v.Len())
	req.Equal(SourceLocalEcho, v.Messages[0].Source)

	log.emit(Message{SenderID: "u1", RecipientID: "u2", Content: "hello", Position: 7, OriginID: "rec-7"})
	v = waitView(t, s, func(v View) bool { return v.Len() == 1 && v.Messages[0].Source == SourceDurable })
	req.Equal(Position(7), v.Messages[0].Position)
	req.Equal("rec-7", v.Messages[0].OriginID)
	req.Equal("hello", v.Messages[0].Content)

	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "hi"})
	v = waitView(t, s, hasLen(2))
	req.Equal(Position(7), v.Messages[0].Position)
	req.Equal("u2", v.Messages[1].SenderID)
	req.Equal("u1", v.Messages[1].RecipientID)
	req.Equal("hi", v.Messages[1].Content)
	req.Equal(SourceEphemeral, v.Messages[1].Source)
}

func TestAppendResultUpgradesEcho(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{echoAppends: true}
	s := openSession(t, "u1", "u2", log, &fakeBus{}, Options{})

	_, err := s.Send("hello")
	req.NoError(err)

	v := waitView(t, s, func(v View) bool { return v.Len() == 1 && v.Messages[0].Persisted() })
	req.Equal(Position(1), v.Messages[0].Position)
	req.Equal(SourceDurable, v.Messages[0].Source)

	// The subscription copy of the same append must not add an entry either.
	time.Sleep(20 * time.Millisecond)
	req.Equal(1, s.View().Len())
}

func TestRepeatedTextKeepsBothMessages(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{hold: make(chan struct{})}
	t.Cleanup(func() { close(log.hold) })
	s := openSession(t, "u1", "u2", log, &fakeBus{}, Options{})

	first, err := s.Send("ok")
	req.NoError(err)
	second, err := s.Send("ok")
	req.NoError(err)

	log.emit(Message{SenderID: "u1", RecipientID: "u2", Content: "ok", Position: 1, ClientMsgID: second.ClientMsgID})
	v := waitView(t, s, func(v View) bool { return v.Messages[1].Persisted() })
	req.Equal(2, v.Len())
	req.False(v.Messages[0].Persisted())

	log.emit(Message{SenderID: "u1", RecipientID: "u2", Content: "ok", Position: 2, ClientMsgID: first.ClientMsgID})
	v = waitView(t, s, func(v View) bool { return v.Messages[0].Persisted() })
	req.Equal(2, v.Len())
	req.Equal(Position(2), v.Messages[0].Position)
	req.Equal(Position(1), v.Messages[1].Position)
}

func TestReplayDeliversHistoryFirst(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{
		records: []Message{
			{SenderID: "u1", RecipientID: "u2", Content: "m1", Position: 1},
			{SenderID: "u2", RecipientID: "u1", Content: "m2", Position: 2},
			{SenderID: "u1", RecipientID: "u2", Content: "m3", Position: 3},
		},
		replayGate: make(chan struct{}),
	}
	bus := &fakeBus{}

	type result struct {
		s   *Session
		err error
	}
	opened := make(chan result, 1)
	go func() {
		s, err := Open(context.Background(), "u1", "u2", log, bus, Options{})
		opened <- result{s, err}
	}()

	// A live message arriving while history loads is shown after it.
	req.Eventually(bus.subscribed, time.Second, time.Millisecond)
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "live"})
	close(log.replayGate)

	res := <-opened
	req.NoError(res.err)
	s := res.s
	t.Cleanup(func() { _ = s.Close() })

	updates := make(chan Update, 16)
	cancel, err := s.Observe(func(u Update) { updates <- u })
	req.NoError(err)
	defer cancel()

	first := <-updates
	req.Equal(UpdateSnapshot, first.Kind)
	req.Equal(StateLive, first.View.State)
	req.Equal(4, first.View.Len())
	for i, want := range []string{"m1", "m2", "m3"} {
		req.Equal(want, first.View.Messages[i].Content)
		req.Equal(Position(i+1), first.View.Messages[i].Position)
	}
	req.Equal("live", first.View.Messages[3].Content)
	req.Equal(SourceEphemeral, first.View.Messages[3].Source)
}

func TestObserveStreamsUpdatesInOrder(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{records: []Message{{SenderID: "u2", RecipientID: "u1", Content: "old", Position: 1}}}
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})

	var (
		mu  sync.Mutex
		got []Update
	)
	cancel, err := s.Observe(func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	req.NoError(err)

	log.emit(Message{SenderID: "u2", RecipientID: "u1", Content: "new", Position: 2})
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "live"})

	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	req.Equal(UpdateSnapshot, got[0].Kind)
	req.Equal(1, got[0].View.Len())
	req.Equal(UpdateAppended, got[1].Kind)
	req.Equal(1, got[1].Index)
	req.Equal("new", got[1].Message.Content)
	req.Equal(UpdateAppended, got[2].Kind)
	req.Equal(2, got[2].Index)
	req.Equal(3, got[2].View.Len())
	mu.Unlock()

	cancel()
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "after cancel"})
	waitView(t, s, hasLen(4))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	req.Len(got, 3)
}

func TestReplayFailureGoesLiveDegraded(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{replayErr: errBackendDown}
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})

	v := s.View()
	req.Equal(StateLive, v.State)
	req.True(v.LogDegraded)
	req.True(v.HistoryUnavailable)
	req.True(v.Degraded())
	req.Zero(v.Len())

	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "still here"})
	v = waitView(t, s, hasLen(1))
	req.Equal("still here", v.Messages[0].Content)
	req.Equal(SourceEphemeral, v.Messages[0].Source)
}

func TestSendRejectsBlankText(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{}
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})

	for _, text := range []string{"", "   ", "\t\n"} {
		_, err := s.Send(text)
		req.ErrorIs(err, ErrEmptyMessage)
		req.Equal(ErrCodeEmptyMessage, Code(err))
	}

	time.Sleep(20 * time.Millisecond)
	req.Zero(s.View().Len())
	req.Zero(log.appendCalls())
	req.Zero(bus.publishCalls())
}

func TestCloseIsIdempotent(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{}
	bus := &fakeBus{}
	s, err := Open(context.Background(), "u1", "u2", log, bus, Options{})
	req.NoError(err)

	updates := make(chan Update, 16)
	_, err = s.Observe(func(u Update) { updates <- u })
	req.NoError(err)

	req.NoError(s.Close())
	req.NoError(s.Close())
	req.Equal(1, log.unsubscribes())
	req.Equal(1, bus.unsubscribes())
	req.Equal(StateClosed, s.View().State)

	_, err = s.Send("late")
	req.ErrorIs(err, ErrSessionClosed)
	_, err = s.Observe(func(Update) {})
	req.ErrorIs(err, ErrSessionClosed)

	// Late events are dropped without blocking.
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "late"})
	log.emit(Message{SenderID: "u2", RecipientID: "u1", Content: "late", Position: 9})
	req.Zero(s.View().Len())

	var last Update
	for u := range drain(updates) {
		last = u
	}
	req.Equal(UpdateStatus, last.Kind)
	req.Equal(StateClosed, last.View.State)
}

func drain(ch chan Update) chan Update {
	out := make(chan Update, cap(ch))
	go func() {
		defer close(out)
		for {
			select {
			case u := <-ch:
				out <- u
			case <-time.After(50 * time.Millisecond):
				return
			}
		}
	}()
	return out
}

func TestLateDurableArrivalAfterWindowAppends(t *testing.T) {
	req := require.New(t)
	clock := newManualClock()
	log := &fakeLog{hold: make(chan struct{})}
	t.Cleanup(func() { close(log.hold) })
	s := openSession(t, "u1", "u2", log, &fakeBus{}, Options{ReconcileWindow: 10 * time.Second, Now: clock.Now})

	_, err := s.Send("hello")
	req.NoError(err)

	clock.Advance(11 * time.Second)
	log.emit(Message{SenderID: "u1", RecipientID: "u2", Content: "hello", Position: 3})

	v := waitView(t, s, hasLen(2))
	req.Equal(SourceLocalEcho, v.Messages[0].Source)
	req.Equal(SourceDurable, v.Messages[1].Source)
	req.Equal(Position(3), v.Messages[1].Position)
}

func TestOwnEphemeralLoopbackSuppressed(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{hold: make(chan struct{})}
	t.Cleanup(func() { close(log.hold) })
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})

	sent, err := s.Send("hello")
	req.NoError(err)

	bus.deliver(sent)
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "hi"})

	v := waitView(t, s, hasLen(2))
	req.Equal("hello", v.Messages[0].Content)
	req.Equal(SourceLocalEcho, v.Messages[0].Source)
	req.Equal("hi", v.Messages[1].Content)
}

func TestEphemeralReplacedByDurable(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{}
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})

	live := Message{SenderID: "u2", RecipientID: "u1", Content: "hi", ClientMsgID: "c1"}
	bus.deliver(live)
	waitView(t, s, hasLen(1))

	durable := live
	durable.Position = 3
	durable.OriginID = "rec-3"
	log.emit(durable)
	v := waitView(t, s, func(v View) bool { return v.Len() == 1 && v.Messages[0].Persisted() })
	req.Equal(SourceDurable, v.Messages[0].Source)
	req.Equal(Position(3), v.Messages[0].Position)

	// At-least-once redelivery and replayed positions are both suppressed.
	bus.deliver(live)
	log.emit(durable)
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "next"})
	v = waitView(t, s, hasLen(2))
	req.Equal("next", v.Messages[1].Content)
}

func TestEphemeralCopyAfterDurableSuppressed(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{}
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})

	log.emit(Message{SenderID: "u2", RecipientID: "u1", Content: "yo", Position: 4})
	waitView(t, s, hasLen(1))

	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "yo"})
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "marker"})
	v := waitView(t, s, hasLen(2))
	req.Equal(Position(4), v.Messages[0].Position)
	req.Equal("marker", v.Messages[1].Content)
}

func TestForeignMessagesDropped(t *testing.T) {
	req := require.New(t)
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", &fakeLog{}, bus, Options{})

	bus.deliver(Message{SenderID: "u3", RecipientID: "u1", Content: "spam"})
	bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "real"})

	v := waitView(t, s, hasLen(1))
	req.Equal("real", v.Messages[0].Content)
}

func TestAppendFailureKeepsEchoAndRetries(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{appendErr: errBackendDown}
	s := openSession(t, "u1", "u2", log, &fakeBus{}, Options{})

	_, err := s.Send("hello")
	req.NoError(err)

	v := waitView(t, s, func(v View) bool { return v.LogDegraded })
	req.Equal(1, v.Len())
	req.Equal(SourceLocalEcho, v.Messages[0].Source)

	log.setAppendErr(nil)
	n, err := s.RetryPending()
	req.NoError(err)
	req.Equal(1, n)

	v = waitView(t, s, func(v View) bool { return !v.LogDegraded && v.Messages[0].Persisted() })
	req.Equal(1, v.Len())
	req.Equal(SourceDurable, v.Messages[0].Source)

	n, err = s.RetryPending()
	req.NoError(err)
	req.Zero(n)
}

func TestPublishFailureMarksBusDegraded(t *testing.T) {
	req := require.New(t)
	bus := &fakeBus{publishErr: errBackendDown}
	s := openSession(t, "u1", "u2", &fakeLog{}, bus, Options{})

	_, err := s.Send("hello")
	req.NoError(err)

	v := waitView(t, s, func(v View) bool { return v.BusDegraded })
	req.Equal(1, v.Len())
}

func TestConnectionLifecycleTogglesDegraded(t *testing.T) {
	req := require.New(t)
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", &fakeLog{}, bus, Options{})

	updates := make(chan Update, 16)
	_, err := s.Observe(func(u Update) { updates <- u })
	req.NoError(err)
	<-updates

	bus.lose(errors.New("broker gone"))
	u := <-updates
	req.Equal(UpdateStatus, u.Kind)
	req.True(u.View.BusDegraded)
	req.Error(u.Err)

	bus.restore()
	u = <-updates
	req.Equal(UpdateStatus, u.Kind)
	req.False(u.View.BusDegraded)
}

func TestSelfChat(t *testing.T) {
	req := require.New(t)
	bus := &fakeBus{}
	log := &fakeLog{hold: make(chan struct{})}
	t.Cleanup(func() { close(log.hold) })
	s := openSession(t, "u1", "u1", log, bus, Options{})
	req.Equal(ChannelID("u1_u1"), s.Channel())

	sent, err := s.Send("note to self")
	req.NoError(err)
	bus.deliver(sent)
	bus.deliver(Message{SenderID: "u1", RecipientID: "u1", Content: "other device"})

	v := waitView(t, s, hasLen(2))
	req.Equal("other device", v.Messages[1].Content)
}

func TestSendTrimsText(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{}
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", log, bus, Options{})

	sent, err := s.Send("  hello \n")
	req.NoError(err)
	req.Equal("hello", sent.Content)
	req.Equal("hello", s.View().Messages[0].Content)

	req.Eventually(func() bool { return log.appendCalls() == 1 && bus.publishCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	req.Equal([]string{"hello"}, log.appendContents())
	req.Equal([]string{"hello"}, bus.publishedContents())
}

func TestLogFollowFailureHoldsDegradedUntilRecovered(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{}
	s := openSession(t, "u1", "u2", log, &fakeBus{}, Options{})

	updates := make(chan Update, 16)
	_, err := s.Observe(func(u Update) { updates <- u })
	req.NoError(err)
	<-updates

	log.fail(LogUnavailable("follow", errBackendDown))
	u := <-updates
	req.Equal(UpdateStatus, u.Kind)
	req.True(u.View.LogDegraded)
	req.ErrorIs(u.Err, ErrLogUnavailable)

	// A successful append does not prove the follow works again.
	_, err = s.Send("hi")
	req.NoError(err)
	v := waitView(t, s, func(v View) bool { return v.Len() == 1 && v.Messages[0].Persisted() })
	req.True(v.LogDegraded)
	req.True(v.Degraded())

	log.recover()
	v = waitView(t, s, func(v View) bool { return !v.LogDegraded })
	req.False(v.Degraded())
}

func TestConnectionLossOutlivesSuccessfulPublish(t *testing.T) {
	req := require.New(t)
	bus := &fakeBus{}
	s := openSession(t, "u1", "u2", &fakeLog{}, bus, Options{})

	bus.lose(errors.New("broker gone"))
	waitView(t, s, func(v View) bool { return v.BusDegraded })

	_, err := s.Send("hi")
	req.NoError(err)
	req.Eventually(func() bool { return bus.publishCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	req.True(s.View().BusDegraded)

	bus.restore()
	waitView(t, s, func(v View) bool { return !v.BusDegraded })
}

func TestReplayKeepsValidHistoryAroundMalformedRecords(t *testing.T) {
	req := require.New(t)
	log := &fakeLog{
		records: []Message{
			{SenderID: "u2", RecipientID: "u1", Content: "first", Position: 1},
			{SenderID: "u1", RecipientID: "u2", Content: "third", Position: 3},
		},
		replayErr: Malformed("log record 2: content is empty"),
	}
	s := openSession(t, "u1", "u2", log, &fakeBus{}, Options{})

	v := s.View()
	req.Equal(StateLive, v.State)
	req.False(v.HistoryUnavailable)
	req.False(v.Degraded())
	req.Equal(2, v.Len())
	req.Equal("first", v.Messages[0].Content)
	req.Equal("third", v.Messages[1].Content)
}

func TestCloseStopsUpdatesWhileEventsArrive(t *testing.T) {
	req := require.New(t)
	bus := &fakeBus{}
	s, err := Open(context.Background(), "u1", "u2", &fakeLog{}, bus, Options{})
	req.NoError(err)

	var (
		mu  sync.Mutex
		got []Update
	)
	_, err = s.Observe(func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	req.NoError(err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 300 {
			bus.deliver(Message{SenderID: "u2", RecipientID: "u1", Content: "burst", ClientMsgID: strconv.Itoa(i)})
		}
	}()

	waitView(t, s, func(v View) bool { return v.Len() > 5 })
	req.NoError(s.Close())
	final := s.View()
	<-done

	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].View.State == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	req.Equal(final.Len(), s.View().Len())

	mu.Lock()
	defer mu.Unlock()
	req.Equal(final.Len(), got[len(got)-1].View.Len())
	for _, u := range got[:len(got)-1] {
		req.NotEqual(StateClosed, u.View.State)
	}
}
