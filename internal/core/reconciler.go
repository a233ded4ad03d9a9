package core

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type trackKind int

const (
	trackLocalEcho trackKind = iota
	trackEphemeral
	trackDurable
)

// tracked is a view entry still eligible for merging with a later arrival.
type tracked struct {
	kind   trackKind
	index  int
	echoID uint64
	at     time.Time
	// absorbed is set once an ephemeral copy has been merged into the entry.
	absorbed bool
}

// Reconciler owns the view of one session. All view mutations run on the
// goroutine started by run; transports and callers reach it through deliver,
// post and do.
type Reconciler struct {
	self    string
	peer    string
	channel ChannelID
	log     DurableLog
	bus     EphemeralBus
	opts    Options
	logger  zerolog.Logger

	events   chan Event
	commands chan func()
	closed   chan struct{}
	done     chan struct{}
	ready    chan struct{}

	closeOnce sync.Once
	closeErr  error

	// Owned by the run goroutine.
	state              State
	entries            []Message
	positions          map[Position]struct{}
	tracked            []tracked
	echoes             map[uint64]int
	failed             map[uint64]struct{}
	nextEcho           uint64
	buffered           []Event
	observers          []*observer
	historyUnavailable bool

	// Degradation is tracked per source. The *Down flags follow subscription
	// health and clear only on a recovery notification; the *OpFailed flags
	// follow the outcome of the latest append or publish.
	logDown     bool
	logOpFailed bool
	busDown     bool
	busOpFailed bool

	logSub Subscription
	busSub Subscription
	cancel context.CancelFunc
}

func newReconciler(self, peer string, channel ChannelID, log DurableLog, bus EphemeralBus, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		self:      self,
		peer:      peer,
		channel:   channel,
		log:       log,
		bus:       bus,
		opts:      opts,
		logger:    opts.Logger.With().Str("channel", channel.String()).Str("self", self).Logger(),
		events:    make(chan Event, opts.EventBuffer),
		commands:  make(chan func()),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		state:     StateInitializing,
		positions: make(map[Position]struct{}),
		echoes:    make(map[uint64]int),
		failed:    make(map[uint64]struct{}),
	}
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.ReconcileWindow)
	defer ticker.Stop()

	for {
		select {
		case <-r.closed:
			return
		default:
		}

		select {
		case <-r.closed:
			return
		case ev := <-r.events:
			if r.isClosed() {
				return
			}
			r.handle(ev)
		case fn := <-r.commands:
			if r.isClosed() {
				return
			}
			fn()
		case <-ticker.C:
			r.expire(r.opts.Now())
		}
	}
}

func (r *Reconciler) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// deliver hands a transport event to the loop. Events for a closed session are dropped.
func (r *Reconciler) deliver(ev Event) {
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.events <- ev:
	case <-r.closed:
	}
}

// post runs fn on the loop without waiting for it. Dropped after close.
func (r *Reconciler) post(fn func()) {
	select {
	case r.commands <- fn:
	case <-r.closed:
	}
}

// do runs fn on the loop and waits for it to finish.
func (r *Reconciler) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case r.commands <- func() { fn(); close(finished) }:
	case <-r.closed:
		return ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrSessionClosed
	}
}

func (r *Reconciler) handle(ev Event) {
	r.opts.Recorder.EventApplied(ev.Kind.String())

	if (r.state == StateInitializing || r.state == StateReplaying) && ev.Kind != EventReplayLoaded {
		r.buffered = append(r.buffered, ev)
		return
	}

	switch ev.Kind {
	case EventReplayLoaded:
		r.applyReplay(ev)
	case EventAppendObserved:
		r.applyDurable(ev.Message)
	case EventLogError:
		r.markLog(&r.logDown, true, ev.Err)
	case EventLogRecovered:
		r.markLog(&r.logDown, false, nil)
	case EventMessageArrived:
		r.applyEphemeral(ev.Message)
	case EventConnectionLost:
		r.markBus(&r.busDown, true, ev.Err)
	case EventConnectionRestored:
		r.markBus(&r.busDown, false, nil)
	}
}

func (r *Reconciler) applyReplay(ev Event) {
	if r.state != StateInitializing && r.state != StateReplaying {
		return
	}

	now := r.opts.Now()
	if ev.Err != nil && !errors.Is(ev.Err, ErrMalformedRecord) {
		r.historyUnavailable = true
		r.logger.Warn().Err(ev.Err).Msg("history replay failed, continuing without history")
		r.markLog(&r.logOpFailed, true, ev.Err)
	} else {
		if ev.Err != nil {
			r.logger.Warn().Err(ev.Err).Msg("history contains malformed records, skipping them")
		}
		for _, m := range ev.Messages {
			if !r.belongs(m) {
				r.logger.Warn().Str("sender", m.SenderID).Msg("replayed record outside channel pair, skipping")
				continue
			}
			if m.Persisted() {
				if _, seen := r.positions[m.Position]; seen {
					continue
				}
				r.positions[m.Position] = struct{}{}
			}
			m.Source = SourceDurable
			r.entries = append(r.entries, m)
			// Recent history may race with an ephemeral copy still in flight.
			if !m.SentAt.IsZero() && now.Sub(m.SentAt) <= r.opts.ReconcileWindow {
				r.tracked = append(r.tracked, tracked{kind: trackDurable, index: len(r.entries) - 1, at: now})
			}
		}
		r.logger.Debug().Int("messages", len(r.entries)).Msg("history replayed")
	}

	r.state = StateLive
	buffered := r.buffered
	r.buffered = nil
	for _, b := range buffered {
		r.handle(b)
	}
	close(r.ready)
}

// applyLocalEcho shows an outgoing message immediately and returns its echo id.
func (r *Reconciler) applyLocalEcho(msg Message) uint64 {
	now := r.opts.Now()
	r.expire(now)

	msg.Source = SourceLocalEcho
	idx := r.appendEntry(msg)

	r.nextEcho++
	id := r.nextEcho
	r.echoes[id] = idx
	r.tracked = append(r.tracked, tracked{kind: trackLocalEcho, index: idx, echoID: id, at: now})
	return id
}

func (r *Reconciler) applyDurable(msg Message) {
	if !r.belongs(msg) {
		r.logger.Warn().Str("sender", msg.SenderID).Str("recipient", msg.RecipientID).Msg("durable record outside channel pair, dropping")
		return
	}
	msg.Source = SourceDurable
	if msg.Persisted() {
		if _, seen := r.positions[msg.Position]; seen {
			r.suppressed(msg)
			return
		}
	}

	now := r.opts.Now()
	r.expire(now)

	if i := r.match(msg, trackLocalEcho); i >= 0 {
		t := r.tracked[i]
		delete(r.echoes, t.echoID)
		delete(r.failed, t.echoID)
		r.upgrade(t.index, msg)
		r.tracked[i] = tracked{kind: trackDurable, index: t.index, at: now, absorbed: t.absorbed}
		r.suppressed(msg)
		return
	}

	if i := r.match(msg, trackEphemeral); i >= 0 {
		t := r.tracked[i]
		r.replace(t.index, msg)
		r.tracked[i] = tracked{kind: trackDurable, index: t.index, at: now, absorbed: true}
		r.suppressed(msg)
		return
	}

	if msg.Persisted() {
		r.positions[msg.Position] = struct{}{}
	}
	idx := r.appendEntry(msg)
	r.tracked = append(r.tracked, tracked{kind: trackDurable, index: idx, at: now})
}

func (r *Reconciler) applyEphemeral(msg Message) {
	if !r.belongs(msg) {
		r.logger.Warn().Str("sender", msg.SenderID).Str("recipient", msg.RecipientID).Msg("ephemeral message outside channel pair, dropping")
		return
	}
	msg.Source = SourceEphemeral
	msg.Position = 0
	msg.OriginID = ""

	now := r.opts.Now()
	r.expire(now)

	// Redelivery of a copy already shown.
	if msg.ClientMsgID != "" {
		for i := range r.tracked {
			t := &r.tracked[i]
			if r.entries[t.index].ClientMsgID == msg.ClientMsgID {
				t.absorbed = true
				r.suppressed(msg)
				return
			}
		}
	}

	// Loop-back of our own send, or a copy of a message the log delivered first.
	for i := range r.tracked {
		t := &r.tracked[i]
		if t.kind == trackEphemeral || t.absorbed {
			continue
		}
		if sameLogical(r.entries[t.index], msg) {
			t.absorbed = true
			r.suppressed(msg)
			return
		}
	}

	idx := r.appendEntry(msg)
	r.tracked = append(r.tracked, tracked{kind: trackEphemeral, index: idx, at: now})
}

// appendDone records the outcome of appending the local echo echoID.
func (r *Reconciler) appendDone(echoID uint64, stored Message, err error) {
	idx, pending := r.echoes[echoID]
	if err != nil {
		r.failed[echoID] = struct{}{}
		r.logger.Warn().Err(err).Msg("append failed, local echo kept until retried")
		r.markLog(&r.logOpFailed, true, err)
		if pending {
			r.notify(UpdateStatus, idx, r.entries[idx], err)
		}
		return
	}

	delete(r.failed, echoID)
	r.markLog(&r.logOpFailed, false, nil)

	if !pending {
		return
	}
	delete(r.echoes, echoID)
	if _, seen := r.positions[stored.Position]; seen {
		return
	}
	if r.entries[idx].Source != SourceLocalEcho {
		return
	}
	r.upgrade(idx, stored)
	for i := range r.tracked {
		if r.tracked[i].kind == trackLocalEcho && r.tracked[i].echoID == echoID {
			r.tracked[i] = tracked{kind: trackDurable, index: idx, at: r.opts.Now(), absorbed: r.tracked[i].absorbed}
			break
		}
	}
}

func (r *Reconciler) publishDone(err error) {
	if err != nil {
		r.logger.Warn().Err(err).Msg("publish failed, relying on durable log for delivery")
	}
	r.markBus(&r.busOpFailed, err != nil, err)
}

// failedEchoes returns the local echoes whose append failed, oldest first.
func (r *Reconciler) failedEchoes() map[uint64]Message {
	ids := lo.Keys(r.failed)
	slices.Sort(ids)
	out := make(map[uint64]Message, len(ids))
	for _, id := range ids {
		idx, ok := r.echoes[id]
		if !ok || r.entries[idx].Source != SourceLocalEcho {
			delete(r.failed, id)
			continue
		}
		out[id] = r.entries[idx]
	}
	return out
}

func (r *Reconciler) match(msg Message, kind trackKind) int {
	for i, t := range r.tracked {
		if t.kind != kind {
			continue
		}
		if sameLogical(r.entries[t.index], msg) {
			return i
		}
	}
	return -1
}

// upgrade attaches the durable identity of stored to the entry at idx.
func (r *Reconciler) upgrade(idx int, stored Message) {
	entry := r.entries[idx]
	entry.Position = stored.Position
	entry.OriginID = stored.OriginID
	entry.Source = SourceDurable
	if entry.ClientMsgID == "" {
		entry.ClientMsgID = stored.ClientMsgID
	}
	r.entries[idx] = entry
	if stored.Persisted() {
		r.positions[stored.Position] = struct{}{}
	}
	r.notify(UpdateReplaced, idx, entry, nil)
}

// replace swaps an ephemeral-only entry for its authoritative durable record.
func (r *Reconciler) replace(idx int, stored Message) {
	if stored.ClientMsgID == "" {
		stored.ClientMsgID = r.entries[idx].ClientMsgID
	}
	stored.Source = SourceDurable
	r.entries[idx] = stored
	if stored.Persisted() {
		r.positions[stored.Position] = struct{}{}
	}
	r.notify(UpdateReplaced, idx, stored, nil)
}

func (r *Reconciler) appendEntry(msg Message) int {
	idx := len(r.entries)
	r.entries = append(r.entries, msg)
	r.notify(UpdateAppended, idx, msg, nil)
	return idx
}

// expire drops merge bookkeeping older than the reconciliation window.
func (r *Reconciler) expire(now time.Time) {
	window := r.opts.ReconcileWindow
	r.tracked = lo.Filter(r.tracked, func(t tracked, _ int) bool {
		return now.Sub(t.at) <= window
	})
}

func (r *Reconciler) suppressed(msg Message) {
	r.opts.Recorder.DuplicateSuppressed(msg.Source.String())
	r.logger.Debug().
		Str("source", msg.Source.String()).
		Int64("position", int64(msg.Position)).
		Msg("duplicate suppressed")
}

func (r *Reconciler) belongs(msg Message) bool {
	return (msg.SenderID == r.self && msg.RecipientID == r.peer) ||
		(msg.SenderID == r.peer && msg.RecipientID == r.self)
}

func (r *Reconciler) logDegraded() bool { return r.logDown || r.logOpFailed }

func (r *Reconciler) busDegraded() bool { return r.busDown || r.busOpFailed }

// markLog sets one durable log health flag and reports a change of the
// combined log state.
func (r *Reconciler) markLog(flag *bool, value bool, cause error) {
	before := r.logDegraded()
	*flag = value
	after := r.logDegraded()
	if before == after {
		return
	}
	r.opts.Recorder.DegradedChanged("log", after)
	if after {
		r.logger.Warn().Err(cause).Msg("durable log degraded")
	} else {
		r.logger.Info().Msg("durable log recovered")
	}
	r.notify(UpdateStatus, -1, Message{}, cause)
}

// markBus is markLog for the ephemeral bus.
func (r *Reconciler) markBus(flag *bool, value bool, cause error) {
	before := r.busDegraded()
	*flag = value
	after := r.busDegraded()
	if before == after {
		return
	}
	r.opts.Recorder.DegradedChanged("bus", after)
	if after {
		r.logger.Warn().Err(cause).Msg("live delivery degraded")
	} else {
		r.logger.Info().Msg("live delivery restored")
	}
	r.notify(UpdateStatus, -1, Message{}, cause)
}

func (r *Reconciler) notify(kind UpdateKind, idx int, msg Message, err error) {
	if len(r.observers) == 0 {
		return
	}
	u := Update{Kind: kind, Index: idx, Message: msg, View: r.snapshot(), Err: err}
	for _, o := range r.observers {
		o.push(u)
	}
}

func (r *Reconciler) snapshot() View {
	return View{
		Channel:            r.channel,
		Messages:           slices.Clone(r.entries),
		State:              r.state,
		LogDegraded:        r.logDegraded(),
		BusDegraded:        r.busDegraded(),
		HistoryUnavailable: r.historyUnavailable,
	}
}

// shutdown stops the loop, then releases both subscriptions exactly once.
func (r *Reconciler) shutdown() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		<-r.done

		var errs []error
		if r.logSub != nil {
			if err := r.logSub.Unsubscribe(); err != nil {
				errs = append(errs, LogUnavailable("unsubscribe", err))
			}
		}
		if r.busSub != nil {
			if err := r.busSub.Unsubscribe(); err != nil {
				errs = append(errs, BusUnavailable("unsubscribe", err))
			}
		}
		if r.cancel != nil {
			r.cancel()
		}

		r.state = StateClosed
		r.notify(UpdateStatus, -1, Message{}, nil)
		for _, o := range r.observers {
			o.end()
		}
		r.closeErr = errors.Join(errs...)
		r.logger.Debug().Msg("session closed")
	})
	return r.closeErr
}
