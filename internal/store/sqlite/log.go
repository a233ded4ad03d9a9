package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// ==== DurableLog implementation ====

// Append stores msg at the end of the channel log.
func (s *SQLiteStore) Append(ctx context.Context, channel core.ChannelID, msg core.Message) (core.Message, error) {
	if err := msg.Validate(); err != nil {
		return core.Message{}, err
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.OriginID = uuid.NewString()

	query := `
		INSERT INTO log_records (channel, origin_id, client_msg_id, sender_id, recipient_id, content, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		string(channel), msg.OriginID, msg.ClientMsgID, msg.SenderID, msg.RecipientID, msg.Content, msg.SentAt.UnixNano())
	if err != nil {
		return core.Message{}, core.LogUnavailable("insert log record", err)
	}

	pos, err := result.LastInsertId()
	if err != nil {
		return core.Message{}, core.LogUnavailable("get last insert id", err)
	}
	msg.Position = core.Position(pos)
	msg.Source = core.SourceDurable

	s.wake(channel)
	return msg, nil
}

// Replay returns the channel log in position order. Records that fail
// validation are left out and reported with ErrMalformedRecord next to the
// valid messages.
func (s *SQLiteStore) Replay(ctx context.Context, channel core.ChannelID) ([]core.Message, error) {
	b, err := s.readAfter(ctx, channel, 0)
	if err != nil {
		return nil, err
	}
	return b.msgs, b.malformed
}

// batch is one read of the log past some position.
type batch struct {
	msgs []core.Message
	// last is the highest position read, including skipped records.
	last core.Position
	// malformed joins the validation errors of skipped records.
	malformed error
}

func (s *SQLiteStore) readAfter(ctx context.Context, channel core.ChannelID, after core.Position) (batch, error) {
	query := `
		SELECT position, origin_id, client_msg_id, sender_id, recipient_id, content, sent_at
		FROM log_records
		WHERE channel = ? AND position > ?
		ORDER BY position ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(channel), int64(after))
	if err != nil {
		return batch{}, core.LogUnavailable("query log records", err)
	}
	defer rows.Close()

	b := batch{last: after}
	var bad []error
	for rows.Next() {
		var (
			m      core.Message
			pos    int64
			sentAt int64
		)
		if err := rows.Scan(&pos, &m.OriginID, &m.ClientMsgID, &m.SenderID, &m.RecipientID, &m.Content, &sentAt); err != nil {
			return batch{}, core.Malformed("scan log record: %v", err)
		}
		b.last = core.Position(pos)
		m.Position = core.Position(pos)
		m.SentAt = time.Unix(0, sentAt)
		m.Source = core.SourceDurable
		if err := m.Validate(); err != nil {
			bad = append(bad, fmt.Errorf("log record %d: %w", pos, err))
			continue
		}
		b.msgs = append(b.msgs, m)
	}
	if err := rows.Err(); err != nil {
		return batch{}, core.LogUnavailable("iterate log records", err)
	}
	b.malformed = errors.Join(bad...)
	return b, nil
}

func (s *SQLiteStore) lastPosition(ctx context.Context, channel core.ChannelID) (core.Position, error) {
	var pos sql.NullInt64
	query := `SELECT MAX(position) FROM log_records WHERE channel = ?`
	if err := s.db.QueryRowContext(ctx, query, string(channel)).Scan(&pos); err != nil {
		return 0, core.LogUnavailable("query last position", err)
	}
	return core.Position(pos.Int64), nil
}

// SubscribeAppends follows the channel log from its current end. Appends made
// through this store are seen immediately; appends by other processes are
// seen on the next poll.
func (s *SQLiteStore) SubscribeAppends(ctx context.Context, channel core.ChannelID, handler core.LogHandler) (core.Subscription, error) {
	last, err := s.lastPosition(ctx, channel)
	if err != nil {
		return nil, err
	}

	t := &tail{
		store:   s,
		channel: channel,
		handler: handler,
		last:    last,
		wakeC:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  s.logger.With().Str("channel", channel.String()).Logger(),
	}

	s.mu.Lock()
	set, ok := s.tails[channel]
	if !ok {
		set = make(map[*tail]struct{})
		s.tails[channel] = set
	}
	set[t] = struct{}{}
	s.mu.Unlock()

	go t.run(ctx)
	return t, nil
}

func (s *SQLiteStore) wake(channel core.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.tails[channel] {
		select {
		case t.wakeC <- struct{}{}:
		default:
		}
	}
}

func (s *SQLiteStore) forget(t *tail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.tails[t.channel]
	delete(set, t)
	if len(set) == 0 {
		delete(s.tails, t.channel)
	}
}

// tail delivers log records past last to one subscriber, in position order.
type tail struct {
	store   *SQLiteStore
	channel core.ChannelID
	handler core.LogHandler
	logger  zerolog.Logger

	last    core.Position
	failing bool

	wakeC    chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (t *tail) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.store.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-t.wakeC:
		case <-ticker.C:
		}
		t.poll(ctx)
	}
}

func (t *tail) poll(ctx context.Context) {
	b, err := t.store.readAfter(ctx, t.channel, t.last)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !t.failing {
			t.failing = true
			t.logger.Warn().Err(err).Msg("log tail failed")
			if t.handler.OnError != nil {
				t.handler.OnError(err)
			}
		}
		return
	}
	if t.failing {
		t.failing = false
		t.logger.Info().Msg("log tail recovered")
		if t.handler.OnRecovered != nil {
			t.handler.OnRecovered()
		}
	}
	if b.malformed != nil {
		t.logger.Warn().Err(b.malformed).Msg("skipping malformed log records")
	}
	for _, m := range b.msgs {
		select {
		case <-t.stop:
			return
		default:
		}
		t.last = m.Position
		if t.handler.OnAppend != nil {
			t.handler.OnAppend(m)
		}
	}
	t.last = max(t.last, b.last)
}

// Unsubscribe stops the tail and waits for its goroutine to exit.
func (t *tail) Unsubscribe() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.store.forget(t)
	})
	<-t.done
	return nil
}
