// Package badger implements the durable chat log on an embedded BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

const (
	sequenceBandwidth   = 100
	defaultPollInterval = time.Second
)

// record is the stored value of one log entry.
type record struct {
	OriginID    string `json:"origin_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	SentAt      int64  `json:"sent_at"`
}

// Log implements core.DurableLog.
// Keys are "log:{channel}:{position padded to 19 digits}" so a prefix scan
// returns a channel in position order.
type Log struct {
	db           *badger.DB
	logger       zerolog.Logger
	pollInterval time.Duration

	// Appends are serialized so commit order matches position order.
	mu        sync.Mutex
	sequences map[core.ChannelID]*badger.Sequence
}

var _ core.DurableLog = (*Log)(nil)

// Open opens a Badger database at path. An empty path keeps the log in memory.
func Open(path string, logger *zerolog.Logger, pollInterval time.Duration) (*Log, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return New(db, logger, pollInterval), nil
}

// New wraps an open database.
func New(db *badger.DB, logger *zerolog.Logger, pollInterval time.Duration) *Log {
	l := &Log{
		db:           db,
		logger:       zerolog.Nop(),
		pollInterval: pollInterval,
		sequences:    make(map[core.ChannelID]*badger.Sequence),
	}
	if logger != nil {
		l.logger = *logger
	}
	if l.pollInterval <= 0 {
		l.pollInterval = defaultPollInterval
	}
	return l
}

// Close releases position sequences and closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	var errs []error
	for ch, seq := range l.sequences {
		if err := seq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release sequence %s: %w", ch, err))
		}
	}
	l.sequences = map[core.ChannelID]*badger.Sequence{}
	l.mu.Unlock()
	errs = append(errs, l.db.Close())
	return errors.Join(errs...)
}

func prefix(channel core.ChannelID) []byte {
	return []byte(fmt.Sprintf("log:%s:", channel))
}

func key(channel core.ChannelID, pos core.Position) []byte {
	return []byte(fmt.Sprintf("log:%s:%019d", channel, pos))
}

func (l *Log) sequence(channel core.ChannelID) (*badger.Sequence, error) {
	if seq, ok := l.sequences[channel]; ok {
		return seq, nil
	}
	seq, err := l.db.GetSequence([]byte("seq:"+string(channel)), sequenceBandwidth)
	if err != nil {
		return nil, err
	}
	l.sequences[channel] = seq
	return seq, nil
}

// Append stores msg under the next channel position.
func (l *Log) Append(_ context.Context, channel core.ChannelID, msg core.Message) (core.Message, error) {
	if err := msg.Validate(); err != nil {
		return core.Message{}, err
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.OriginID = uuid.NewString()

	value, err := json.Marshal(record{
		OriginID:    msg.OriginID,
		ClientMsgID: msg.ClientMsgID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		SentAt:      msg.SentAt.UnixNano(),
	})
	if err != nil {
		return core.Message{}, core.LogUnavailable("encode record", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.sequence(channel)
	if err != nil {
		return core.Message{}, core.LogUnavailable("get sequence", err)
	}
	next, err := seq.Next()
	if err != nil {
		return core.Message{}, core.LogUnavailable("next position", err)
	}
	// Sequences start at zero; zero means not persisted.
	msg.Position = core.Position(next + 1)

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(channel, msg.Position), value)
	})
	if err != nil {
		return core.Message{}, core.LogUnavailable("write record", err)
	}
	msg.Source = core.SourceDurable
	return msg, nil
}

// Replay returns the channel log in position order. Records that fail to
// decode are left out and reported with ErrMalformedRecord next to the valid
// messages.
func (l *Log) Replay(_ context.Context, channel core.ChannelID) ([]core.Message, error) {
	b, err := l.readAfter(channel, 0)
	if err != nil {
		return nil, err
	}
	return b.msgs, b.malformed
}

// batch is one scan of a channel past some position.
type batch struct {
	msgs []core.Message
	// last is the highest position scanned, including skipped records.
	last core.Position
	// malformed joins the decode errors of skipped records.
	malformed error
}

func (l *Log) readAfter(channel core.ChannelID, after core.Position) (batch, error) {
	b := batch{last: after}
	var bad []error
	p := prefix(channel)
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(key(channel, after+1)); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			pos, err := strconv.ParseInt(string(item.Key()[len(p):]), 10, 64)
			if err != nil {
				return core.Malformed("key %q: %v", item.Key(), err)
			}
			b.last = core.Position(pos)
			err = item.Value(func(value []byte) error {
				m, err := decode(value)
				if err != nil {
					bad = append(bad, fmt.Errorf("log record %d: %w", pos, err))
					return nil
				}
				m.Position = core.Position(pos)
				b.msgs = append(b.msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrMalformedRecord) {
			return batch{}, err
		}
		return batch{}, core.LogUnavailable("scan channel", err)
	}
	b.malformed = errors.Join(bad...)
	return b, nil
}

func decode(value []byte) (core.Message, error) {
	var r record
	if err := json.Unmarshal(value, &r); err != nil {
		return core.Message{}, core.Malformed("decode: %v", err)
	}
	m := core.Message{
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Content:     r.Content,
		OriginID:    r.OriginID,
		ClientMsgID: r.ClientMsgID,
		Source:      core.SourceDurable,
		SentAt:      time.Unix(0, r.SentAt),
	}
	if err := m.Validate(); err != nil {
		return core.Message{}, err
	}
	return m, nil
}

// SubscribeAppends follows the channel from its current end. Badger change
// notifications wake the reader; a slow poll covers notifications missed
// while the subscriber registers.
func (l *Log) SubscribeAppends(ctx context.Context, channel core.ChannelID, handler core.LogHandler) (core.Subscription, error) {
	existing, err := l.readAfter(channel, 0)
	if err != nil {
		return nil, err
	}
	last := existing.last

	subCtx, cancel := context.WithCancel(ctx)
	f := &follower{
		log:     l,
		channel: channel,
		handler: handler,
		last:    last,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  l.logger.With().Str("channel", channel.String()).Logger(),
	}

	go func() {
		err := l.db.Subscribe(subCtx, func(*badger.KVList) error {
			select {
			case f.wake <- struct{}{}:
			default:
			}
			return nil
		}, []pb.Match{{Prefix: prefix(channel)}})
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn().Err(err).Msg("badger subscription ended")
		}
	}()
	go f.run(subCtx)

	return f, nil
}

type follower struct {
	log     *Log
	channel core.ChannelID
	handler core.LogHandler
	logger  zerolog.Logger

	last    core.Position
	failing bool

	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (f *follower) run(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.log.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
		case <-ticker.C:
		}
		f.poll(ctx)
	}
}

func (f *follower) poll(ctx context.Context) {
	b, err := f.log.readAfter(f.channel, f.last)
	if err != nil {
		if !f.failing {
			f.failing = true
			f.logger.Warn().Err(err).Msg("log follow failed")
			if f.handler.OnError != nil {
				f.handler.OnError(err)
			}
		}
		return
	}
	if f.failing {
		f.failing = false
		f.logger.Info().Msg("log follow recovered")
		if f.handler.OnRecovered != nil {
			f.handler.OnRecovered()
		}
	}
	if b.malformed != nil {
		f.logger.Warn().Err(b.malformed).Msg("skipping malformed log records")
	}
	for _, m := range b.msgs {
		if ctx.Err() != nil {
			return
		}
		f.last = m.Position
		if f.handler.OnAppend != nil {
			f.handler.OnAppend(m)
		}
	}
	f.last = max(f.last, b.last)
}

// Unsubscribe stops following and waits for the reader to exit.
func (f *follower) Unsubscribe() error {
	f.stopOnce.Do(f.cancel)
	<-f.done
	return nil
}
