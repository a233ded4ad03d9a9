package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/bus/redisbus"
	"github.com/vovakirdan/wirechat-sync/internal/bus/wsbus"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store/badger"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
)

const relayReadyTimeout = 3 * time.Second

// Chat is an open conversation with one peer plus the backends behind it.
type Chat struct {
	Identity auth.Identity
	Session  *core.Session

	closers []func() error
}

// Backends is the pair of sources a chat session reconciles.
type Backends struct {
	Log core.DurableLog
	Bus core.EphemeralBus

	closers []func() error
}

// Close releases the backends in reverse order of creation.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// ResolveIdentity determines who the local user is from cfg.
func ResolveIdentity(cfg *config.Config) (auth.Identity, error) {
	var jwtCfg *auth.JWTConfig
	if cfg.JWTSecret != "" {
		jwtCfg = auth.JWTConfigFrom(cfg)
	}
	return auth.ResolveIdentity(jwtCfg, cfg.Token, cfg.UserID)
}

// OpenBackends builds the durable log and ephemeral bus selected by cfg.
// The relay bus keeps reconnecting in the background until Close.
func OpenBackends(ctx context.Context, cfg *config.Config, identity auth.Identity, logger *zerolog.Logger) (*Backends, error) {
	b := &Backends{}

	switch cfg.LogBackend {
	case config.LogBackendBadger:
		l, err := badger.Open(cfg.BadgerPath, logger, cfg.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("open badger log: %w", err)
		}
		b.Log = l
		b.closers = append(b.closers, l.Close)
	default:
		st, err := sqlite.New(cfg.DatabasePath, sqlite.WithPollInterval(cfg.PollInterval), sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite log: %w", err)
		}
		b.Log = st
		b.closers = append(b.closers, st.Close)
	}

	switch cfg.BusBackend {
	case config.BusBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, live delivery degraded")
		}
		b.Bus = redisbus.New(client, identity.UserID, redisbus.WithTopicPrefix(cfg.TopicPrefix), redisbus.WithLogger(logger))
		b.closers = append(b.closers, client.Close)
	default:
		bus := wsbus.New(cfg.RelayURL, identity.UserID,
			wsbus.WithToken(identity.Token),
			wsbus.WithTopicPrefix(cfg.TopicPrefix),
			wsbus.WithLogger(logger),
		)
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			bus.Run(runCtx)
		}()
		b.closers = append(b.closers, func() error {
			cancel()
			<-done
			return nil
		})

		readyCtx, readyCancel := context.WithTimeout(ctx, relayReadyTimeout)
		defer readyCancel()
		if err := bus.WaitReady(readyCtx); err != nil {
			logger.Warn().Str("url", cfg.RelayURL).Msg("relay not reachable yet, live delivery degraded")
		}
		b.Bus = bus
	}
	return b, nil
}

// OpenChat opens a session between the configured identity and peerID.
func OpenChat(ctx context.Context, cfg *config.Config, peerID string, recorder core.Recorder, logger *zerolog.Logger) (*Chat, error) {
	identity, err := ResolveIdentity(cfg)
	if err != nil {
		return nil, err
	}

	backends, err := OpenBackends(ctx, cfg, identity, logger)
	if err != nil {
		return nil, err
	}

	session, err := core.Open(ctx, identity.UserID, peerID, backends.Log, backends.Bus, core.Options{
		ReconcileWindow: cfg.ReconcileWindow,
		ReplayTimeout:   cfg.ReplayTimeout,
		Logger:          logger,
		Recorder:        recorder,
	})
	if err != nil {
		_ = backends.Close()
		return nil, err
	}

	return &Chat{
		Identity: identity,
		Session:  session,
		closers:  []func() error{session.Close, backends.Close},
	}, nil
}

// Close ends the session and releases its backends.
func (c *Chat) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	c.closers = nil
	return errors.Join(errs...)
}
