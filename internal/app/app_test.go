package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startRelay(t *testing.T, cfg *config.Config) {
	t.Helper()
	logger := zerolog.Nop()
	a, err := New(cfg, &logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})
}

func clientConfig(base config.Config, self string) *config.Config {
	cfg := base
	cfg.UserID = self
	cfg.ReconcileWindow = 5 * time.Second
	cfg.PollInterval = 50 * time.Millisecond
	return &cfg
}

func contents(v core.View) []string {
	out := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		out = append(out, m.Content)
	}
	return out
}

func TestChatOverRelayAndSharedLog(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	base := config.Default()
	base.Addr = freeAddr(t)
	base.RelayURL = "ws://" + base.Addr + "/ws"
	base.DatabasePath = filepath.Join(dir, "wirechat.db")
	base.JWTSecret = "secret"
	startRelay(t, &base)

	logger := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice, err := OpenChat(ctx, clientConfig(base, "u1"), "u2", nil, &logger)
	req.NoError(err)
	defer alice.Close()
	bob, err := OpenChat(ctx, clientConfig(base, "u2"), "u1", nil, &logger)
	req.NoError(err)
	defer bob.Close()

	req.Equal(alice.Session.Channel(), bob.Session.Channel())
	req.Equal(core.ChannelID("u1_u2"), bob.Session.Channel())

	_, err = alice.Session.Send("Hello")
	req.NoError(err)

	// Bob sees the message once even though it arrives over both paths.
	req.Eventually(func() bool {
		v := bob.Session.View()
		return len(v.Messages) == 1 && v.Messages[0].Persisted()
	}, 5*time.Second, 20*time.Millisecond)
	req.Eventually(func() bool {
		v := alice.Session.View()
		return len(v.Messages) == 1 && v.Messages[0].Persisted()
	}, 5*time.Second, 20*time.Millisecond)

	// Give late duplicates a chance to show up before asserting.
	time.Sleep(200 * time.Millisecond)
	req.Equal([]string{"Hello"}, contents(bob.Session.View()))
	req.Equal([]string{"Hello"}, contents(alice.Session.View()))
	req.False(bob.Session.View().Degraded())
}

func TestChatWithTokenIdentityAndBadger(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	base := config.Default()
	base.Addr = freeAddr(t)
	base.RelayURL = "ws://" + base.Addr + "/ws"
	base.DatabasePath = filepath.Join(dir, "relay.db")
	base.JWTSecret = "secret"
	base.JWTRequired = true
	startRelay(t, &base)

	token, err := auth.GenerateToken(auth.JWTConfigFrom(&base), "u1", "Ana")
	req.NoError(err)

	cfg := clientConfig(base, "")
	cfg.Token = token
	cfg.LogBackend = config.LogBackendBadger
	cfg.BadgerPath = filepath.Join(dir, "badger")

	logger := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chat, err := OpenChat(ctx, cfg, "u2", nil, &logger)
	req.NoError(err)
	defer chat.Close()

	req.Equal("u1", chat.Identity.UserID)
	req.Equal(core.StateLive, chat.Session.View().State)

	_, err = chat.Session.Send("note to u2")
	req.NoError(err)
	req.Eventually(func() bool {
		v := chat.Session.View()
		return len(v.Messages) == 1 && v.Messages[0].Persisted()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOpenChatRequiresIdentity(t *testing.T) {
	cfg := config.Default()
	logger := zerolog.Nop()
	_, err := OpenChat(context.Background(), &cfg, "u2", nil, &logger)
	require.ErrorIs(t, err, auth.ErrNoIdentity)
}
