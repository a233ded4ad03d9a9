package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/app"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/service/contacts"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
)

func newChatCmd(c *cli) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "chat <peer-id|email>",
		Short: "Open an interactive conversation with a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var recorder core.Recorder
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				recorder = metrics.New(reg)
				shutdown := serveMetrics(metricsAddr, reg, c.logger)
				defer shutdown()
			}

			peerID, peerName := resolvePeer(ctx, &c.cfg, args[0], c.logger)
			chat, err := app.OpenChat(ctx, &c.cfg, peerID, recorder, c.logger)
			if err != nil {
				return err
			}
			defer chat.Close()

			return converse(ctx, chat.Session, renderer{self: chat.Identity.UserID, peerName: peerName}, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve session metrics on this address")
	return cmd
}

// converse prints session updates and sends each input line until EOF,
// /quit or ctx is done.
func converse(ctx context.Context, session *core.Session, r renderer, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	emit := func(lines ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
	}

	cancel, err := session.Observe(func(u core.Update) { emit(r.lines(u)...) })
	if err != nil {
		return err
	}
	defer cancel()
	emit(fmt.Sprintf("chatting with %s on %s. /retry resends failed messages, /quit exits.", r.peerName, session.Channel()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return nil
			case "/retry":
				n, err := session.RetryPending()
				if err != nil {
					return err
				}
				emit(fmt.Sprintf("-- retrying %d message(s) --", n))
				continue
			}
			if _, err := session.Send(line); err != nil {
				if errors.Is(err, core.ErrSessionClosed) {
					return err
				}
				emit("-- " + err.Error() + " --")
			}
		}
	}
}

// resolvePeer maps an email to a user id and finds a display name in the
// local directory. Lookups are best effort; the raw argument is the fallback.
func resolvePeer(ctx context.Context, cfg *config.Config, arg string, logger *zerolog.Logger) (id, name string) {
	id, name = arg, arg
	if cfg.LogBackend != config.LogBackendSQLite {
		return id, name
	}
	st, err := sqlite.New(cfg.DatabasePath, sqlite.WithLogger(logger))
	if err != nil {
		logger.Debug().Err(err).Msg("contacts lookup unavailable")
		return id, name
	}
	defer st.Close()

	svc := contacts.New(st)
	if strings.Contains(arg, "@") {
		user, err := svc.LookupByEmail(ctx, arg)
		if err != nil {
			logger.Warn().Err(err).Str("email", arg).Msg("peer lookup failed")
			return id, name
		}
		return user.ID, user.Name
	}
	if self, err := app.ResolveIdentity(cfg); err == nil {
		if list, err := svc.ListContacts(ctx, self.UserID); err == nil {
			for _, ct := range list {
				if ct.ContactID == arg {
					return id, ct.Name
				}
			}
		}
	}
	return id, name
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zerolog.Logger) func() {
	srv := &stdhttp.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
