package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/app"
)

func newRelayCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay and contacts API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&c.cfg, c.logger)
			if err != nil {
				return err
			}
			c.logger.Info().Str("addr", c.cfg.Addr).Msg("starting wirechat relay")
			if err := application.Run(ctx); err != nil {
				return err
			}
			c.logger.Info().Msg("relay stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	return cmd
}
