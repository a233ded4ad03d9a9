package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/config"
	wclog "github.com/vovakirdan/wirechat-sync/internal/log"
)

// cli carries state shared by every subcommand once the root has loaded config.
type cli struct {
	configPath string
	logLevel   string
	as         string
	token      string

	cfg    config.Config
	logger *zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "wirechat",
		Short:         "Two-party chat with a durable log and a live relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $WIRECHAT_CONFIG or ./config.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.as, "as", "", "act as this user id")
	root.PersistentFlags().StringVar(&c.token, "token", "", "identity token; overrides --as")

	root.AddCommand(
		newRelayCmd(c),
		newChatCmd(c),
		newContactsCmd(c),
		newTokenCmd(c),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	bootstrap := wclog.New("warn")
	cfg, _, err := config.Load(bootstrap, c.configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(config.Config{LogLevel: c.logLevel, UserID: c.as, Token: c.token})
	c.cfg = cfg
	c.logger = wclog.NewWithWriter(cfg.LogLevel, cmd.ErrOrStderr())
	return nil
}
