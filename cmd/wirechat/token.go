package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
)

func newTokenCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id|email>",
		Short: "Mint an identity token for a registered user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sqlite.New(c.cfg.DatabasePath, sqlite.WithLogger(c.logger))
			if err != nil {
				return err
			}
			defer st.Close()

			svc := auth.NewService(st, auth.JWTConfigFrom(&c.cfg))
			token, err := svc.IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
