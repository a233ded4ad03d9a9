package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/app"
	"github.com/vovakirdan/wirechat-sync/internal/service/contacts"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
)

func newContactsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the user directory and contact lists",
	}

	open := func() (*contacts.Service, func() error, error) {
		st, err := sqlite.New(c.cfg.DatabasePath, sqlite.WithLogger(c.logger))
		if err != nil {
			return nil, nil, err
		}
		return contacts.New(st), st.Close, nil
	}
	self := func() (string, error) {
		id, err := app.ResolveIdentity(&c.cfg)
		if err != nil {
			return "", err
		}
		return id.UserID, nil
	}

	register := &cobra.Command{
		Use:   "register <id> <email> [name]",
		Short: "Add a user to the directory",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := open()
			if err != nil {
				return err
			}
			defer closeFn()

			name := ""
			if len(args) == 3 {
				name = args[2]
			}
			user, err := svc.RegisterUser(cmd.Context(), args[0], args[1], name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", user.ID, user.Email)
			return err
		},
	}

	lookup := &cobra.Command{
		Use:   "lookup <email>",
		Short: "Find a user by email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := open()
			if err != nil {
				return err
			}
			defer closeFn()

			user, err := svc.LookupByEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", user.ID, user.Name)
			return err
		},
	}

	add := &cobra.Command{
		Use:   "add <user-id|email>",
		Short: "Add a user to your contacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := self()
			if err != nil {
				return err
			}
			svc, closeFn, err := open()
			if err != nil {
				return err
			}
			defer closeFn()

			target := args[0]
			if user, lookupErr := svc.LookupByEmail(cmd.Context(), target); lookupErr == nil {
				target = user.ID
			}
			if err := svc.AddContact(cmd.Context(), me, target); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", target)
			return err
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List your contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			me, err := self()
			if err != nil {
				return err
			}
			svc, closeFn, err := open()
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := svc.ListContacts(cmd.Context(), me)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCONVERSATION")
			for _, ct := range list {
				started, err := svc.ChannelExists(cmd.Context(), me, ct.ContactID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%t\n", ct.ContactID, ct.Name, started)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(register, lookup, add, list)
	return cmd
}
