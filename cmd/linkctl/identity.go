package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/relaylink/internal/config"
	"github.com/danmuck/relaylink/internal/identity"
	"github.com/spf13/cobra"
)

func identityCmd(configPath *string) *cobra.Command {
	var statePath string
	open := func() (*identity.Store, error) {
		path := strings.TrimSpace(statePath)
		if path == "" {
			cfg, err := config.LoadLink(*configPath)
			if err != nil {
				return nil, fmt.Errorf("%w (use --state to bypass the config file)", err)
			}
			path = cfg.StatePath
		}
		return identity.Open(path)
	}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or change the link identity",
	}
	cmd.PersistentFlags().StringVar(&statePath, "state", "", "identity state file (overrides state_path)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			st, err := store.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if st.UUID == "" {
				fmt.Fprintln(out, "uuid:      (none)")
			} else {
				fmt.Fprintf(out, "uuid:      %s\n", st.UUID)
			}
			fmt.Fprintf(out, "reconnect: %t\n", st.Reconnect)
			if st.Rejected != "" {
				fmt.Fprintf(out, "rejected:  %s\n", st.Rejected)
			}
			fmt.Fprintf(out, "state:     %s\n", store.Path())
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <uuid>",
		Short: "Store a uuid and ask the running link to reconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			id, err := store.Set(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	generate := &cobra.Command{
		Use:   "new",
		Short: "Generate and store a fresh uuid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			id, err := store.Set(identity.Generate())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	reconnect := &cobra.Command{
		Use:   "reconnect",
		Short: "Ask the running link to drop and re-establish its connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			return store.RequestReconnect()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored uuid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			return store.Clear()
		},
	}

	cmd.AddCommand(show, set, generate, reconnect, clearCmd)
	return cmd
}
