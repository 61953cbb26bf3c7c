package main

import (
	"fmt"

	"github.com/danmuck/relaylink/internal/config"
	"github.com/spf13/cobra"
)

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check config files",
	}

	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := *configPath
			if len(args) == 1 {
				target = args[0]
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", config.KindLink, "config kind: link|relay")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	var validateKind string
	validate := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a config file and report the first problem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := *configPath
			if len(args) == 1 {
				target = args[0]
			}
			var err error
			switch validateKind {
			case config.KindLink:
				_, err = config.LoadLink(target)
			case config.KindRelay:
				_, err = config.LoadRelay(target)
			default:
				err = fmt.Errorf("unknown config kind: %s", validateKind)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", validateKind, target)
			return nil
		},
	}
	validate.Flags().StringVar(&validateKind, "kind", config.KindLink, "config kind: link|relay")

	cmd.AddCommand(initCmd, validate)
	return cmd
}
