package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danmuck/relaylink/internal/logging"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/linkctl/config.toml"

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "linkctl",
		Short: "Keep a relay link open and serve the requests it carries",
		Long: `linkctl maintains an outbound connection to a relay, identifies itself
with a 32 character uuid, and hands every request the relay pushes to a
local JSON-RPC endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "link config file")

	root.AddCommand(
		runCmd(&configPath),
		identityCmd(&configPath),
		configCmd(&configPath),
	)
	return root
}
