package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danmuck/relaylink/internal/logging"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/relayctl/config.toml"

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Development relay for linkctl clients",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "relay config file")
	root.AddCommand(serveCmd(&configPath))
	return root
}
