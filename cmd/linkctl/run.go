package main

import (
	"github.com/danmuck/relaylink/internal/config"
	"github.com/danmuck/relaylink/internal/executor"
	"github.com/danmuck/relaylink/internal/identity"
	"github.com/danmuck/relaylink/internal/link"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/notify"
	"github.com/spf13/cobra"
)

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the link until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadLink(*configPath)
			if err != nil {
				return err
			}
			svc, err := newService(cfg)
			if err != nil {
				return err
			}
			log := logging.Component("linkctl")
			log.Info().
				Str("config", *configPath).
				Str("relay", cfg.Service.Link.Address).
				Str("version", cfg.Service.Link.Version).
				Str("state", cfg.StatePath).
				Str("executor", cfg.Executor.Kind).
				Str("admin", cfg.Service.AdminAddr).
				Msg("starting link")
			return svc.Run(cmd.Context())
		},
	}
}

func newService(cfg config.Link) (*link.Service, error) {
	store, err := identity.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(cfg.Executor)
	if err != nil {
		return nil, err
	}
	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return nil, err
	}
	return link.NewService(cfg.Service, link.Dependencies{
		Identity: store,
		Settings: store,
		Notifier: notifier,
		Executor: exec,
	})
}
