package link

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/danmuck/relaylink/internal/logging"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig is the full client configuration.
type ServiceConfig struct {
	Link        Config
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string
}

// Service runs the link state machine and, when configured, the admin server.
type Service struct {
	machine *Machine
	admin   *AdminServer
}

func NewService(cfg ServiceConfig, deps Dependencies) (*Service, error) {
	machine, err := NewMachine(cfg.Link, deps)
	if err != nil {
		return nil, err
	}
	s := &Service{machine: machine}
	if cfg.AdminAddr != "" {
		s.admin = NewAdminServer(cfg.AdminAddr, cfg.CORSOrigins, cfg.AdminToken, machine.Status)
	}
	return s, nil
}

func (s *Service) Machine() *Machine { return s.machine }

// Run blocks until SIGINT, SIGTERM or ctx cancellation.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.Component("link.service")
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.machine.Run(gctx)
	})
	if s.admin != nil {
		group.Go(func() error {
			return s.admin.Serve(gctx)
		})
	}
	err := group.Wait()
	if err != nil {
		log.Error().Err(err).Msg("service stopped")
		return err
	}
	log.Info().Msg("service stopped")
	return nil
}
