package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/relaylink/internal/config"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/relay"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		listen  string
		stdin   bool
		target  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept links and optionally push requests read from stdin",
		Long: `serve accepts link connections under the configured policy. With --stdin
every input line is sent as one request, to --to or to every connected
client, and each response is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRelay()
			if _, err := os.Stat(*configPath); err == nil || cmd.Flags().Changed("config") {
				loaded, err := config.LoadRelay(*configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listen != "" {
				cfg.Server.Addr = listen
			}
			srv, err := relay.NewServer(cfg.Server)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error { return srv.Serve(gctx) })
			if stdin {
				group.Go(func() error {
					err := pushLines(gctx, srv, cmd.InOrStdin(), cmd.OutOrStdout(), target, timeout)
					stop()
					return err
				})
			}
			return group.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "push each stdin line as a request")
	cmd.Flags().StringVar(&target, "to", "", "uuid to push to (default: every connected client)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "wait per response")
	return cmd
}

// pushLines sends every non-empty line as a request and prints the responses.
// A client that answers nothing within timeout is reported and skipped.
func pushLines(ctx context.Context, srv *relay.Server, in io.Reader, out io.Writer, target string, timeout time.Duration) error {
	log := logging.Component("relayctl")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		targets := srv.Clients()
		if target != "" {
			targets = []string{target}
		}
		if len(targets) == 0 {
			fmt.Fprintln(out, "no clients connected")
			continue
		}
		for _, id := range targets {
			client, ok := srv.Client(id)
			if !ok {
				fmt.Fprintf(out, "%s: not connected\n", id)
				continue
			}
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			resp, err := client.Request(reqCtx, []byte(line))
			cancel()
			switch {
			case err == nil:
				fmt.Fprintf(out, "%s: %s\n", client.UUID, resp.Payload)
			case errors.Is(err, context.DeadlineExceeded):
				fmt.Fprintf(out, "%s: no response\n", client.UUID)
			case ctx.Err() != nil:
				return nil
			default:
				log.Warn().Err(err).Str("uuid", client.UUID).Msg("request failed")
				fmt.Fprintf(out, "%s: %v\n", client.UUID, err)
			}
		}
	}
	return scanner.Err()
}
