package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/danmuck/relaylink/internal/link"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/rs/zerolog"
)

var ErrCommandRequired = errors.New("executor: command required")

// Command runs a local program per request: the request on stdin, the
// response from stdout.
type Command struct {
	name    string
	args    []string
	timeout time.Duration
	log     zerolog.Logger
}

func NewCommand(cfg Config) (*Command, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, ErrCommandRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Command{
		name:    cfg.Command[0],
		args:    append([]string(nil), cfg.Command[1:]...),
		timeout: timeout,
		log:     logging.Component("executor.command"),
	}, nil
}

func (c *Command) Handle(ctx context.Context, request []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(request)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = 1
		var exitErr *exec.ExitError
		var execErr *exec.Error
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.As(err, &execErr):
			exitCode = 127
		}
	}
	c.log.Debug().
		Str("command", c.name).
		Int("exit", exitCode).
		Dur("took", time.Since(start)).
		Int("stdout_bytes", stdout.Len()).
		Msg("command finished")
	if err != nil {
		return nil, &link.ExecutionError{
			Op:  "command",
			Err: fmt.Errorf("%s exit=%d stderr=%q: %w", c.name, exitCode, truncate(stderr.Bytes(), 256), err),
		}
	}
	if stdout.Len() == 0 {
		return nil, nil
	}
	return stdout.Bytes(), nil
}
