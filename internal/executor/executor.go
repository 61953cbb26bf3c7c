// Package executor provides the request handlers the link hands data
// messages to.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/relaylink/internal/link"
)

const (
	KindJSONRPC = "jsonrpc"
	KindCommand = "command"
	KindEcho    = "echo"

	DefaultURL     = "http://127.0.0.1:8080/jsonrpc"
	DefaultTimeout = 30 * time.Second
)

// Config selects and configures an executor.
type Config struct {
	Kind     string
	URL      string
	Timeout  time.Duration
	Username string
	Password string
	// Command is the argv run by the command kind.
	Command []string
}

func DefaultConfig() Config {
	return Config{Kind: KindJSONRPC, URL: DefaultURL, Timeout: DefaultTimeout}
}

// New builds the executor named by cfg.Kind.
func New(cfg Config) (link.Executor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindJSONRPC:
		return NewJSONRPC(cfg)
	case KindCommand:
		return NewCommand(cfg)
	case KindEcho:
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("executor: unknown kind %q", cfg.Kind)
	}
}

// Echo answers every request with the request itself.
type Echo struct{}

func (Echo) Handle(_ context.Context, request []byte) ([]byte, error) {
	out := make([]byte, len(request))
	copy(out, request)
	return out, nil
}
