// Package notify surfaces link conditions to the user, either in the process
// log or on the media center's own notification overlay.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/relaylink/internal/link"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/rs/zerolog"
)

const (
	KindLog     = "log"
	KindJSONRPC = "jsonrpc"

	DefaultTimeout     = 5 * time.Second
	DefaultDisplayTime = 5 * time.Second
)

type Config struct {
	Kind        string
	URL         string
	Username    string
	Password    string
	Timeout     time.Duration
	DisplayTime time.Duration
}

func DefaultConfig() Config {
	return Config{Kind: KindLog, Timeout: DefaultTimeout, DisplayTime: DefaultDisplayTime}
}

func New(cfg Config) (link.Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindLog:
		return NewLog(logging.Component("notify")), nil
	case KindJSONRPC:
		return NewJSONRPC(cfg)
	default:
		return nil, fmt.Errorf("notify: unknown kind %q", cfg.Kind)
	}
}

// Log writes notifications to a logger at a level matching their severity.
type Log struct {
	log zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{log: logger}
}

func (n *Log) Show(title, message string, severity link.Severity) {
	var ev *zerolog.Event
	switch severity {
	case link.SeverityError:
		ev = n.log.Error()
	case link.SeverityWarning:
		ev = n.log.Warn()
	default:
		ev = n.log.Info()
	}
	ev.Str("title", title).Msg(message)
}
