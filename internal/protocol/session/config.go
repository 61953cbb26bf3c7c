package session

import (
	"time"

	"github.com/danmuck/relaylink/internal/protocol/frame"
)

// BackoffConfig defines the two retry tiers. There is no jitter and no
// exponential growth: a failed attempt waits either ShortWait or LongWait.
type BackoffConfig struct {
	ShortWait time.Duration
	LongWait  time.Duration
	// ShortAttempts caps consecutive short-tier waits; 0 means no cap.
	ShortAttempts int
}

// TLSConfig describes the optional encrypted channel to the relay.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadPoll bounds every read so the loop can re-check cancellation.
	ReadPoll time.Duration
	// IdleTimeout aborts a connection that delivered no bytes for this long;
	// 0 disables it.
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	ReconnectPoll time.Duration
	IdentityPoll  time.Duration
	Backoff       BackoffConfig
	SecurityMode  SecurityMode
	TLS           TLSConfig
	Limits        frame.Limits
}

// DefaultConfig returns the link defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadPoll:         100 * time.Millisecond,
		IdleTimeout:      0,
		WriteTimeout:     10 * time.Second,
		ReconnectPoll:    time.Second,
		IdentityPoll:     time.Second,
		Backoff: BackoffConfig{
			ShortWait:     5 * time.Second,
			LongWait:      60 * time.Second,
			ShortAttempts: 0,
		},
		SecurityMode: SecurityModeDevelopment,
		Limits:       frame.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued timing fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadPoll <= 0 {
		c.ReadPoll = d.ReadPoll
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectPoll <= 0 {
		c.ReconnectPoll = d.ReconnectPoll
	}
	if c.IdentityPoll <= 0 {
		c.IdentityPoll = d.IdentityPoll
	}
	if c.Backoff.ShortWait <= 0 {
		c.Backoff.ShortWait = d.Backoff.ShortWait
	}
	if c.Backoff.LongWait <= 0 {
		c.Backoff.LongWait = d.Backoff.LongWait
	}
	if c.Backoff.ShortAttempts < 0 {
		c.Backoff.ShortAttempts = 0
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	c.Limits = c.Limits.WithDefaults()
	return c
}
