// Package config loads the TOML files for the link client and the dev relay.
// Keys absent from a file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/relaylink/internal/executor"
	"github.com/danmuck/relaylink/internal/link"
	"github.com/danmuck/relaylink/internal/notify"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/danmuck/relaylink/internal/relay"
)

const (
	DefaultRelayAddress = "127.0.0.1:9000"
	DefaultRelayListen  = ":9000"
	DefaultVersion      = "1.0.0"
	DefaultStatePath    = "local/relaylink/identity.toml"
)

var (
	ErrRelayAddressRequired = errors.New("config: relay_address required")
	ErrVersionRequired      = errors.New("config: version required")
	ErrStatePathRequired    = errors.New("config: state_path required")
	ErrListenRequired       = errors.New("config: listen required")
)

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
}

// sessionFile holds the keys shared by both file kinds.
type sessionFile struct {
	SecurityMode        string  `toml:"security_mode"`
	ConnectTimeout      string  `toml:"connect_timeout"`
	HandshakeTimeout    string  `toml:"handshake_timeout"`
	ReadPoll            string  `toml:"read_poll"`
	IdleTimeout         string  `toml:"idle_timeout"`
	WriteTimeout        string  `toml:"write_timeout"`
	ReconnectPoll       string  `toml:"reconnect_poll"`
	IdentityPoll        string  `toml:"identity_poll"`
	ShortWait           string  `toml:"short_wait"`
	LongWait            string  `toml:"long_wait"`
	ShortAttempts       int     `toml:"short_attempts"`
	MaxMessageSize      int     `toml:"max_message_size"`
	MaxPackets          int     `toml:"max_packets"`
	MaxDecompressedSize int64   `toml:"max_decompressed_size"`
	TLS                 tlsFile `toml:"tls"`
}

type executorFile struct {
	Kind     string   `toml:"kind"`
	URL      string   `toml:"url"`
	Timeout  string   `toml:"timeout"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	Command  []string `toml:"command"`
}

type notifyFile struct {
	Kind        string `toml:"kind"`
	URL         string `toml:"url"`
	Timeout     string `toml:"timeout"`
	DisplayTime string `toml:"display_time"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

type linkFile struct {
	sessionFile
	RelayAddress string       `toml:"relay_address"`
	Version      string       `toml:"version"`
	StatePath    string       `toml:"state_path"`
	AdminAddr    string       `toml:"admin_addr"`
	AdminToken   string       `toml:"admin_token"`
	CORSOrigins  []string     `toml:"cors_origins"`
	Executor     executorFile `toml:"executor"`
	Notify       notifyFile   `toml:"notify"`
}

type relayFile struct {
	sessionFile
	Listen            string   `toml:"listen"`
	VersionConstraint string   `toml:"version_constraint"`
	AllowedIdentities []string `toml:"allowed_identities"`
}

// Link is everything linkctl needs to start a client.
type Link struct {
	Service   link.ServiceConfig
	StatePath string
	Executor  executor.Config
	Notify    notify.Config
}

// Relay is the dev relay configuration.
type Relay struct {
	Server relay.Config
}

func DefaultLink() Link {
	return Link{
		Service: link.ServiceConfig{
			Link: link.Config{
				Address: DefaultRelayAddress,
				Version: DefaultVersion,
				Session: session.DefaultConfig(),
			},
		},
		StatePath: DefaultStatePath,
		Executor:  executor.DefaultConfig(),
		Notify:    notify.DefaultConfig(),
	}
}

func DefaultRelay() Relay {
	return Relay{Server: relay.Config{Addr: DefaultRelayListen, Session: session.DefaultConfig()}}
}

func LoadLink(path string) (Link, error) {
	cfg := DefaultLink()

	var raw linkFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Link{}, fmt.Errorf("load link config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Link{}, fmt.Errorf("load link config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("relay_address") {
		cfg.Service.Link.Address = strings.TrimSpace(raw.RelayAddress)
	}
	if meta.IsDefined("version") {
		cfg.Service.Link.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("state_path") {
		cfg.StatePath = strings.TrimSpace(raw.StatePath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Service.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.Service.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Service.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Service.Link.Session); err != nil {
		return Link{}, err
	}
	if err := applyExecutor(meta, raw.Executor, &cfg.Executor); err != nil {
		return Link{}, err
	}
	if err := applyNotify(meta, raw.Notify, &cfg.Notify); err != nil {
		return Link{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Link{}, err
	}
	return cfg, nil
}

func (c Link) Validate() error {
	if strings.TrimSpace(c.Service.Link.Address) == "" {
		return ErrRelayAddressRequired
	}
	if strings.TrimSpace(c.Service.Link.Version) == "" {
		return ErrVersionRequired
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return ErrStatePathRequired
	}
	if err := c.Service.Link.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("link config: %w", err)
	}
	return nil
}

func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()

	var raw relayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Relay{}, fmt.Errorf("load relay config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Relay{}, fmt.Errorf("load relay config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Server.Addr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("version_constraint") {
		cfg.Server.VersionConstraint = strings.TrimSpace(raw.VersionConstraint)
	}
	if meta.IsDefined("allowed_identities") {
		ids := normalizeList(raw.AllowedIdentities)
		for i, id := range ids {
			ids[i] = session.NormalizeIdentity(id)
		}
		cfg.Server.AllowedIdentities = ids
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Server.Session); err != nil {
		return Relay{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

func (c Relay) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return ErrListenRequired
	}
	if c.Server.VersionConstraint != "" {
		if _, err := semver.NewConstraint(c.Server.VersionConstraint); err != nil {
			return fmt.Errorf("relay config: version_constraint: %w", err)
		}
	}
	for i, id := range c.Server.AllowedIdentities {
		if !session.ValidIdentityFormat(id) {
			return fmt.Errorf("relay config: allowed_identities[%d] malformed: %q", i, id)
		}
	}
	if err := c.Server.Session.ValidateServerTransport(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	return nil
}

func applySession(meta toml.MetaData, raw sessionFile, cfg *session.Config) error {
	if meta.IsDefined("security_mode") {
		cfg.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_poll", raw.ReadPoll, &cfg.ReadPoll},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"reconnect_poll", raw.ReconnectPoll, &cfg.ReconnectPoll},
		{"identity_poll", raw.IdentityPoll, &cfg.IdentityPoll},
		{"short_wait", raw.ShortWait, &cfg.Backoff.ShortWait},
		{"long_wait", raw.LongWait, &cfg.Backoff.LongWait},
	}
	for _, d := range durations {
		if err := parseDuration(meta, d.raw, d.dst, d.key); err != nil {
			return err
		}
	}
	if meta.IsDefined("short_attempts") {
		if raw.ShortAttempts < 0 {
			return fmt.Errorf("short_attempts must be >= 0, got %d", raw.ShortAttempts)
		}
		cfg.Backoff.ShortAttempts = raw.ShortAttempts
	}
	if meta.IsDefined("max_message_size") {
		if raw.MaxMessageSize <= 0 {
			return fmt.Errorf("max_message_size must be > 0, got %d", raw.MaxMessageSize)
		}
		cfg.Limits.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("max_packets") {
		if raw.MaxPackets <= 0 {
			return fmt.Errorf("max_packets must be > 0, got %d", raw.MaxPackets)
		}
		cfg.Limits.MaxNumberOfPackets = raw.MaxPackets
	}
	if meta.IsDefined("max_decompressed_size") {
		if raw.MaxDecompressedSize <= 0 {
			return fmt.Errorf("max_decompressed_size must be > 0, got %d", raw.MaxDecompressedSize)
		}
		cfg.Limits.MaxDecompressedSize = raw.MaxDecompressedSize
	}

	if meta.IsDefined("tls", "enabled") {
		cfg.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	return nil
}

func applyExecutor(meta toml.MetaData, raw executorFile, cfg *executor.Config) error {
	if meta.IsDefined("executor", "kind") {
		cfg.Kind = strings.TrimSpace(raw.Kind)
	}
	if meta.IsDefined("executor", "url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("executor", "username") {
		cfg.Username = raw.Username
	}
	if meta.IsDefined("executor", "password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("executor", "command") {
		cfg.Command = normalizeList(raw.Command)
	}
	return parseDuration(meta, raw.Timeout, &cfg.Timeout, "executor", "timeout")
}

func applyNotify(meta toml.MetaData, raw notifyFile, cfg *notify.Config) error {
	if meta.IsDefined("notify", "kind") {
		cfg.Kind = strings.TrimSpace(raw.Kind)
	}
	if meta.IsDefined("notify", "url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("notify", "username") {
		cfg.Username = raw.Username
	}
	if meta.IsDefined("notify", "password") {
		cfg.Password = raw.Password
	}
	if err := parseDuration(meta, raw.Timeout, &cfg.Timeout, "notify", "timeout"); err != nil {
		return err
	}
	return parseDuration(meta, raw.DisplayTime, &cfg.DisplayTime, "notify", "display_time")
}

func parseDuration(meta toml.MetaData, raw string, dst *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	if d < 0 {
		return fmt.Errorf("parse %s: negative duration %s", strings.Join(key, "."), d)
	}
	*dst = d
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
