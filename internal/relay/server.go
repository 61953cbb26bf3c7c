// Package relay is a development relay: it accepts link clients, validates
// their announce against a version constraint and identity policy, and pushes
// requests to connected clients.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/observability"
	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrListenAddressRequired = errors.New("relay: listen address required")
	ErrExpectedAnnounce      = fmt.Errorf("%w: first message is not an announce", protocol.ErrProtocolViolation)
)

// Config configures the relay listener and its admission policy.
type Config struct {
	Addr string
	// VersionConstraint is a semver constraint such as ">= 1.0.0". Empty
	// accepts any well-formed version.
	VersionConstraint string
	// AllowedIdentities restricts accepted uuids when non-empty.
	AllowedIdentities []string
	Session           session.Config
}

// Server is the relay side of the link protocol.
type Server struct {
	cfg        Config
	constraint *semver.Constraints
	allow      map[string]struct{}
	log        zerolog.Logger

	mu        sync.Mutex
	ln        net.Listener
	clients   map[string]*Client
	announces []session.Announce
	changed   chan struct{}
	cancel    context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrListenAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		allow:   make(map[string]struct{}, len(cfg.AllowedIdentities)),
		log:     logging.Component("relay"),
		clients: make(map[string]*Client),
		changed: make(chan struct{}),
	}
	if c := strings.TrimSpace(cfg.VersionConstraint); c != "" {
		constraint, err := semver.NewConstraint(c)
		if err != nil {
			return nil, fmt.Errorf("relay: version constraint %q: %w", c, err)
		}
		s.constraint = constraint
	}
	for _, id := range cfg.AllowedIdentities {
		s.allow[session.NormalizeIdentity(id)] = struct{}{}
	}
	return s, nil
}

// Listen binds the listener and returns its address.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.Session.TLS.Enabled {
		tlsCfg, err := s.cfg.Session.ServerTLSConfig()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.ln = ln
	return ln.Addr(), nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts clients until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	ln := s.ln
	s.mu.Unlock()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Str("versions", s.cfg.VersionConstraint).
		Int("allowed", len(s.allow)).
		Msg("relay listening")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		s.closeClients()
		return nil
	})
	group.Go(func() error {
		defer cancel()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			group.Go(func() error {
				s.handle(gctx, conn)
				return nil
			})
		}
	})
	err := group.Wait()
	s.log.Info().Msg("relay stopped")
	return err
}

// Close stops a running Serve.
func (s *Server) Close() {
	s.mu.Lock()
	cancel := s.cancel
	ln := s.ln
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	if ln != nil {
		_ = ln.Close()
	}
}

// Client returns the connected client with uuid.
func (s *Server) Client(uuid string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[session.NormalizeIdentity(uuid)]
	return c, ok
}

// WaitClient blocks until a client with uuid has completed the handshake.
func (s *Server) WaitClient(ctx context.Context, uuid string) (*Client, error) {
	for {
		s.mu.Lock()
		c, ok := s.clients[session.NormalizeIdentity(uuid)]
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return c, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Clients lists connected uuids.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	return out
}

// Announces returns every announce received, accepted or not.
func (s *Server) Announces() []session.Announce {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Announce(nil), s.announces...)
}

// Admit evaluates an announce against the relay policy.
func (s *Server) Admit(a session.Announce) session.HandshakeResult {
	return session.HandshakeResult{
		ValidVersion: s.versionAccepted(a.Version),
		ValidUUID:    s.identityAccepted(a.UUID),
	}
}

func (s *Server) versionAccepted(version string) bool {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return false
	}
	return s.constraint == nil || s.constraint.Check(v)
}

func (s *Server) identityAccepted(uuid string) bool {
	uuid = session.NormalizeIdentity(uuid)
	if !session.ValidIdentityFormat(uuid) {
		return false
	}
	if len(s.allow) == 0 {
		return true
	}
	_, ok := s.allow[uuid]
	return ok
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	remote := conn.RemoteAddr().String()
	limits := s.cfg.Session.Limits

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	announce, err := s.readAnnounce(conn)
	if err != nil {
		s.log.Warn().Str("remote", remote).Str("kind", protocol.KindOf(err).String()).Err(err).Msg("announce failed")
		observability.RecordRelaySession("invalid", time.Since(start))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	announce.UUID = session.NormalizeIdentity(announce.UUID)

	result := s.Admit(announce)
	s.mu.Lock()
	s.announces = append(s.announces, announce)
	s.mu.Unlock()

	body, err := session.EncodeHandshakeResult(result)
	if err == nil {
		var chunks [][]byte
		chunks, err = frame.EncodeControl(frame.ControlHandshake, body, limits)
		if err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
			err = frame.WriteChunks(conn, chunks)
			_ = conn.SetWriteDeadline(time.Time{})
		}
	}
	if err != nil {
		s.log.Warn().Str("remote", remote).Err(err).Msg("handshake reply failed")
		observability.RecordRelaySession("invalid", time.Since(start))
		_ = conn.Close()
		return
	}

	logger := s.log.With().Str("remote", remote).Str("uuid", announce.UUID).Str("version", announce.Version).Logger()
	if !result.Accepted() {
		logger.Info().Bool("valid_version", result.ValidVersion).Bool("valid_uuid", result.ValidUUID).Msg("client rejected")
		observability.RecordRelaySession("rejected", time.Since(start))
		closeGracefully(conn)
		return
	}

	c := newClient(announce, conn, limits, s.cfg.Session.WriteTimeout)
	s.register(c)
	logger.Info().Msg("client connected")

	err = c.readLoop(ctx)
	s.unregister(c)
	_ = conn.Close()
	outcome := "closed"
	if err != nil && !errors.Is(err, protocol.ErrPeerClosed) && ctx.Err() == nil {
		outcome = "failed"
		logger.Warn().Err(err).Msg("client dropped")
	} else {
		logger.Info().Dur("duration", time.Since(start)).Msg("client disconnected")
	}
	observability.RecordRelaySession(outcome, time.Since(start))
}

func (s *Server) readAnnounce(conn net.Conn) (session.Announce, error) {
	limits := s.cfg.Session.Limits
	msg, err := frame.ReadMessage(conn, limits)
	if err != nil {
		return session.Announce{}, err
	}
	if !msg.Control || msg.ID != frame.ControlHandshake {
		return session.Announce{}, fmt.Errorf("%w: id=%d", ErrExpectedAnnounce, msg.ID)
	}
	body, err := msg.Payload(limits)
	if err != nil {
		return session.Announce{}, err
	}
	return session.DecodeAnnounce(body)
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	prev := s.clients[c.UUID]
	s.clients[c.UUID] = c
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	if prev != nil {
		s.log.Info().Str("uuid", c.UUID).Msg("replacing previous session")
		prev.Close()
	}
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.UUID] == c {
		delete(s.clients, c.UUID)
		close(s.changed)
		s.changed = make(chan struct{})
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func closeGracefully(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.Close()
}
