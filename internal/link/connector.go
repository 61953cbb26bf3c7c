package link

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrRelayAddressRequired = errors.New("link: relay address required")
	ErrNotConnected         = fmt.Errorf("%w: not connected", protocol.ErrTransport)
	ErrZeroWrite            = fmt.Errorf("%w: transport accepted zero bytes", protocol.ErrTransport)
	ErrIdleTimeout          = fmt.Errorf("%w: idle timeout", protocol.ErrTransport)
)

// DialFunc opens a raw stream to the relay.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Connector owns the relay transport. It is the only holder of the net.Conn;
// the state machine reaches the socket through Receive, Send and Shutdown.
type Connector struct {
	address  string
	cfg      session.Config
	dial     DialFunc
	now      func() time.Time
	log      zerolog.Logger
	conn     net.Conn
	retry    session.RetryState
	lastRead time.Time
}

type ConnectorOption func(*Connector)

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) ConnectorOption {
	return func(c *Connector) { c.dial = dial }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ConnectorOption {
	return func(c *Connector) { c.now = now }
}

func NewConnector(address string, cfg session.Config, opts ...ConnectorOption) (*Connector, error) {
	if strings.TrimSpace(address) == "" {
		return nil, ErrRelayAddressRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	c := &Connector{
		address: address,
		cfg:     cfg,
		now:     time.Now,
		log:     logging.Component("link.connector"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dial == nil {
		d := &net.Dialer{Timeout: cfg.ConnectTimeout}
		c.dial = d.DialContext
	}
	return c, nil
}

func (c *Connector) Address() string { return c.address }

func (c *Connector) Connected() bool { return c.conn != nil }

// Retry returns a copy of the retry history.
func (c *Connector) Retry() session.RetryState { return c.retry }

// WaitRemaining reports how long the backoff still holds the next attempt.
func (c *Connector) WaitRemaining() time.Duration {
	return c.retry.Remaining(c.now())
}

// ResetRetry forgets connect history after an explicit reconnect request.
func (c *Connector) ResetRetry() {
	c.retry.Reset()
}

// Connect opens a fresh transport, negotiates TLS when configured and sends the
// announce control message. Calling Connect while connected is a no-op.
func (c *Connector) Connect(ctx context.Context, id session.ClientIdentity) error {
	if c.conn != nil {
		c.log.Debug().Str("addr", c.address).Msg("already connected")
		return nil
	}
	if err := id.Validate(); err != nil {
		return err
	}
	c.retry.Begin(c.now())

	conn, err := c.open(ctx)
	if err == nil {
		err = c.announce(conn, id)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		secure := errors.Is(err, protocol.ErrSecureChannel)
		wait := c.retry.Failed(c.cfg.Backoff, secure)
		c.log.Warn().
			Str("addr", c.address).
			Int("failures", c.retry.ConsecutiveFailures).
			Str("tier", c.retry.Tier.String()).
			Dur("wait", wait).
			Err(err).
			Msg("connect failed")
		return err
	}

	c.conn = conn
	c.lastRead = c.now()
	c.retry.Succeeded()
	c.log.Info().Str("addr", c.address).Bool("tls", c.cfg.TLS.Enabled).Msg("connected")
	return nil
}

func (c *Connector) open(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	rawConn, err := c.dial(dialCtx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrTransport, c.address, err)
	}
	if !c.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.ClientTLSConfig(c.address)
	if err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("%w: %v", protocol.ErrSecureChannel, err)
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancelHandshake()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		if isSecureChannelError(err) {
			return nil, fmt.Errorf("%w: %v", protocol.ErrSecureChannel, err)
		}
		return nil, fmt.Errorf("%w: tls handshake: %v", protocol.ErrTransport, err)
	}
	return conn, nil
}

func (c *Connector) announce(conn net.Conn, id session.ClientIdentity) error {
	body, err := session.EncodeAnnounce(session.NewAnnounce(id))
	if err != nil {
		return err
	}
	chunks, err := frame.EncodeControl(frame.ControlHandshake, body, c.cfg.Limits)
	if err != nil {
		return err
	}
	if err := c.write(conn, chunks); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// isSecureChannelError separates certificate and TLS protocol failures from
// plain network errors raised during the handshake. TLS alerts sent or
// received over TCP surface as *net.OpError with a "local error" or
// "remote error" op.
func isSecureChannelError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		systemRoots  x509.SystemRootsError
		insecureAlgo x509.InsecureAlgorithmError
		opErr        *net.OpError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		errors.As(err, &systemRoots),
		errors.As(err, &insecureAlgo):
		return true
	case errors.As(err, &opErr):
		return opErr.Op == "local error" || opErr.Op == "remote error"
	}
	return false
}

// Receive performs one deadline-bounded read into acc.
func (c *Connector) Receive(acc *frame.Accumulator) (frame.Status, error) {
	if c.conn == nil {
		return frame.StatusFatal, ErrNotConnected
	}
	now := c.now()
	_ = c.conn.SetReadDeadline(now.Add(c.cfg.ReadPoll))
	before := acc.Received()
	st := acc.ReadFrom(c.conn)
	if acc.Received() > before {
		c.lastRead = c.now()
	}
	switch st {
	case frame.StatusFatal:
		return st, fmt.Errorf("%w: %v", protocol.ErrTransport, acc.Err())
	case frame.StatusWouldBlock:
		if c.cfg.IdleTimeout > 0 && c.now().Sub(c.lastRead) >= c.cfg.IdleTimeout {
			return frame.StatusFatal, fmt.Errorf("%w: idle=%s", ErrIdleTimeout, c.cfg.IdleTimeout)
		}
	}
	return st, nil
}

// Send writes every chunk in order, retrying short writes.
func (c *Connector) Send(chunks [][]byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.write(c.conn, chunks)
}

func (c *Connector) write(conn net.Conn, chunks [][]byte) error {
	_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	for _, chunk := range chunks {
		if err := writeFull(conn, chunk); err != nil {
			return err
		}
	}
	return nil
}

// writeFull loops until b is fully accepted. A write that reports zero bytes
// without an error is a lost connection, not progress.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return fmt.Errorf("%w: write: %v", protocol.ErrTransport, err)
		}
		if n <= 0 {
			return ErrZeroWrite
		}
		b = b[n:]
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// Shutdown closes the transport. A graceful shutdown half-closes the write
// side first so the relay sees an orderly end of stream.
func (c *Connector) Shutdown(graceful bool) {
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	if graceful {
		if cw, ok := conn.(closeWriter); ok {
			_ = conn.SetWriteDeadline(c.now().Add(c.cfg.ReadPoll))
			if err := cw.CloseWrite(); err != nil {
				c.log.Debug().Err(err).Msg("graceful shutdown failed")
			}
		}
	}
	if err := conn.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close failed")
	}
	c.log.Info().Str("addr", c.address).Bool("graceful", graceful).Msg("disconnected")
}
