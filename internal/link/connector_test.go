package link

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/danmuck/relaylink/internal/testutil/testlog"
	"github.com/danmuck/relaylink/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

type zeroWriter struct{}

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

type trickleWriter struct {
	got []byte
}

func (w *trickleWriter) Write(p []byte) (int, error) {
	n := min(3, len(p))
	w.got = append(w.got, p[:n]...)
	return n, nil
}

func testIdentity() session.ClientIdentity {
	return session.ClientIdentity{UUID: testUUID, Version: "1.0.0"}
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func acceptAll(t *testing.T, ln net.Listener) <-chan net.Conn {
	t.Helper()
	ch := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ch <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ch
}

func TestWriteFull(t *testing.T) {
	testlog.Start(t)
	require.ErrorIs(t, writeFull(zeroWriter{}, []byte("abc")), ErrZeroWrite)
	require.Equal(t, protocol.KindTransport, protocol.KindOf(ErrZeroWrite))

	var w trickleWriter
	require.NoError(t, writeFull(&w, []byte("0123456789")))
	require.Equal(t, "0123456789", string(w.got))
}

func TestNewConnectorValidates(t *testing.T) {
	testlog.Start(t)
	_, err := NewConnector("  ", fastSession())
	require.ErrorIs(t, err, ErrRelayAddressRequired)

	cfg := fastSession()
	cfg.SecurityMode = session.SecurityModeProduction
	_, err = NewConnector("127.0.0.1:1", cfg)
	require.ErrorIs(t, err, session.ErrTLSRequired)
}

func TestConnectFailureUsesLongTierBeforeFirstSuccess(t *testing.T) {
	testlog.Start(t)
	cfg := fastSession()
	cfg.Backoff.LongWait = time.Minute
	c, err := NewConnector(closedAddr(t), cfg)
	require.NoError(t, err)

	err = c.Connect(context.Background(), testIdentity())
	require.ErrorIs(t, err, protocol.ErrTransport)
	retry := c.Retry()
	require.Equal(t, 1, retry.ConsecutiveFailures)
	require.Equal(t, session.TierLong, retry.Tier)
	require.False(t, c.Connected())
	require.Greater(t, c.WaitRemaining(), time.Duration(0))

	c.ResetRetry()
	require.Zero(t, c.WaitRemaining())
	require.Zero(t, c.Retry().ConsecutiveFailures)
}

func TestConnectSendsAnnounceAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := acceptAll(t, ln)

	c, err := NewConnector(ln.Addr().String(), fastSession())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), testIdentity()))
	require.True(t, c.Connected())
	require.True(t, c.Retry().EverConnected)

	server := <-conns
	defer server.Close()
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := frame.ReadMessage(server, frame.DefaultLimits())
	require.NoError(t, err)
	require.True(t, msg.Control)
	body, err := msg.Payload(frame.DefaultLimits())
	require.NoError(t, err)
	require.JSONEq(t, `{"version":"1.0.0","uuid":"`+testUUID+`"}`, string(body))

	require.NoError(t, c.Connect(context.Background(), testIdentity()))
	select {
	case <-conns:
		t.Fatal("second connect opened a new transport")
	case <-time.After(50 * time.Millisecond):
	}

	c.Shutdown(true)
	require.False(t, c.Connected())
	_, err = frame.ReadMessage(server, frame.DefaultLimits())
	require.ErrorIs(t, err, protocol.ErrPeerClosed)
}

func TestReceiveIdleTimeout(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := acceptAll(t, ln)

	cfg := fastSession()
	cfg.IdleTimeout = 40 * time.Millisecond
	c, err := NewConnector(ln.Addr().String(), cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), testIdentity()))
	server := <-conns
	defer server.Close()

	var acc frame.Accumulator
	acc.Expect(frame.HeaderLen)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.Receive(&acc)
		if st == frame.StatusFatal {
			require.ErrorIs(t, err, ErrIdleTimeout)
			return
		}
		require.Equal(t, frame.StatusWouldBlock, st)
	}
	t.Fatal("idle timeout never fired")
}

func TestConnectClassifiesCertificateFailure(t *testing.T) {
	testlog.Start(t)
	trusted := tlstest.NewAuthority(t, "trusted-ca")
	rogue := tlstest.NewAuthority(t, "rogue-ca")
	pair := rogue.Localhost(t)

	cert, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	conns := acceptAll(t, ln)
	go func() {
		for conn := range conns {
			_ = conn.(*tls.Conn).Handshake()
			_ = conn.Close()
		}
	}()

	cfg := fastSession()
	cfg.TLS = session.TLSConfig{Enabled: true, CAFile: trusted.CAFile()}
	c, err := NewConnector(ln.Addr().String(), cfg)
	require.NoError(t, err)

	err = c.Connect(context.Background(), testIdentity())
	require.ErrorIs(t, err, protocol.ErrSecureChannel)
	require.Equal(t, session.TierLong, c.Retry().Tier)
}

func TestIsSecureChannelError(t *testing.T) {
	testlog.Start(t)
	require.True(t, isSecureChannelError(x509.UnknownAuthorityError{}))
	require.True(t, isSecureChannelError(tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}))
	require.False(t, isSecureChannelError(errors.New("connection reset by peer")))
	require.True(t, isSecureChannelError(&net.OpError{Op: "remote error", Err: errors.New("tls: bad certificate")}))

	reset := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	require.False(t, isSecureChannelError(fmt.Errorf("tls: handshake read: %w", reset)))
	require.False(t, isSecureChannelError(errors.New("tls: use of closed connection")))
}
