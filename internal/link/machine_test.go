package link

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/danmuck/relaylink/internal/relay"
	"github.com/danmuck/relaylink/internal/testutil/testlog"
	"github.com/danmuck/relaylink/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

func requestCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMachineHandshakeAndRequest(t *testing.T) {
	testlog.Start(t)
	srv := startRelay(t, relay.Config{VersionConstraint: ">= 1.0.0"})
	h := startMachine(t, srv.Addr().String(), fastSession(), &memoryIdentity{uuid: testUUID}, okExecutor())

	client := waitClient(t, srv, testUUID)
	h.waitHandshake(t)
	require.Equal(t, []session.Announce{{Version: "1.0.0", UUID: testUUID}}, srv.Announces())

	resp, err := client.Request(requestCtx(t), []byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, "OK", string(resp.Payload))
	require.Equal(t, 1, resp.Packets)

	require.Eventually(t, func() bool {
		return h.machine.Status().MessagesHandled == 1
	}, 3*time.Second, 5*time.Millisecond)
	st := h.machine.Status()
	require.True(t, st.Connected)
	require.Equal(t, testUUID, st.Identity)
}

func TestMachineReassemblesMultiPacketMessages(t *testing.T) {
	testlog.Start(t)
	sess := fastSession()
	sess.Limits = frame.Limits{MaxMessageSize: 128, MaxNumberOfPackets: 32, MaxDecompressedSize: 1 << 20}
	srv := startRelay(t, relay.Config{Session: sess})
	startMachine(t, srv.Addr().String(), sess, &memoryIdentity{uuid: testUUID}, echoExecutor())
	client := waitClient(t, srv, testUUID)

	payload := make([]byte, 1000)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	resp, err := client.Request(requestCtx(t), payload)
	require.NoError(t, err)
	require.Equal(t, payload, resp.Payload)
	require.Greater(t, resp.Packets, 1)
}

func TestMachineExecutionErrorSendsNothing(t *testing.T) {
	testlog.Start(t)
	exec := ExecutorFunc(func(_ context.Context, req []byte) ([]byte, error) {
		if string(req) == "fail" {
			return nil, &ExecutionError{Op: "test", Err: errors.New("boom")}
		}
		return append([]byte("done:"), req...), nil
	})
	srv := startRelay(t, relay.Config{})
	h := startMachine(t, srv.Addr().String(), fastSession(), &memoryIdentity{uuid: testUUID}, exec)
	client := waitClient(t, srv, testUUID)

	require.NoError(t, client.Send([]byte("fail")))
	resp, err := client.Request(requestCtx(t), []byte("next"))
	require.NoError(t, err)
	require.Equal(t, "done:next", string(resp.Payload))
	h.waitState(t, StateIdle)
	require.Len(t, srv.Announces(), 1)
}

func TestMachineVersionRejectedHalts(t *testing.T) {
	testlog.Start(t)
	srv := startRelay(t, relay.Config{VersionConstraint: ">= 2.0.0"})
	id := &memoryIdentity{uuid: testUUID}
	h := startMachine(t, srv.Addr().String(), fastSession(), id, okExecutor())

	h.waitState(t, StateHalted)
	require.Equal(t, 1, h.notifier.Count("Update required"))
	require.Equal(t, protocol.KindVersion.String(), h.machine.Status().LastErrorKind)

	// Halted ignores reconnect requests until restart.
	id.RequestReconnect()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateHalted.String(), h.machine.Status().State)
	require.Len(t, srv.Announces(), 1)
	require.True(t, id.ReconnectRequested())
}

func TestMachineIdentityRejectedWaitsForNewIdentity(t *testing.T) {
	testlog.Start(t)
	srv := startRelay(t, relay.Config{AllowedIdentities: []string{otherUUID}})
	id := &memoryIdentity{uuid: testUUID}
	h := startMachine(t, srv.Addr().String(), fastSession(), id, okExecutor())

	h.waitState(t, StateAwaitingIdentity)
	require.Equal(t, []string{testUUID}, id.Rejected())
	require.Equal(t, 1, h.notifier.Count("Identity rejected"))

	// The rejected identity is not retried on its own.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, srv.Announces(), 1)
	require.Equal(t, StateAwaitingIdentity.String(), h.machine.Status().State)

	id.Set(otherUUID)
	waitClient(t, srv, otherUUID)
	h.waitHandshake(t)
	require.Len(t, srv.Announces(), 2)
}

func TestMachineWithoutIdentityNeverDials(t *testing.T) {
	testlog.Start(t)
	srv := startRelay(t, relay.Config{})
	id := &memoryIdentity{uuid: "not-valid"}
	h := startMachine(t, srv.Addr().String(), fastSession(), id, okExecutor())

	h.waitState(t, StateAwaitingIdentity)
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, srv.Announces())
	require.Equal(t, 1, h.notifier.Count("Identity required"))

	id.Set(testUUID)
	waitClient(t, srv, testUUID)
}

func TestMachineReconnectRequestOpensNewSession(t *testing.T) {
	testlog.Start(t)
	srv := startRelay(t, relay.Config{})
	id := &memoryIdentity{uuid: testUUID}
	h := startMachine(t, srv.Addr().String(), fastSession(), id, okExecutor())
	first := waitClient(t, srv, testUUID)
	h.waitHandshake(t)

	id.RequestReconnect()
	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("old session not closed after reconnect request")
	}
	require.Eventually(t, func() bool { return len(srv.Announces()) == 2 }, 3*time.Second, 5*time.Millisecond)
	require.False(t, id.ReconnectRequested())

	second := waitNewClient(t, srv, testUUID, first)
	resp, err := second.Request(requestCtx(t), []byte("again"))
	require.NoError(t, err)
	require.Equal(t, "OK", string(resp.Payload))
}

func TestMachineRecoversAfterRelayDropsConnection(t *testing.T) {
	testlog.Start(t)
	srv := startRelay(t, relay.Config{})
	h := startMachine(t, srv.Addr().String(), fastSession(), &memoryIdentity{uuid: testUUID}, okExecutor())
	first := waitClient(t, srv, testUUID)
	h.waitHandshake(t)

	first.Close()
	require.Eventually(t, func() bool { return len(srv.Announces()) == 2 }, 3*time.Second, 5*time.Millisecond)
	second := waitNewClient(t, srv, testUUID, first)
	resp, err := second.Request(requestCtx(t), []byte("after"))
	require.NoError(t, err)
	require.Equal(t, "OK", string(resp.Payload))
	require.Equal(t, protocol.KindPeerClosed.String(), h.machine.Status().LastErrorKind)
}

// scriptedRelay accepts connections, reads the announce and hands the raw
// connection to script.
func scriptedRelay(t *testing.T, script func(n int, conn net.Conn)) (string, <-chan int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan int, 16)
	go func() {
		for n := 1; ; n++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- n
			go func(n int, conn net.Conn) {
				defer conn.Close()
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				if _, err := frame.ReadMessage(conn, frame.DefaultLimits()); err != nil {
					return
				}
				_ = conn.SetReadDeadline(time.Time{})
				script(n, conn)
			}(n, conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String(), accepted
}

func writeHandshake(conn net.Conn, res session.HandshakeResult) error {
	body, err := session.EncodeHandshakeResult(res)
	if err != nil {
		return err
	}
	chunks, err := frame.EncodeControl(frame.ControlHandshake, body, frame.DefaultLimits())
	if err != nil {
		return err
	}
	return frame.WriteChunks(conn, chunks)
}

// holdOpen keeps conn open until the peer closes it.
func holdOpen(conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func waitAccepts(t *testing.T, accepted <-chan int, n int) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-accepted:
			if got >= n {
				return
			}
		case <-timeout:
			t.Fatalf("relay never saw connection %d", n)
		}
	}
}

func TestMachineAbortsOnProtocolViolations(t *testing.T) {
	cases := map[string]func(conn net.Conn){
		"zero packet count": func(conn net.Conn) {
			_, _ = conn.Write(frame.EncodeHeader(0))
		},
		"unknown control sentinel": func(conn net.Conn) {
			_, _ = conn.Write(frame.EncodeHeader(-9))
		},
		"oversized packet": func(conn net.Conn) {
			_ = writeHandshake(conn, session.HandshakeResult{ValidVersion: true, ValidUUID: true})
			_, _ = conn.Write(append(frame.EncodeHeader(1), frame.EncodeHeader(frame.DefaultMaxMessageSize+1)...))
		},
		"data before handshake": func(conn net.Conn) {
			chunks, _ := frame.EncodeData([]byte("early"), frame.DefaultLimits())
			_ = frame.WriteChunks(conn, chunks)
		},
		"malformed handshake": func(conn net.Conn) {
			chunks, _ := frame.EncodeControl(frame.ControlHandshake, []byte(`{"valid-version":true}`), frame.DefaultLimits())
			_ = frame.WriteChunks(conn, chunks)
		},
	}
	for name, misbehave := range cases {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			addr, accepted := scriptedRelay(t, func(n int, conn net.Conn) {
				if n == 1 {
					misbehave(conn)
				} else {
					_ = writeHandshake(conn, session.HandshakeResult{ValidVersion: true, ValidUUID: true})
				}
				holdOpen(conn)
			})
			h := startMachine(t, addr, fastSession(), &memoryIdentity{uuid: testUUID}, okExecutor())
			waitAccepts(t, accepted, 2)
			h.waitHandshake(t)
			require.Equal(t, protocol.KindProtocolViolation.String(), h.machine.Status().LastErrorKind)
		})
	}
}

func TestMachineHandshakeTimeout(t *testing.T) {
	testlog.Start(t)
	addr, accepted := scriptedRelay(t, func(n int, conn net.Conn) {
		if n > 1 {
			_ = writeHandshake(conn, session.HandshakeResult{ValidVersion: true, ValidUUID: true})
		}
		holdOpen(conn)
	})
	sess := fastSession()
	sess.HandshakeTimeout = 100 * time.Millisecond
	h := startMachine(t, addr, sess, &memoryIdentity{uuid: testUUID}, okExecutor())
	waitAccepts(t, accepted, 2)
	h.waitHandshake(t)
}

func TestMachineHandshakeTimeoutAfterPartialHeader(t *testing.T) {
	testlog.Start(t)
	addr, accepted := scriptedRelay(t, func(n int, conn net.Conn) {
		if n == 1 {
			_, _ = conn.Write([]byte{0xff, 0xff})
		} else {
			_ = writeHandshake(conn, session.HandshakeResult{ValidVersion: true, ValidUUID: true})
		}
		holdOpen(conn)
	})
	sess := fastSession()
	sess.HandshakeTimeout = 100 * time.Millisecond
	h := startMachine(t, addr, sess, &memoryIdentity{uuid: testUUID}, okExecutor())
	waitAccepts(t, accepted, 2)
	h.waitHandshake(t)
	require.Equal(t, protocol.KindTransport.String(), h.machine.Status().LastErrorKind)
}

func TestMachineBackoffWhileRelayDown(t *testing.T) {
	testlog.Start(t)
	sess := fastSession()
	sess.Backoff.LongWait = time.Minute
	h := startMachine(t, closedAddr(t), sess, &memoryIdentity{uuid: testUUID}, okExecutor())

	require.Eventually(t, func() bool {
		return h.machine.Status().ConsecutiveFailures == 1
	}, 3*time.Second, 5*time.Millisecond)
	st := h.machine.Status()
	require.Equal(t, StateConnecting.String(), st.State)
	require.Equal(t, session.TierLong.String(), st.RetryTier)
	require.False(t, st.EverConnected)
	require.Equal(t, protocol.KindTransport.String(), st.LastErrorKind)

	// The long wait holds further attempts.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.machine.Status().ConsecutiveFailures)
}

func TestMachineSecureChannelNotifiesOnce(t *testing.T) {
	testlog.Start(t)
	trusted := tlstest.NewAuthority(t, "trusted-ca")
	rogue := tlstest.NewAuthority(t, "rogue-ca")
	pair := rogue.Localhost(t)

	relaySession := fastSession()
	relaySession.TLS = session.TLSConfig{Enabled: true, CertFile: pair.CertFile, KeyFile: pair.KeyFile}
	srv := startRelay(t, relay.Config{Session: relaySession})

	sess := fastSession()
	sess.TLS = session.TLSConfig{Enabled: true, CAFile: trusted.CAFile()}
	sess.Backoff.LongWait = 30 * time.Millisecond
	h := startMachine(t, srv.Addr().String(), sess, &memoryIdentity{uuid: testUUID}, okExecutor())

	require.Eventually(t, func() bool {
		return h.machine.Status().ConsecutiveFailures >= 3
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.notifier.Count("Secure connection failed"))
	st := h.machine.Status()
	require.Equal(t, protocol.KindSecureChannel.String(), st.LastErrorKind)
	require.Equal(t, session.TierLong.String(), st.RetryTier)
	require.Empty(t, srv.Announces())
}

func TestMachineOverTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "relay-ca")
	pair := ca.Localhost(t)

	relaySession := fastSession()
	relaySession.TLS = session.TLSConfig{Enabled: true, CertFile: pair.CertFile, KeyFile: pair.KeyFile}
	srv := startRelay(t, relay.Config{Session: relaySession})

	sess := fastSession()
	sess.TLS = session.TLSConfig{Enabled: true, CAFile: ca.CAFile()}
	startMachine(t, srv.Addr().String(), sess, &memoryIdentity{uuid: testUUID}, okExecutor())

	client := waitClient(t, srv, testUUID)
	resp, err := client.Request(requestCtx(t), []byte("secure"))
	require.NoError(t, err)
	require.Equal(t, "OK", string(resp.Payload))
}

func TestMachineOverMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "relay-ca")
	server := ca.Localhost(t)
	client := ca.IssueClient(t, "link-client")

	relaySession := fastSession()
	relaySession.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   ca.CAFile(),
		CertFile: server.CertFile,
		KeyFile:  server.KeyFile,
	}
	srv := startRelay(t, relay.Config{Session: relaySession})

	sess := fastSession()
	sess.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   ca.CAFile(),
		CertFile: client.CertFile,
		KeyFile:  client.KeyFile,
	}
	startMachine(t, srv.Addr().String(), sess, &memoryIdentity{uuid: testUUID}, okExecutor())

	rc := waitClient(t, srv, testUUID)
	resp, err := rc.Request(requestCtx(t), []byte("mutual"))
	require.NoError(t, err)
	require.Equal(t, "OK", string(resp.Payload))
}

func TestNewMachineRequiresCollaborators(t *testing.T) {
	testlog.Start(t)
	id := &memoryIdentity{}
	_, err := NewMachine(Config{Address: "127.0.0.1:1", Session: fastSession()}, Dependencies{Identity: id, Settings: id, Executor: okExecutor()})
	require.ErrorIs(t, err, ErrVersionRequired)
	_, err = NewMachine(Config{Address: "127.0.0.1:1", Version: "1.0.0"}, Dependencies{Settings: id, Executor: okExecutor()})
	require.ErrorIs(t, err, ErrMissingDependency)
	_, err = NewMachine(Config{Address: "127.0.0.1:1", Version: "1.0.0"}, Dependencies{Identity: id, Settings: id})
	require.ErrorIs(t, err, ErrMissingDependency)
}
