package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/danmuck/relaylink/internal/relay"
	"github.com/stretchr/testify/require"
)

const (
	testUUID  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"
	otherUUID = "ZYXWVUTSRQPONMLKJIHGFEDCBA543210"
)

type memoryIdentity struct {
	mu        sync.Mutex
	uuid      string
	reconnect bool
	rejected  []string
}

func (s *memoryIdentity) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uuid
}

func (s *memoryIdentity) ValidFormat(uuid string) bool {
	return session.ValidIdentityFormat(uuid)
}

func (s *memoryIdentity) Set(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uuid = uuid
}

func (s *memoryIdentity) RequestReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnect = true
}

func (s *memoryIdentity) ReconnectRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect
}

func (s *memoryIdentity) ClearReconnectRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnect = false
}

func (s *memoryIdentity) IdentityRejected(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, uuid)
}

func (s *memoryIdentity) Rejected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejected...)
}

type notice struct {
	Title    string
	Message  string
	Severity Severity
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) Show(title, message string, severity Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{Title: title, Message: message, Severity: severity})
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, v := range n.notices {
		out = append(out, v.Title)
	}
	return out
}

func (n *recordingNotifier) Count(title string) int {
	c := 0
	for _, v := range n.Titles() {
		if v == title {
			c++
		}
	}
	return c
}

// fastSession keeps every poll and wait short enough for tests.
func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.ReadPoll = 10 * time.Millisecond
	cfg.WriteTimeout = time.Second
	cfg.ReconnectPoll = 10 * time.Millisecond
	cfg.IdentityPoll = 10 * time.Millisecond
	cfg.Backoff = session.BackoffConfig{ShortWait: 20 * time.Millisecond, LongWait: 50 * time.Millisecond, ShortAttempts: 3}
	return cfg
}

func startRelay(t *testing.T, cfg relay.Config) *relay.Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Session.ReadPoll == 0 {
		cfg.Session = fastSession()
	}
	srv, err := relay.NewServer(cfg)
	require.NoError(t, err)
	_, err = srv.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

type harness struct {
	machine  *Machine
	identity *memoryIdentity
	notifier *recordingNotifier
}

func startMachine(t *testing.T, addr string, sess session.Config, identity *memoryIdentity, exec Executor) *harness {
	t.Helper()
	notifier := &recordingNotifier{}
	m, err := NewMachine(Config{Address: addr, Version: "1.0.0", Session: sess}, Dependencies{
		Identity: identity,
		Settings: identity,
		Notifier: notifier,
		Executor: exec,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("machine did not stop")
		}
	})
	return &harness{machine: m, identity: identity, notifier: notifier}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.machine.Status().State == want.String()
	}, 3*time.Second, 5*time.Millisecond, "state never became %s (last %s)", want, h.machine.Status().State)
}

func (h *harness) waitHandshake(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.machine.Status().HandshakeDone
	}, 3*time.Second, 5*time.Millisecond, "handshake never completed")
}

func waitClient(t *testing.T, srv *relay.Server, uuid string) *relay.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := srv.WaitClient(ctx, uuid)
	require.NoError(t, err)
	return c
}

// waitNewClient waits for a session for uuid other than prev.
func waitNewClient(t *testing.T, srv *relay.Server, uuid string, prev *relay.Client) *relay.Client {
	t.Helper()
	var c *relay.Client
	require.Eventually(t, func() bool {
		got, ok := srv.Client(uuid)
		if !ok || got == prev {
			return false
		}
		c = got
		return true
	}, 3*time.Second, 5*time.Millisecond, "no new session for %s", uuid)
	return c
}

func okExecutor() Executor {
	return ExecutorFunc(func(context.Context, []byte) ([]byte, error) {
		return []byte("OK"), nil
	})
}

func echoExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, req []byte) ([]byte, error) {
		return req, nil
	})
}

func encodeControl(t *testing.T, body string) frame.Message {
	t.Helper()
	compressed, err := frame.Compress([]byte(body))
	require.NoError(t, err)
	return frame.Message{ID: frame.ControlHandshake, Control: true, Packets: 1, Compressed: compressed}
}

func encodeData(t *testing.T, body []byte) frame.Message {
	t.Helper()
	compressed, err := frame.Compress(body)
	require.NoError(t, err)
	return frame.Message{ID: 1, Packets: 1, Compressed: compressed}
}
