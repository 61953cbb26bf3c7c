package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/observability"
	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrVersionRequired   = errors.New("link: client version required")
	ErrMissingDependency = errors.New("link: missing dependency")
	ErrHandshakeTimeout  = fmt.Errorf("%w: no handshake result", protocol.ErrTransport)
)

// Config is the link configuration apart from collaborators.
type Config struct {
	Address string
	Version string
	Session session.Config
}

// Dependencies are the collaborators the machine consults. Dial, Now and
// Sleep are optional and exist for tests.
type Dependencies struct {
	Identity IdentityStore
	Settings Settings
	Notifier Notifier
	Executor Executor

	Dial  DialFunc
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Machine drives one relay connection through connect, handshake, framing and
// dispatch. All methods except Status must be called from one goroutine.
type Machine struct {
	cfg        Config
	conn       *Connector
	dispatcher *Dispatcher
	identity   IdentityStore
	settings   Settings
	notifier   Notifier
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	log        zerolog.Logger

	state         State
	since         time.Time
	acc           frame.Accumulator
	inflight      frame.InFlight
	msgID         int32
	handshakeDone bool
	connectedAt   time.Time
	current       session.ClientIdentity
	handled       uint64

	// rejected holds the identity the relay refused; it is not retried until
	// the store changes or a reconnect is requested.
	rejected         string
	identityNotified bool
	secureNotified   bool
	lastPoll         time.Time
	lastErr          error
	lastErrKind      protocol.Kind

	status atomic.Pointer[Status]
}

func NewMachine(cfg Config, deps Dependencies) (*Machine, error) {
	cfg.Version = strings.TrimSpace(cfg.Version)
	if cfg.Version == "" {
		return nil, ErrVersionRequired
	}
	switch {
	case deps.Identity == nil:
		return nil, fmt.Errorf("%w: identity store", ErrMissingDependency)
	case deps.Settings == nil:
		return nil, fmt.Errorf("%w: settings", ErrMissingDependency)
	case deps.Executor == nil:
		return nil, fmt.Errorf("%w: executor", ErrMissingDependency)
	}
	cfg.Session = cfg.Session.WithDefaults()

	m := &Machine{
		cfg:      cfg,
		identity: deps.Identity,
		settings: deps.Settings,
		notifier: deps.Notifier,
		now:      deps.Now,
		sleep:    deps.Sleep,
		log:      logging.Component("link.machine"),
		state:    StateConnecting,
	}
	if m.notifier == nil {
		m.notifier = logNotifier{log: m.log}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}

	opts := []ConnectorOption{WithClock(m.now)}
	if deps.Dial != nil {
		opts = append(opts, WithDialer(deps.Dial))
	}
	conn, err := NewConnector(cfg.Address, cfg.Session, opts...)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	m.dispatcher = NewDispatcher(deps.Executor, cfg.Session.Limits, conn.Send)
	m.since = m.now()
	m.acc.Expect(frame.HeaderLen)
	m.publish()
	return m, nil
}

func (m *Machine) State() State { return m.state }

// Run steps the machine until ctx is cancelled, then closes the transport.
func (m *Machine) Run(ctx context.Context) error {
	m.log.Info().
		Str("relay", m.cfg.Address).
		Str("version", m.cfg.Version).
		Bool("tls", m.cfg.Session.TLS.Enabled).
		Msg("link starting")
	defer m.Close()
	for {
		if err := m.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Close shuts the transport down gracefully.
func (m *Machine) Close() {
	if m.conn.Connected() {
		m.teardown(true)
	}
	m.publish()
	m.log.Info().Str("state", m.state.String()).Msg("link stopped")
}

// Step performs one unit of work for the current state. Blocking is bounded by
// the read poll interval or one of the wait intervals.
func (m *Machine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.pollReconnect()
	if m.handshakeExpired() {
		m.abort(fmt.Errorf("%w: waited=%s", ErrHandshakeTimeout, m.cfg.Session.HandshakeTimeout))
		return nil
	}

	switch m.state {
	case StateConnecting:
		m.stepConnecting(ctx)
	case StateAwaitingIdentity:
		m.stepAwaitingIdentity(ctx)
	case StateIdle:
		m.stepIdle()
	case StateSizing:
		m.stepSizing()
	case StateReceiving:
		m.stepReceiving()
	case StateProcessing:
		m.stepProcessing(ctx)
	case StateHalted:
		m.pause(ctx, m.cfg.Session.IdentityPoll)
	}
	return nil
}

func (m *Machine) pollReconnect() {
	if m.state == StateHalted {
		return
	}
	now := m.now()
	if !m.lastPoll.IsZero() && now.Sub(m.lastPoll) < m.cfg.Session.ReconnectPoll {
		return
	}
	m.lastPoll = now
	if !m.settings.ReconnectRequested() {
		return
	}
	m.settings.ClearReconnectRequest()
	m.log.Info().Str("state", m.state.String()).Msg("reconnect requested")
	if m.conn.Connected() {
		m.teardown(true)
	}
	m.conn.ResetRetry()
	m.rejected = ""
	m.identityNotified = false
	m.secureNotified = false
	m.transition(StateConnecting)
}

func (m *Machine) stepConnecting(ctx context.Context) {
	id := m.identity.Get()
	if !m.identity.ValidFormat(id) {
		m.log.Warn().Msg("no valid identity configured")
		m.transition(StateAwaitingIdentity)
		return
	}
	if wait := m.conn.WaitRemaining(); wait > 0 {
		m.pause(ctx, min(wait, m.cfg.Session.ReconnectPoll))
		return
	}

	ident := session.ClientIdentity{UUID: id, Version: m.cfg.Version}
	if err := m.conn.Connect(ctx, ident); err != nil {
		kind := protocol.KindOf(err)
		observability.RecordConnectAttempt(kind.String())
		m.fail(err)
		switch kind {
		case protocol.KindIdentity:
			m.transition(StateAwaitingIdentity)
		case protocol.KindSecureChannel:
			if !m.secureNotified {
				m.secureNotified = true
				m.notifier.Show("Secure connection failed",
					fmt.Sprintf("Could not establish a secure connection to %s: %v", m.cfg.Address, err),
					SeverityError)
			}
		}
		return
	}

	observability.RecordConnectAttempt("connected")
	m.secureNotified = false
	m.current = ident
	m.handshakeDone = false
	m.connectedAt = m.now()
	m.acc.Expect(frame.HeaderLen)
	m.transition(StateIdle)
}

func (m *Machine) stepAwaitingIdentity(ctx context.Context) {
	id := m.identity.Get()
	if m.identity.ValidFormat(id) && id != m.rejected {
		m.log.Info().Msg("identity available")
		m.rejected = ""
		m.identityNotified = false
		m.transition(StateConnecting)
		return
	}
	if !m.identityNotified {
		m.identityNotified = true
		m.notifier.Show("Identity required",
			"Set a 32 character alphanumeric client identity to connect to the relay.",
			SeverityWarning)
	}
	m.pause(ctx, m.cfg.Session.IdentityPoll)
}

// handshakeExpired reports whether a connected session has gone longer than
// the handshake timeout without a result, whatever part of a frame arrived.
func (m *Machine) handshakeExpired() bool {
	switch m.state {
	case StateIdle, StateSizing, StateReceiving:
	default:
		return false
	}
	return !m.handshakeDone && m.conn.Connected() &&
		m.now().Sub(m.connectedAt) >= m.cfg.Session.HandshakeTimeout
}

func (m *Machine) stepIdle() {
	if !m.receive() {
		return
	}
	id, err := frame.DecodeHeader(m.acc.Bytes())
	if err != nil {
		m.abort(err)
		return
	}
	control, packets, err := frame.DecodeCount(id, m.cfg.Session.Limits)
	if err != nil {
		m.abort(err)
		return
	}
	m.msgID = id
	m.inflight.Start(control, packets)
	m.acc.Expect(frame.HeaderLen)
	m.transition(StateSizing)
}

func (m *Machine) stepSizing() {
	if !m.receive() {
		return
	}
	raw, err := frame.DecodeHeader(m.acc.Bytes())
	if err != nil {
		m.abort(err)
		return
	}
	size, err := frame.DecodeSize(raw, m.cfg.Session.Limits)
	if err != nil {
		m.abort(err)
		return
	}
	m.acc.Expect(size)
	m.transition(StateReceiving)
}

func (m *Machine) stepReceiving() {
	if !m.receive() {
		return
	}
	done := m.inflight.Append(m.acc.Bytes())
	m.acc.Expect(frame.HeaderLen)
	if done {
		m.transition(StateProcessing)
		return
	}
	m.transition(StateSizing)
}

func (m *Machine) stepProcessing(ctx context.Context) {
	msg := m.inflight.Message(m.msgID)
	m.inflight.Reset()

	outcome, err := m.dispatcher.Dispatch(ctx, msg, m.handshakeDone)
	if !msg.Control && outcome == OutcomeContinue {
		m.handled++
	}
	switch outcome {
	case OutcomeContinue:
		m.transition(StateIdle)
	case OutcomeHandshakeAccepted:
		m.handshakeDone = true
		m.log.Info().Str("relay", m.cfg.Address).Msg("handshake accepted")
		m.transition(StateIdle)
	case OutcomeIdentityRejected:
		m.rejected = m.current.UUID
		m.identityNotified = true
		m.fail(fmt.Errorf("%w: relay rejected identity", protocol.ErrIdentity))
		m.settings.IdentityRejected(m.current.UUID)
		m.notifier.Show("Identity rejected",
			"The relay did not accept this client identity. Set a different identity to reconnect.",
			SeverityError)
		m.teardown(true)
		m.transition(StateAwaitingIdentity)
	case OutcomeVersionRejected:
		m.fail(fmt.Errorf("%w: version=%s", protocol.ErrVersionRejected, m.cfg.Version))
		m.notifier.Show("Update required",
			fmt.Sprintf("The relay does not accept client version %s. Update the client and restart.", m.cfg.Version),
			SeverityError)
		m.teardown(true)
		m.transition(StateHalted)
	default:
		m.abort(err)
	}
}

// receive reads into the accumulator and reports whether the requested bytes
// are complete. Terminal read outcomes abort the connection.
func (m *Machine) receive() bool {
	st, err := m.conn.Receive(&m.acc)
	switch st {
	case frame.StatusComplete:
		return true
	case frame.StatusWouldBlock, frame.StatusProgress:
		return false
	case frame.StatusPeerClosed:
		m.abort(fmt.Errorf("%w: state=%s", protocol.ErrPeerClosed, m.state))
	case frame.StatusOverrun:
		m.abort(fmt.Errorf("%w: read overrun", protocol.ErrProtocolViolation))
	default:
		m.abort(err)
	}
	return false
}

// abort drops the connection and returns to Connecting. Peer closes and
// protocol violations shut down gracefully; transport failures close hard.
func (m *Machine) abort(err error) {
	kind := protocol.KindOf(err)
	m.log.Warn().
		Str("state", m.state.String()).
		Str("kind", kind.String()).
		Int32("message_id", m.msgID).
		Int("received", m.acc.Received()).
		Int("want", m.acc.Want()).
		Int("packets_remaining", m.inflight.PacketsRemaining).
		Int("payload_bytes", len(m.inflight.Payload)).
		Err(err).
		Msg("connection aborted")
	observability.RecordAbort(kind.String())
	m.fail(err)
	m.teardown(kind == protocol.KindPeerClosed || kind == protocol.KindProtocolViolation)
	m.transition(StateConnecting)
}

func (m *Machine) teardown(graceful bool) {
	m.conn.Shutdown(graceful)
	m.handshakeDone = false
	m.inflight.Reset()
	m.acc.Expect(frame.HeaderLen)
}

func (m *Machine) fail(err error) {
	m.lastErr = err
	m.lastErrKind = protocol.KindOf(err)
	m.publish()
}

func (m *Machine) transition(next State) {
	if next == m.state {
		return
	}
	prev := m.state
	m.state = next
	m.since = m.now()
	observability.RecordTransition(prev.String(), next.String())
	m.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("transition")
	m.publish()
}

func (m *Machine) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	_ = m.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type logNotifier struct {
	log zerolog.Logger
}

func (n logNotifier) Show(title, message string, severity Severity) {
	n.log.Warn().Str("title", title).Str("severity", severity.String()).Msg(message)
}
