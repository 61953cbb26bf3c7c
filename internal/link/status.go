package link

import (
	"time"

	"github.com/danmuck/relaylink/internal/protocol/session"
)

// Status is a point-in-time snapshot of the link, safe to hand to other
// goroutines.
type Status struct {
	State               string    `json:"state"`
	Since               time.Time `json:"since"`
	Relay               string    `json:"relay"`
	Connected           bool      `json:"connected"`
	HandshakeDone       bool      `json:"handshake_done"`
	Identity            string    `json:"identity,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	EverConnected       bool      `json:"ever_connected"`
	RetryTier           string    `json:"retry_tier"`
	NextAttempt         time.Time `json:"next_attempt,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	MessagesHandled     uint64    `json:"messages_handled"`
}

func (m *Machine) snapshot() *Status {
	retry := m.conn.Retry()
	st := &Status{
		State:               m.state.String(),
		Since:               m.since,
		Relay:               m.conn.Address(),
		Connected:           m.conn.Connected(),
		HandshakeDone:       m.handshakeDone,
		Identity:            m.current.UUID,
		ConsecutiveFailures: retry.ConsecutiveFailures,
		EverConnected:       retry.EverConnected,
		RetryTier:           retry.Tier.String(),
		MessagesHandled:     m.handled,
	}
	if retry.Tier != session.TierNone {
		st.NextAttempt = retry.NextAttempt()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
		st.LastErrorKind = m.lastErrKind.String()
	}
	return st
}

func (m *Machine) publish() {
	m.status.Store(m.snapshot())
}

// Status returns the latest published snapshot.
func (m *Machine) Status() Status {
	if st := m.status.Load(); st != nil {
		return *st
	}
	return Status{State: m.state.String()}
}
