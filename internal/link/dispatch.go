package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/observability"
	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Outcome tells the state machine where to go after a message was handled.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeHandshakeAccepted
	OutcomeIdentityRejected
	OutcomeVersionRejected
	OutcomeAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeHandshakeAccepted:
		return "handshake_accepted"
	case OutcomeIdentityRejected:
		return "identity_rejected"
	case OutcomeVersionRejected:
		return "version_rejected"
	case OutcomeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

var ErrDataBeforeHandshake = fmt.Errorf("%w: data message before handshake", protocol.ErrProtocolViolation)

// SendFunc writes encoded chunks to the relay.
type SendFunc func(chunks [][]byte) error

// Dispatcher routes reassembled messages: control messages to the handshake
// handler, data messages to the executor.
type Dispatcher struct {
	executor Executor
	limits   frame.Limits
	send     SendFunc
	log      zerolog.Logger
}

func NewDispatcher(executor Executor, limits frame.Limits, send SendFunc) *Dispatcher {
	return &Dispatcher{
		executor: executor,
		limits:   limits.WithDefaults(),
		send:     send,
		log:      logging.Component("link.dispatch"),
	}
}

// Dispatch handles one message. An error accompanies OutcomeAbort only.
func (d *Dispatcher) Dispatch(ctx context.Context, msg frame.Message, handshakeDone bool) (Outcome, error) {
	if msg.Control {
		return d.handshake(msg)
	}
	if !handshakeDone {
		observability.RecordMessage("data", "rejected", len(msg.Compressed))
		return OutcomeAbort, ErrDataBeforeHandshake
	}
	return d.request(ctx, msg)
}

func (d *Dispatcher) handshake(msg frame.Message) (Outcome, error) {
	body, err := msg.Payload(d.limits)
	if err != nil {
		return OutcomeAbort, err
	}
	res, err := session.DecodeHandshakeResult(body)
	if err != nil {
		return OutcomeAbort, err
	}
	observability.RecordMessage("control", "received", len(msg.Compressed))
	d.log.Info().
		Bool("valid_version", res.ValidVersion).
		Bool("valid_uuid", res.ValidUUID).
		Msg("handshake result")
	switch {
	case !res.ValidVersion:
		return OutcomeVersionRejected, nil
	case !res.ValidUUID:
		return OutcomeIdentityRejected, nil
	default:
		return OutcomeHandshakeAccepted, nil
	}
}

func (d *Dispatcher) request(ctx context.Context, msg frame.Message) (Outcome, error) {
	req, err := msg.Payload(d.limits)
	if err != nil {
		return OutcomeAbort, err
	}
	observability.RecordMessage("data", "received", len(msg.Compressed))

	resp, err := d.executor.Handle(ctx, req)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			d.log.Warn().Err(err).Int("request_bytes", len(req)).Msg("request failed")
		} else {
			d.log.Error().Err(err).Int("request_bytes", len(req)).Msg("executor error")
		}
		observability.RecordMessage("data", "failed", len(msg.Compressed))
		return OutcomeContinue, nil
	}
	if resp == nil {
		d.log.Debug().Int("request_bytes", len(req)).Msg("no response")
		return OutcomeContinue, nil
	}

	chunks, err := frame.EncodeData(resp, d.limits)
	if err != nil {
		d.log.Error().Err(err).Int("response_bytes", len(resp)).Msg("response rejected before send")
		observability.RecordMessage("data", "dropped", len(resp))
		return OutcomeContinue, nil
	}
	if err := d.send(chunks); err != nil {
		return OutcomeAbort, err
	}
	sent := wireLen(chunks)
	observability.RecordMessage("data", "sent", sent)
	d.log.Debug().Int("request_bytes", len(req)).Int("response_bytes", len(resp)).Int("wire_bytes", sent).Msg("response sent")
	return OutcomeContinue, nil
}

func wireLen(chunks [][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}
