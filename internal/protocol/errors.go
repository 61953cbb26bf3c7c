package protocol

import "errors"

// Failure taxonomy for the relay link. Transport and protocol failures are
// recovered locally by reconnecting; identity and version failures need the
// user to fix something.
var (
	ErrPeerClosed        = errors.New("protocol: peer closed connection")
	ErrProtocolViolation = errors.New("protocol: violation")
	ErrTransport         = errors.New("protocol: transport failure")
	ErrSecureChannel     = errors.New("protocol: secure channel failure")
	ErrIdentity          = errors.New("protocol: identity error")
	ErrVersionRejected   = errors.New("protocol: version rejected")
)

// Kind names one class of the failure taxonomy.
type Kind int

const (
	KindNone Kind = iota
	KindPeerClosed
	KindProtocolViolation
	KindTransport
	KindSecureChannel
	KindIdentity
	KindVersion
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPeerClosed:
		return "peer_closed"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindTransport:
		return "transport"
	case KindSecureChannel:
		return "secure_channel"
	case KindIdentity:
		return "identity"
	case KindVersion:
		return "version"
	default:
		return "unknown"
	}
}

// KindOf maps err onto the taxonomy. Errors outside it are transport failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPeerClosed):
		return KindPeerClosed
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, ErrSecureChannel):
		return KindSecureChannel
	case errors.Is(err, ErrIdentity):
		return KindIdentity
	case errors.Is(err, ErrVersionRejected):
		return KindVersion
	default:
		return KindTransport
	}
}
