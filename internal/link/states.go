package link

// State is a position of the link state machine.
type State int

const (
	StateConnecting State = iota
	// StateAwaitingIdentity waits for a usable local identity before dialing.
	StateAwaitingIdentity
	// StateIdle waits for the 4-byte message id of the next message.
	StateIdle
	// StateSizing waits for the 4-byte size of the next packet.
	StateSizing
	// StateReceiving waits for the body of the current packet.
	StateReceiving
	StateProcessing
	// StateHalted is entered after the relay rejects the client version and
	// persists until restart.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingIdentity:
		return "awaiting_identity"
	case StateIdle:
		return "idle"
	case StateSizing:
		return "sizing"
	case StateReceiving:
		return "receiving"
	case StateProcessing:
		return "processing"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Connected reports whether the state implies an open transport.
func (s State) Connected() bool {
	switch s {
	case StateIdle, StateSizing, StateReceiving, StateProcessing:
		return true
	default:
		return false
	}
}
