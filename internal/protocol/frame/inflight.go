package frame

// InFlight collects the packets of one message until the announced count has
// been received.
type InFlight struct {
	Control          bool
	PacketsRemaining int
	Payload          []byte
	packets          int
}

func (m *InFlight) Start(control bool, packets int) {
	m.Control = control
	m.PacketsRemaining = packets
	m.packets = packets
	m.Payload = m.Payload[:0]
}

// Append adds one packet body and reports whether the message is complete.
func (m *InFlight) Append(chunk []byte) bool {
	m.Payload = append(m.Payload, chunk...)
	m.PacketsRemaining--
	return m.Done()
}

func (m *InFlight) Done() bool {
	return m.PacketsRemaining <= 0
}

// Message snapshots the reassembled payload. The returned bytes are not shared
// with the in-flight buffer.
func (m *InFlight) Message(id int32) Message {
	body := make([]byte, len(m.Payload))
	copy(body, m.Payload)
	return Message{ID: id, Control: m.Control, Packets: m.packets, Compressed: body}
}

func (m *InFlight) Reset() {
	m.Control = false
	m.PacketsRemaining = 0
	m.packets = 0
	m.Payload = m.Payload[:0]
}
