package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/relaylink/internal/protocol"
)

const (
	// HeaderLen is the width of every header field on the wire.
	HeaderLen = 4

	// ControlHandshake is the reserved message id of the version/identity
	// handshake. Control messages always carry exactly one packet.
	ControlHandshake int32 = -1

	DefaultMaxMessageSize      = 32 * 1024
	DefaultMaxNumberOfPackets  = 1024
	DefaultMaxDecompressedSize = 64 * 1024 * 1024
)

var (
	ErrPacketCount     = fmt.Errorf("%w: packet count out of range", protocol.ErrProtocolViolation)
	ErrPacketSize      = fmt.Errorf("%w: packet size out of range", protocol.ErrProtocolViolation)
	ErrUnknownControl  = fmt.Errorf("%w: unknown control sentinel", protocol.ErrProtocolViolation)
	ErrTooManyPackets  = fmt.Errorf("%w: payload needs too many packets", protocol.ErrProtocolViolation)
	ErrControlTooLarge = fmt.Errorf("%w: control payload exceeds one packet", protocol.ErrProtocolViolation)
	ErrEmptyPayload    = errors.New("frame: empty compressed payload")
)

// Limits bounds packet sizes, packet counts and inflated payload size.
type Limits struct {
	MaxMessageSize      int
	MaxNumberOfPackets  int
	MaxDecompressedSize int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:      DefaultMaxMessageSize,
		MaxNumberOfPackets:  DefaultMaxNumberOfPackets,
		MaxDecompressedSize: DefaultMaxDecompressedSize,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = d.MaxMessageSize
	}
	if l.MaxNumberOfPackets <= 0 {
		l.MaxNumberOfPackets = d.MaxNumberOfPackets
	}
	if l.MaxDecompressedSize <= 0 {
		l.MaxDecompressedSize = d.MaxDecompressedSize
	}
	return l
}

// IsControl reports whether id is a reserved control sentinel.
func IsControl(id int32) bool {
	return id == ControlHandshake
}

func EncodeHeader(v int32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf
}

func DecodeHeader(b []byte) (int32, error) {
	if len(b) != HeaderLen {
		return 0, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// DecodeCount validates a message id header. Control sentinels yield a single
// packet; positive ids are the packet count.
func DecodeCount(id int32, limits Limits) (control bool, packets int, err error) {
	if id < 0 {
		if !IsControl(id) {
			return false, 0, fmt.Errorf("%w: id=%d", ErrUnknownControl, id)
		}
		return true, 1, nil
	}
	if id == 0 || int(id) > limits.MaxNumberOfPackets {
		return false, 0, fmt.Errorf("%w: count=%d max=%d", ErrPacketCount, id, limits.MaxNumberOfPackets)
	}
	return false, int(id), nil
}

// DecodeSize validates a per-packet size header.
func DecodeSize(size int32, limits Limits) (int, error) {
	if size < 1 || int(size) > limits.MaxMessageSize {
		return 0, fmt.Errorf("%w: size=%d max=%d", ErrPacketSize, size, limits.MaxMessageSize)
	}
	return int(size), nil
}

// Packetize splits an already compressed payload into packets of at most
// MaxMessageSize bytes, preserving order.
func Packetize(compressed []byte, limits Limits) ([][]byte, error) {
	if len(compressed) == 0 {
		return nil, ErrEmptyPayload
	}
	n := (len(compressed) + limits.MaxMessageSize - 1) / limits.MaxMessageSize
	if n > limits.MaxNumberOfPackets {
		return nil, fmt.Errorf("%w: packets=%d max=%d", ErrTooManyPackets, n, limits.MaxNumberOfPackets)
	}
	packets := make([][]byte, 0, n)
	for off := 0; off < len(compressed); off += limits.MaxMessageSize {
		end := off + limits.MaxMessageSize
		if end > len(compressed) {
			end = len(compressed)
		}
		packets = append(packets, compressed[off:end])
	}
	return packets, nil
}

// EncodeCompressed frames an already compressed data payload as
// [count][size1][chunk1]...[sizeN][chunkN]. The leading messageId is the real
// packet count N, so a multi-packet message reassembles on the receiver.
func EncodeCompressed(compressed []byte, limits Limits) ([][]byte, error) {
	packets, err := Packetize(compressed, limits)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, 1+2*len(packets))
	out = append(out, EncodeHeader(int32(len(packets))))
	for _, p := range packets {
		out = append(out, EncodeHeader(int32(len(p))), p)
	}
	return out, nil
}

// EncodeData compresses payload and frames it as an ordinary message.
func EncodeData(payload []byte, limits Limits) ([][]byte, error) {
	compressed, err := Compress(payload)
	if err != nil {
		return nil, err
	}
	return EncodeCompressed(compressed, limits)
}

// EncodeControl compresses payload and frames it as one control packet
// [sentinel][size][bytes].
func EncodeControl(sentinel int32, payload []byte, limits Limits) ([][]byte, error) {
	if !IsControl(sentinel) {
		return nil, fmt.Errorf("%w: id=%d", ErrUnknownControl, sentinel)
	}
	compressed, err := Compress(payload)
	if err != nil {
		return nil, err
	}
	if len(compressed) > limits.MaxMessageSize {
		return nil, fmt.Errorf("%w: size=%d max=%d", ErrControlTooLarge, len(compressed), limits.MaxMessageSize)
	}
	return [][]byte{EncodeHeader(sentinel), EncodeHeader(int32(len(compressed))), compressed}, nil
}

// Join concatenates encoded chunks into one buffer.
func Join(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Message is one fully reassembled frame, still compressed.
type Message struct {
	ID         int32
	Control    bool
	Packets    int
	Compressed []byte
}

// Payload inflates the message body.
func (m Message) Payload(limits Limits) ([]byte, error) {
	return Decompress(m.Compressed, limits.MaxDecompressedSize)
}

// ReadMessage reads one whole message from a blocking reader.
func ReadMessage(r io.Reader, limits Limits) (Message, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, protocol.ErrPeerClosed
		}
		return Message{}, err
	}
	id, _ := DecodeHeader(head[:])
	control, packets, err := DecodeCount(id, limits)
	if err != nil {
		return Message{}, err
	}
	var in InFlight
	in.Start(control, packets)
	for !in.Done() {
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return Message{}, err
		}
		raw, _ := DecodeHeader(head[:])
		size, err := DecodeSize(raw, limits)
		if err != nil {
			return Message{}, err
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return Message{}, err
		}
		in.Append(chunk)
	}
	return in.Message(id), nil
}

// WriteChunks writes encoded chunks in order.
func WriteChunks(w io.Writer, chunks [][]byte) error {
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}
