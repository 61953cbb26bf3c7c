package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/relaylink/internal/protocol"
)

var (
	ErrInvalidAnnounce  = fmt.Errorf("%w: invalid announce", protocol.ErrProtocolViolation)
	ErrInvalidHandshake = fmt.Errorf("%w: invalid handshake result", protocol.ErrProtocolViolation)
)

// Announce is the client->relay control payload sent right after connect.
type Announce struct {
	Version string `json:"version"`
	UUID    string `json:"uuid"`
}

func (a Announce) Validate() error {
	if strings.TrimSpace(a.Version) == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidAnnounce)
	}
	if strings.TrimSpace(a.UUID) == "" {
		return fmt.Errorf("%w: missing uuid", ErrInvalidAnnounce)
	}
	return nil
}

// HandshakeResult is the relay->client answer to an Announce.
type HandshakeResult struct {
	ValidVersion bool `json:"valid-version"`
	ValidUUID    bool `json:"valid-uuid"`
}

// Accepted reports whether ordinary traffic may flow.
func (h HandshakeResult) Accepted() bool {
	return h.ValidVersion && h.ValidUUID
}

// handshakeWire keeps both flags mandatory on decode.
type handshakeWire struct {
	ValidVersion *bool `json:"valid-version"`
	ValidUUID    *bool `json:"valid-uuid"`
}

func NewAnnounce(id ClientIdentity) Announce {
	return Announce{Version: id.Version, UUID: id.UUID}
}

func EncodeAnnounce(a Announce) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

func DecodeAnnounce(b []byte) (Announce, error) {
	var a Announce
	if err := json.Unmarshal(b, &a); err != nil {
		return Announce{}, fmt.Errorf("%w: %v", ErrInvalidAnnounce, err)
	}
	if err := a.Validate(); err != nil {
		return Announce{}, err
	}
	return a, nil
}

func EncodeHandshakeResult(h HandshakeResult) ([]byte, error) {
	return json.Marshal(h)
}

func DecodeHandshakeResult(b []byte) (HandshakeResult, error) {
	var w handshakeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if w.ValidVersion == nil {
		return HandshakeResult{}, fmt.Errorf("%w: missing valid-version", ErrInvalidHandshake)
	}
	if w.ValidUUID == nil {
		return HandshakeResult{}, fmt.Errorf("%w: missing valid-uuid", ErrInvalidHandshake)
	}
	return HandshakeResult{ValidVersion: *w.ValidVersion, ValidUUID: *w.ValidUUID}, nil
}
