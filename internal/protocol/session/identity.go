package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/relaylink/internal/protocol"
)

// IdentityLength is the exact length of a client identity token.
const IdentityLength = 32

var (
	ErrIdentityRequired  = fmt.Errorf("%w: client identity required", protocol.ErrIdentity)
	ErrIdentityMalformed = fmt.Errorf("%w: client identity must be %d alphanumeric characters", protocol.ErrIdentity, IdentityLength)
)

// ClientIdentity is announced to the relay on every connect.
type ClientIdentity struct {
	UUID    string
	Version string
}

func (c ClientIdentity) Validate() error {
	if strings.TrimSpace(c.UUID) == "" {
		return ErrIdentityRequired
	}
	if !ValidIdentityFormat(c.UUID) {
		return ErrIdentityMalformed
	}
	return nil
}

// ValidIdentityFormat reports whether s is exactly IdentityLength ASCII letters
// or digits.
func ValidIdentityFormat(s string) bool {
	if len(s) != IdentityLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

// NormalizeIdentity trims and upper-cases a user-entered identity.
func NormalizeIdentity(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
