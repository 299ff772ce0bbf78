// Package coordtypes holds the identifiers shared across every layer of the
// coordination engine: SessionId and Key.
package coordtypes

import (
	"encoding/base64"
	"fmt"
)

// SessionId identifies a single coordination session. Its total order is
// the byte-lexicographic pair (Address, Tag); Address is also the address
// the exchange manager uses to reach the session over the datagram
// transport.
type SessionId struct {
	Address []byte
	Tag     []byte
}

// NewSessionId builds a SessionId from a physical address and a session
// tag (typically a uuid).
func NewSessionId(address, tag []byte) SessionId {
	return SessionId{Address: append([]byte(nil), address...), Tag: append([]byte(nil), tag...)}
}

// String renders a stable, human-readable form suitable for logging and
// map keys that don't need byte-exact comparison.
func (s SessionId) String() string {
	return fmt.Sprintf("%s/%s",
		base64.RawURLEncoding.EncodeToString(s.Address),
		base64.RawURLEncoding.EncodeToString(s.Tag))
}

// Key returns a comparable value usable as a Go map key.
func (s SessionId) Key() string { return s.String() }

// Equal reports byte-exact equality of both components.
func (s SessionId) Equal(o SessionId) bool {
	return bytesEqual(s.Address, o.Address) && bytesEqual(s.Tag, o.Tag)
}

// Less implements the byte-lexicographic total order over
// (Address, Tag) pairs.
func (s SessionId) Less(o SessionId) bool {
	if c := bytesCompare(s.Address, o.Address); c != 0 {
		return c < 0
	}
	return bytesCompare(s.Tag, o.Tag) < 0
}

// IsZero reports whether s is the zero value.
func (s SessionId) IsZero() bool {
	return len(s.Address) == 0 && len(s.Tag) == 0
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
