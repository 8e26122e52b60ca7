package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ID is a 32-byte transaction content hash.
type ID [32]byte

// Empty is the zero-value ID (all zeros)
var Empty ID

// NewID hashes the given bytes into an ID.
func NewID(data []byte) ID {
	return ID(sha256.Sum256(data))
}

// FromString parses a 64-char hex string into an ID.
func FromString(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String converts an ID back to a hex string
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex chars, for log lines.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsEmpty reports whether id is the zero hash.
func (id ID) IsEmpty() bool {
	return id == Empty
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := FromString(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PeerID identifies a connected peer (canonical host:port of the connection).
type PeerID string

// Self marks transactions originated by this node.
const Self PeerID = "self"

func (p PeerID) String() string {
	return string(p)
}

// IsSelf reports whether p is the local node.
func (p PeerID) IsSelf() bool {
	return p == Self
}
