// Package peer defines the fixed-width peer identifier used on the mesh wire
// format and by every routing and session table.
package peer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the wire width of a peer identifier in bytes.
const Size = 8

// ErrInvalidID is returned when a textual identifier cannot be parsed.
var ErrInvalidID = errors.New("invalid peer id")

// ID is a fixed-width peer identifier. Shorter inputs are right-padded with
// zero bytes, longer inputs are truncated to Size bytes.
type ID [Size]byte

// FromBytes normalizes b to the fixed identifier width.
func FromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// ParseHex parses a hex identifier of at most 2*Size characters.
func ParseHex(s string) (ID, error) {
	if len(s) == 0 || len(s) > 2*Size {
		return ID{}, fmt.Errorf("%w: %q has %d hex characters (max %d)", ErrInvalidID, s, len(s), 2*Size)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return FromBytes(raw), nil
}

// FromNoiseKey derives the wire identifier of a peer from its long-term Noise
// static public key: the first Size bytes of SHA-256(key).
//
// Logical identifiers longer than Size bytes must go through this derivation
// before reaching the wire layer; the codec itself only truncates.
func FromNoiseKey(staticKey []byte) ID {
	sum := sha256.Sum256(staticKey)
	return FromBytes(sum[:Size])
}

// Bytes returns the identifier with trailing zero bytes stripped, which is
// how the codec exposes decoded identifiers.
func (id ID) Bytes() []byte {
	return bytes.TrimRight(id[:], "\x00")
}

// IsZero reports whether the identifier is all zeros.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the full-width lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Less orders identifiers bytewise. Used for deterministic tie-breaking.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}
