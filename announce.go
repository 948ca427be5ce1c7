package bitmesh

import (
	"errors"
	"fmt"

	"github.com/opd-ai/bitmesh/limits"
	"github.com/opd-ai/bitmesh/peer"
)

// Announcement TLV field types. Each field is a type byte, a length byte
// and the value.
const (
	fieldNickname   = 0x01
	fieldNoiseKey   = 0x02
	fieldSigningKey = 0x03
	fieldNeighbors  = 0x04
)

// MaxAnnouncedNeighbors is how many neighbor IDs fit in one TLV field.
const MaxAnnouncedNeighbors = 255 / peer.Size

// ErrMalformedAnnouncement is returned for announcement payloads that cannot
// be parsed.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// Announcement is the payload of an announce packet.
type Announcement struct {
	Nickname   string
	NoiseKey   [32]byte
	SigningKey [32]byte
	// Neighbors are the peers the sender holds a direct link to.
	Neighbors []peer.ID
}

// Encode serializes the announcement. The nickname is trimmed and cut to
// limits.MaxNicknameLength characters and omitted when empty; neighbor
// lists longer than MaxAnnouncedNeighbors are truncated.
func (a *Announcement) Encode() []byte {
	nick := []byte(limits.TruncateNickname(a.Nickname))
	neighbors := a.Neighbors
	if len(neighbors) > MaxAnnouncedNeighbors {
		neighbors = neighbors[:MaxAnnouncedNeighbors]
	}

	out := make([]byte, 0, 2+len(nick)+2*(2+32)+2+len(neighbors)*peer.Size)
	if len(nick) > 0 {
		out = append(out, fieldNickname, byte(len(nick)))
		out = append(out, nick...)
	}
	out = append(out, fieldNoiseKey, 32)
	out = append(out, a.NoiseKey[:]...)
	out = append(out, fieldSigningKey, 32)
	out = append(out, a.SigningKey[:]...)
	if len(neighbors) > 0 {
		out = append(out, fieldNeighbors, byte(len(neighbors)*peer.Size))
		for _, n := range neighbors {
			out = append(out, n[:]...)
		}
	}
	return out
}

// DecodeAnnouncement parses an announcement payload. Both keys are
// required, a nickname field must pass limits.ValidateNickname, and unknown
// fields are skipped.
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	a := &Announcement{}
	var haveNoise, haveSigning bool

	for off := 0; off < len(data); {
		if len(data)-off < 2 {
			return nil, fmt.Errorf("%w: truncated field header", ErrMalformedAnnouncement)
		}
		typ, n := data[off], int(data[off+1])
		off += 2
		if len(data)-off < n {
			return nil, fmt.Errorf("%w: field 0x%02x needs %d bytes", ErrMalformedAnnouncement, typ, n)
		}
		value := data[off : off+n]
		off += n

		switch typ {
		case fieldNickname:
			nick, err := limits.ValidateNickname(string(value))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
			}
			a.Nickname = nick
		case fieldNoiseKey:
			if n != 32 {
				return nil, fmt.Errorf("%w: noise key of %d bytes", ErrMalformedAnnouncement, n)
			}
			copy(a.NoiseKey[:], value)
			haveNoise = true
		case fieldSigningKey:
			if n != 32 {
				return nil, fmt.Errorf("%w: signing key of %d bytes", ErrMalformedAnnouncement, n)
			}
			copy(a.SigningKey[:], value)
			haveSigning = true
		case fieldNeighbors:
			if n%peer.Size != 0 {
				return nil, fmt.Errorf("%w: neighbor list of %d bytes", ErrMalformedAnnouncement, n)
			}
			a.Neighbors = make([]peer.ID, 0, n/peer.Size)
			for i := 0; i < n; i += peer.Size {
				a.Neighbors = append(a.Neighbors, peer.FromBytes(value[i:i+peer.Size]))
			}
		}
	}

	if !haveNoise || !haveSigning {
		return nil, fmt.Errorf("%w: missing key", ErrMalformedAnnouncement)
	}
	return a, nil
}
