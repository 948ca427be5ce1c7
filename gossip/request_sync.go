package gossip

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// RequestSync TLV field types.
const (
	fieldRequestID = 0x01
	fieldHashCount = 0x02
	fieldFilter    = 0x03
	fieldSince     = 0x04
)

const (
	// MaxFilterWords bounds the filter a decoder will accept.
	MaxFilterWords = 1024
	// MaxHashCount bounds the filter's hash function count.
	MaxHashCount = 32

	tlvHeaderSize = 3
)

// ErrMalformedRequestSync is returned for payloads that fail validation.
var ErrMalformedRequestSync = errors.New("malformed request sync payload")

// RequestSync summarizes the packets a node holds so a neighbour can send
// back what is missing. The payload is a sequence of type, BE16 length,
// value records; unknown types are skipped.
type RequestSync struct {
	RequestID uuid.UUID
	// HashCount and Words describe a bloom filter over packet IDs. The
	// filter has exactly 64*len(Words) bits.
	HashCount uint
	Words     []uint64
	// Since is the oldest timestamp, in milliseconds, the summary covers.
	Since uint64
}

// NewRequestSync builds a request whose filter covers ids.
func NewRequestSync(ids [][16]byte, since uint64, falsePositiveRate float64, maxBytes int) *RequestSync {
	n := uint(len(ids))
	if n == 0 {
		n = 1
	}
	m, k := bloom.EstimateParameters(n, falsePositiveRate)

	// whole words only, so the receiver can rebuild the same filter
	words := (m + 63) / 64
	maxWords := uint(maxBytes / 8)
	if maxWords > MaxFilterWords {
		maxWords = MaxFilterWords
	}
	if words > maxWords {
		words = maxWords
	}
	if words == 0 {
		words = 1
	}
	if k == 0 {
		k = 1
	}
	if k > MaxHashCount {
		k = MaxHashCount
	}

	filter := bloom.New(words*64, k)
	for _, id := range ids {
		filter.Add(id[:])
	}

	raw := filter.BitSet().Bytes()
	out := make([]uint64, words)
	copy(out, raw)

	return &RequestSync{
		RequestID: uuid.New(),
		HashCount: k,
		Words:     out,
		Since:     since,
	}
}

// Filter rebuilds the bloom filter.
func (r *RequestSync) Filter() *bloom.BloomFilter {
	words := append([]uint64(nil), r.Words...)
	return bloom.FromWithM(words, uint(len(words))*64, r.HashCount)
}

// MightContain reports whether the sender may already hold the packet.
func (r *RequestSync) MightContain(id [16]byte) bool {
	if len(r.Words) == 0 {
		return false
	}
	return r.Filter().Test(id[:])
}

// Encode serializes the request.
func (r *RequestSync) Encode() []byte {
	size := tlvHeaderSize*4 + 16 + 1 + 8*len(r.Words) + 8
	out := make([]byte, 0, size)

	out = appendTLV(out, fieldRequestID, r.RequestID[:])
	out = appendTLV(out, fieldHashCount, []byte{byte(r.HashCount)})

	filter := make([]byte, 8*len(r.Words))
	for i, w := range r.Words {
		binary.BigEndian.PutUint64(filter[i*8:], w)
	}
	out = appendTLV(out, fieldFilter, filter)

	var since [8]byte
	binary.BigEndian.PutUint64(since[:], r.Since)
	return appendTLV(out, fieldSince, since[:])
}

func appendTLV(out []byte, typ byte, value []byte) []byte {
	out = append(out, typ, 0, 0)
	binary.BigEndian.PutUint16(out[len(out)-2:], uint16(len(value)))
	return append(out, value...)
}

// DecodeRequestSync parses a payload produced by Encode. Every length is
// checked before use.
func DecodeRequestSync(data []byte) (*RequestSync, error) {
	var (
		r                       RequestSync
		haveID, haveK, haveBits bool
	)

	for off := 0; off < len(data); {
		if len(data)-off < tlvHeaderSize {
			return nil, fmt.Errorf("%w: truncated field header at %d", ErrMalformedRequestSync, off)
		}
		typ := data[off]
		length := int(binary.BigEndian.Uint16(data[off+1 : off+3]))
		off += tlvHeaderSize
		if len(data)-off < length {
			return nil, fmt.Errorf("%w: field 0x%02x declares %d bytes, %d remain", ErrMalformedRequestSync, typ, length, len(data)-off)
		}
		value := data[off : off+length]
		off += length

		switch typ {
		case fieldRequestID:
			if length != 16 {
				return nil, fmt.Errorf("%w: request id is %d bytes", ErrMalformedRequestSync, length)
			}
			copy(r.RequestID[:], value)
			haveID = true
		case fieldHashCount:
			if length != 1 || value[0] == 0 || value[0] > MaxHashCount {
				return nil, fmt.Errorf("%w: invalid hash count", ErrMalformedRequestSync)
			}
			r.HashCount = uint(value[0])
			haveK = true
		case fieldFilter:
			if length == 0 || length%8 != 0 || length/8 > MaxFilterWords {
				return nil, fmt.Errorf("%w: invalid filter length %d", ErrMalformedRequestSync, length)
			}
			r.Words = make([]uint64, length/8)
			for i := range r.Words {
				r.Words[i] = binary.BigEndian.Uint64(value[i*8:])
			}
			haveBits = true
		case fieldSince:
			if length != 8 {
				return nil, fmt.Errorf("%w: since is %d bytes", ErrMalformedRequestSync, length)
			}
			r.Since = binary.BigEndian.Uint64(value)
		}
	}

	if !haveID || !haveK || !haveBits {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedRequestSync)
	}
	return &r, nil
}
