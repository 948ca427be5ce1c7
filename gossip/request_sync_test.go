package gossip

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIDs(n int) [][16]byte {
	ids := make([][16]byte, n)
	for i := range ids {
		var seed [8]byte
		binary.BigEndian.PutUint64(seed[:], uint64(i))
		sum := sha256.Sum256(seed[:])
		copy(ids[i][:], sum[:16])
	}
	return ids
}

func TestRequestSyncRoundTrip(t *testing.T) {
	ids := testIDs(50)
	req := NewRequestSync(ids, 123456789, 0.01, 512)

	decoded, err := DecodeRequestSync(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, decoded.RequestID)
	assert.Equal(t, req.HashCount, decoded.HashCount)
	assert.Equal(t, req.Words, decoded.Words)
	assert.Equal(t, uint64(123456789), decoded.Since)

	for i, id := range ids {
		assert.True(t, decoded.MightContain(id), "id %d", i)
	}
}

func TestRequestSyncFilterIsCapped(t *testing.T) {
	req := NewRequestSync(testIDs(5000), 0, 0.01, 64)
	assert.Len(t, req.Words, 8)

	// an empty summary still yields a decodable filter
	empty := NewRequestSync(nil, 0, 0.01, 512)
	decoded, err := DecodeRequestSync(empty.Encode())
	require.NoError(t, err)
	assert.NotEmpty(t, decoded.Words)
	assert.False(t, decoded.MightContain(testIDs(1)[0]))
}

func TestRequestSyncUniqueIDs(t *testing.T) {
	a := NewRequestSync(nil, 0, 0.01, 512)
	b := NewRequestSync(nil, 0, 0.01, 512)
	assert.NotEqual(t, a.RequestID, b.RequestID)
}

func TestDecodeRequestSyncRejectsMalformed(t *testing.T) {
	valid := NewRequestSync(testIDs(3), 1, 0.01, 512).Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", valid[:2]},
		{"truncated value", valid[:10]},
		{"missing filter", valid[:3+16+3+1]},
		{"short request id", []byte{fieldRequestID, 0, 4, 1, 2, 3, 4}},
		{"zero hash count", append(append([]byte(nil), valid[:19]...), fieldHashCount, 0, 1, 0)},
		{"oversized length", []byte{fieldFilter, 0xFF, 0xFF, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequestSync(tt.data)
			assert.ErrorIs(t, err, ErrMalformedRequestSync)
		})
	}

	misaligned := append([]byte(nil), valid[:19+4]...)
	misaligned = append(misaligned, fieldFilter, 0, 7, 1, 2, 3, 4, 5, 6, 7)
	_, err := DecodeRequestSync(misaligned)
	assert.ErrorIs(t, err, ErrMalformedRequestSync)
}

func TestDecodeRequestSyncSkipsUnknownFields(t *testing.T) {
	req := NewRequestSync(testIDs(3), 7, 0.01, 512)
	data := append([]byte{0x7F, 0, 2, 0xAB, 0xCD}, req.Encode()...)

	decoded, err := DecodeRequestSync(data)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, decoded.RequestID)
}

// FuzzDecodeRequestSync checks that arbitrary payloads never panic and
// that accepted payloads satisfy the decoder's bounds.
func FuzzDecodeRequestSync(f *testing.F) {
	f.Add(NewRequestSync(testIDs(10), 1, 0.01, 512).Encode())
	f.Add([]byte{})
	f.Add([]byte{fieldFilter, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := DecodeRequestSync(data)
		if err != nil {
			return
		}
		if req.HashCount == 0 || req.HashCount > MaxHashCount {
			t.Fatalf("hash count %d out of range", req.HashCount)
		}
		if len(req.Words) == 0 || len(req.Words) > MaxFilterWords {
			t.Fatalf("filter of %d words accepted", len(req.Words))
		}
		req.MightContain([16]byte{})
	})
}
