package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptimalBlockSize(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{0, 256},
		{1, 256},
		{256, 256},
		{257, 512},
		{512, 512},
		{600, 1024},
		{2000, 2048},
		{2048, 2048},
		{2049, 2049},
		{9000, 9000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OptimalBlockSize(tt.size), "size %d", tt.size)
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	for _, size := range []int{1, 10, 100, 255, 300, 700, 1500, 2047} {
		data := bytes.Repeat([]byte{0x5A}, size)
		padded := Pad(data, OptimalBlockSize(size))
		assert.Len(t, padded, OptimalBlockSize(size))
		assert.Equal(t, data, Unpad(padded), "size %d", size)
	}
}

func TestPadShortRunIsPKCS7(t *testing.T) {
	padded := Pad([]byte{1, 2, 3}, 8)
	assert.Equal(t, []byte{1, 2, 3, 5, 5, 5, 5, 5}, padded)
}

func TestPadLongRunUsesMarker(t *testing.T) {
	data := []byte{0xFF, 0xEE}
	padded := Pad(data, 512)
	assert.Len(t, padded, 512)
	assert.Equal(t, byte(0x00), padded[511])
	assert.Equal(t, []byte{0x01, 0xFE}, padded[509:511])
	assert.Equal(t, data, Unpad(padded))
}

func TestPadNoopWhenAlreadyLarge(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 300)
	assert.Equal(t, data, Pad(data, 256))
}

func TestUnpadInvalidReturnsInput(t *testing.T) {
	padded := Pad(bytes.Repeat([]byte{0x41}, 50), 256)
	// break the PKCS#7 run
	padded[len(padded)-1] = padded[len(padded)-1] - 1
	assert.Equal(t, padded, Unpad(padded))

	tooLong := []byte{1, 2, 9}
	assert.Equal(t, tooLong, Unpad(tooLong))

	badMarker := make([]byte, 400)
	badMarker[100] = 0x01 // nonzero inside the zero run
	copy(badMarker[397:], []byte{0x01, 0x80, 0x00})
	assert.Equal(t, badMarker, Unpad(badMarker))

	assert.Empty(t, Unpad(nil))
}

func TestEncodedFrameWithCorruptPaddingStillDecodes(t *testing.T) {
	p := testPacket(bytes.Repeat([]byte{0x41}, 50))
	encoded, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	encoded[len(encoded)-1] ^= 0xFF

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	assert.Equal(t, p.Payload, decoded.Payload)
}
