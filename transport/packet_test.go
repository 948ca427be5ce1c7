package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bitmesh/peer"
)

func testPacket(payload []byte) *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      TypeMessage,
		TTL:       7,
		Timestamp: 1_700_000_000_123,
		SenderID:  []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		Payload:   payload,
	}
}

func testSignature() []byte {
	sig := make([]byte, SignatureSize)
	for i := range sig {
		sig[i] = byte(i)
	}
	return sig
}

// rawHeader builds a v1 header plus sender for hand-crafted malformed frames.
func rawHeader(flags uint8, payloadLen uint16) []byte {
	data := []byte{1, 1, 10}
	data = append(data, make([]byte, 8)...)
	data = append(data, flags)
	data = binary.BigEndian.AppendUint16(data, payloadLen)
	data = append(data, bytes.Repeat([]byte{0x01}, 8)...)
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{"basic", testPacket([]byte("hello mesh"))},
		{"empty payload", testPacket(nil)},
		{"with recipient", func() *Packet {
			p := testPacket([]byte("direct"))
			p.RecipientID = []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22}
			return p
		}()},
		{"with signature", func() *Packet {
			p := testPacket([]byte("signed"))
			p.Signature = testSignature()
			return p
		}()},
		{"broadcast recipient and signature", func() *Packet {
			p := testPacket([]byte("both"))
			p.RecipientID = BroadcastRecipient.Bytes()
			p.Signature = testSignature()
			return p
		}()},
		{"unknown type preserved", func() *Packet {
			p := testPacket([]byte("future"))
			p.Type = MessageType(0x7E)
			return p
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.packet)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			assert.Equal(t, tt.packet.Version, decoded.Version)
			assert.Equal(t, tt.packet.Type, decoded.Type)
			assert.Equal(t, tt.packet.TTL, decoded.TTL)
			assert.Equal(t, tt.packet.Timestamp, decoded.Timestamp)
			assert.Equal(t, tt.packet.SenderID, decoded.SenderID)
			assert.Equal(t, tt.packet.RecipientID, decoded.RecipientID)
			assert.Equal(t, tt.packet.Signature, decoded.Signature)
			assert.True(t, bytes.Equal(tt.packet.Payload, decoded.Payload))
		})
	}
}

func TestDecodeTrimsIdentifierPadding(t *testing.T) {
	p := testPacket([]byte("x"))
	p.SenderID = []byte{0xAB, 0xCD}
	p.RecipientID = []byte{0x00, 0x10, 0x00}

	encoded, err := Encode(p)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xAB, 0xCD}, decoded.SenderID)
	assert.Equal(t, []byte{0x00, 0x10}, decoded.RecipientID)
	assert.Equal(t, peer.ID{0xAB, 0xCD}, decoded.Sender())
}

func TestEncodeTruncatesLongIdentifiers(t *testing.T) {
	p := testPacket([]byte("x"))
	p.SenderID = bytes.Repeat([]byte{0x42}, 32)

	encoded, err := Encode(p)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x42}, SenderIDSize), decoded.SenderID)
}

func TestEncodeRejectsBadInput(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrNilPacket)

	p := testPacket(make([]byte, 65536))
	_, err = Encode(p)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	p = testPacket([]byte("x"))
	p.Signature = []byte{1, 2, 3}
	_, err = Encode(p)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	p = testPacket([]byte("x"))
	p.Version = 9
	_, err = Encode(p)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCompressionTransparency(t *testing.T) {
	payload := bytes.Repeat([]byte("compress me please "), 200)
	p := testPacket(payload)

	encoded, err := EncodeWithOptions(p, EncodeOptions{})
	require.NoError(t, err)
	assert.NotZero(t, encoded[offsetFlags]&FlagIsCompressed, "large repetitive payload should be compressed")
	assert.Less(t, len(encoded), len(payload))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
}

func TestSmallPayloadNotCompressed(t *testing.T) {
	p := testPacket(bytes.Repeat([]byte{'a'}, CompressionThreshold))

	encoded, err := EncodeWithOptions(p, EncodeOptions{})
	require.NoError(t, err)
	assert.Zero(t, encoded[offsetFlags]&FlagIsCompressed)
}

func TestIncompressiblePayloadStoredRaw(t *testing.T) {
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i*7919 + i>>3)
	}
	p := testPacket(payload)

	encoded, err := EncodeWithOptions(p, EncodeOptions{DisableCompression: true})
	require.NoError(t, err)
	assert.Zero(t, encoded[offsetFlags]&FlagIsCompressed)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
}

func TestEncodePadsToBuckets(t *testing.T) {
	tests := []struct {
		payloadLen int
		want       int
	}{
		{10, 256},
		{300, 512},
		{700, 1024},
		{1500, 2048},
		{2100, -1}, // above the largest bucket: unpadded
	}

	for _, tt := range tests {
		payload := make([]byte, tt.payloadLen)
		for i := range payload {
			payload[i] = byte(i*31 + 17)
		}
		p := testPacket(payload)
		encoded, err := EncodeWithOptions(p, EncodeOptions{Padding: true, DisableCompression: true})
		require.NoError(t, err)

		core := limitsCoreSize(tt.payloadLen)
		if tt.want < 0 {
			assert.Equal(t, core, len(encoded))
		} else {
			assert.Equal(t, tt.want, len(encoded), "payload %d", tt.payloadLen)
		}

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, payload, decoded.Payload)
	}
}

func limitsCoreSize(payloadLen int) int {
	return 14 + SenderIDSize + payloadLen
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrTruncated},
		{"unsupported version", append([]byte{99}, make([]byte, 40)...), ErrUnsupportedVersion},
		{
			"payload length beyond buffer",
			append(rawHeader(0, 193), bytes.Repeat([]byte{0x02}, 8)...),
			ErrTruncated,
		},
		{
			"compressed without original size",
			append(rawHeader(FlagIsCompressed, 1), 0x99),
			ErrLengthMismatch,
		},
		{
			"maximum declared payload",
			append(rawHeader(0, 0xFFFF), 0x01, 0x02, 0x03),
			ErrTruncated,
		},
		{
			"compressed with garbage body",
			append(rawHeader(FlagIsCompressed, 16), append([]byte{0x20, 0x00, 0x01, 0x02, 0x03, 0x04}, make([]byte, 10)...)...),
			ErrDecompression,
		},
		{
			"recipient and signature flags with short body",
			append(append(rawHeader(FlagHasRecipient|FlagHasSignature, 0xFFFE), bytes.Repeat([]byte{0x02}, 8)...), 0x01, 0x02),
			ErrTruncated,
		},
		{"unknown flags", append(rawHeader(0x80, 0), 0x00), ErrUnknownFlags},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p *Packet
			var err error
			assert.NotPanics(t, func() { p, err = Decode(tt.data) })
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}

func TestDecodeTruncatedFrames(t *testing.T) {
	encoded, err := EncodeWithOptions(testPacket([]byte("truncate me")), EncodeOptions{})
	require.NoError(t, err)

	for _, cut := range []int{0, 5, 10, 15, 20, 25, len(encoded) - 1} {
		p, err := Decode(encoded[:cut])
		assert.Nil(t, p, "cut at %d", cut)
		assert.Error(t, err, "cut at %d", cut)
	}

	for _, size := range []int{0, 1, 5, 10, 12} {
		p, err := Decode(bytes.Repeat([]byte{0x01}, size))
		assert.Nil(t, p)
		assert.Error(t, err)
	}
}

func TestDecodeMinimalFrame(t *testing.T) {
	p, err := Decode(rawHeader(0, 0))
	require.NoError(t, err)
	assert.Empty(t, p.Payload)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 8), p.SenderID)
}

func TestSigningBytesIgnoresTTLAndSignature(t *testing.T) {
	p := testPacket(bytes.Repeat([]byte("sign "), 100))
	base, err := SigningBytes(p)
	require.NoError(t, err)

	relayed := p.Clone()
	relayed.TTL = 1
	relayed.Signature = testSignature()
	again, err := SigningBytes(relayed)
	require.NoError(t, err)

	assert.Equal(t, base, again)
	assert.Zero(t, base[2], "TTL must be zeroed")
	assert.Zero(t, base[offsetFlags]&(FlagHasSignature|FlagIsCompressed))
}

func TestPacketIDStableAcrossRelay(t *testing.T) {
	p := testPacket([]byte("id"))
	relayed := p.Clone()
	relayed.TTL = 0
	relayed.Signature = testSignature()
	assert.Equal(t, PacketID(p), PacketID(relayed))

	other := p.Clone()
	other.Timestamp++
	assert.NotEqual(t, PacketID(p), PacketID(other))
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "announce", TypeAnnounce.String())
	assert.Equal(t, "request_sync", TypeRequestSync.String())
	assert.Equal(t, "unknown(0x7e)", MessageType(0x7E).String())
}

func TestHeaderSize(t *testing.T) {
	size, err := HeaderSize(1)
	require.NoError(t, err)
	assert.Equal(t, 14, size)

	_, err = HeaderSize(2)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func FuzzDecode(f *testing.F) {
	seed, _ := Encode(testPacket([]byte("seed")))
	f.Add(seed)
	f.Add(rawHeader(FlagIsCompressed, 4))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Decode(data)
		if err != nil {
			if p != nil {
				t.Fatalf("Decode returned packet with error %v", err)
			}
			return
		}
		if _, err := EncodeWithOptions(p, EncodeOptions{}); err != nil {
			t.Fatalf("re-encoding decoded packet failed: %v", err)
		}
	})
}
