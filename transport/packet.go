package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/bitmesh/limits"
	"github.com/opd-ai/bitmesh/peer"
)

// ProtocolVersion is the only wire version this build encodes and decodes.
const ProtocolVersion uint8 = 1

const (
	// SenderIDSize is the fixed wire width of the sender identifier.
	SenderIDSize = limits.IDSize
	// RecipientIDSize is the fixed wire width of the recipient identifier.
	RecipientIDSize = limits.IDSize
	// SignatureSize is the fixed wire width of a packet signature.
	SignatureSize = limits.SignatureSize

	// CompressionThreshold is the payload size above which the encoder
	// tries to compress.
	CompressionThreshold = 256

	// offsets inside the v1 header
	offsetFlags         = 11
	offsetPayloadLength = 12
)

// Flags carried in the header flags byte.
const (
	FlagHasRecipient uint8 = 0x01
	FlagHasSignature uint8 = 0x02
	FlagIsCompressed uint8 = 0x04

	knownFlags = FlagHasRecipient | FlagHasSignature | FlagIsCompressed
)

var (
	// ErrNilPacket is returned when encoding a nil packet.
	ErrNilPacket = errors.New("packet is nil")
	// ErrUnsupportedVersion indicates a version byte this build does not speak.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrTruncated indicates the buffer ends before a declared field.
	ErrTruncated = errors.New("truncated frame")
	// ErrUnknownFlags indicates flag bits this version does not define.
	ErrUnknownFlags = errors.New("unknown flag bits")
	// ErrLengthMismatch indicates inconsistent length fields.
	ErrLengthMismatch = errors.New("length field mismatch")
	// ErrDecompression indicates a compressed payload failed to inflate to
	// its declared original size.
	ErrDecompression = errors.New("payload decompression failed")
	// ErrPayloadTooLarge is returned by the encoder for payloads that do not
	// fit the 16-bit length field.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidSignature is returned by the encoder for signatures that are
	// not exactly SignatureSize bytes.
	ErrInvalidSignature = errors.New("invalid signature length")
)

// MessageType discriminates payload semantics. Values this build does not
// know are preserved by the codec and forwarded untouched.
type MessageType uint8

const (
	TypeAnnounce       MessageType = 0x01
	TypeMessage        MessageType = 0x02
	TypeLeave          MessageType = 0x03
	TypeNoiseHandshake MessageType = 0x10
	TypeNoiseEncrypted MessageType = 0x11
	TypeFragment       MessageType = 0x20
	TypeRequestSync    MessageType = 0x21
	TypeFileTransfer   MessageType = 0x22
)

// String returns a readable name for logging.
func (t MessageType) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeMessage:
		return "message"
	case TypeLeave:
		return "leave"
	case TypeNoiseHandshake:
		return "noise_handshake"
	case TypeNoiseEncrypted:
		return "noise_encrypted"
	case TypeFragment:
		return "fragment"
	case TypeRequestSync:
		return "request_sync"
	case TypeFileTransfer:
		return "file_transfer"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// BroadcastRecipient is the all-ones recipient used for mesh-wide packets.
var BroadcastRecipient = peer.ID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Packet is the unit of wire exchange.
type Packet struct {
	Version     uint8
	Type        MessageType
	TTL         uint8
	Timestamp   uint64 // sender clock, milliseconds since epoch
	SenderID    []byte
	RecipientID []byte // nil when absent
	Signature   []byte // nil when absent
	Payload     []byte
}

// NewPacket builds a version-1 packet from a sender identifier.
func NewPacket(msgType MessageType, sender peer.ID, payload []byte, ttl uint8, timestamp uint64) *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      msgType,
		TTL:       ttl,
		Timestamp: timestamp,
		SenderID:  sender.Bytes(),
		Payload:   payload,
	}
}

// Sender returns the normalized sender identifier.
func (p *Packet) Sender() peer.ID {
	return peer.FromBytes(p.SenderID)
}

// Recipient returns the normalized recipient identifier, if present.
func (p *Packet) Recipient() (peer.ID, bool) {
	if p.RecipientID == nil {
		return peer.ID{}, false
	}
	return peer.FromBytes(p.RecipientID), true
}

// Clone returns a deep copy.
func (p *Packet) Clone() *Packet {
	c := *p
	c.SenderID = cloneBytes(p.SenderID)
	c.RecipientID = cloneBytes(p.RecipientID)
	c.Signature = cloneBytes(p.Signature)
	c.Payload = cloneBytes(p.Payload)
	return &c
}

// EncodeOptions control the encoder's optional transforms.
type EncodeOptions struct {
	// Padding pads the frame to the next block size. Stream transports
	// must disable it: the assembler extracts core frames only.
	Padding bool
	// DisableCompression stores the payload as-is regardless of size.
	DisableCompression bool
}

// HeaderSize returns the fixed header size for a protocol version.
func HeaderSize(version uint8) (int, error) {
	switch version {
	case 1:
		return limits.HeaderSize, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// Encode builds a padded frame for p.
func Encode(p *Packet) ([]byte, error) {
	return EncodeWithOptions(p, EncodeOptions{Padding: true})
}

// EncodeWithOptions builds a frame for p: header, sender, optional
// recipient, optional signature, payload, then optional padding.
func EncodeWithOptions(p *Packet, opts EncodeOptions) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPacket
	}
	headerSize, err := HeaderSize(p.Version)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidatePayload(p.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}
	if p.Signature != nil && len(p.Signature) != SignatureSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidSignature, len(p.Signature), SignatureSize)
	}

	var flags uint8
	body := p.Payload
	if !opts.DisableCompression && len(p.Payload) > CompressionThreshold {
		if compressed, err := compressPayload(p.Payload); err == nil && len(compressed)+2 < len(p.Payload) {
			body = make([]byte, 2+len(compressed))
			binary.BigEndian.PutUint16(body[:2], uint16(len(p.Payload)))
			copy(body[2:], compressed)
			flags |= FlagIsCompressed
		}
	}

	if p.RecipientID != nil {
		flags |= FlagHasRecipient
	}
	if p.Signature != nil {
		flags |= FlagHasSignature
	}

	size := headerSize + SenderIDSize + len(body)
	if flags&FlagHasRecipient != 0 {
		size += RecipientIDSize
	}
	if flags&FlagHasSignature != 0 {
		size += SignatureSize
	}

	frame := make([]byte, size)
	frame[0] = p.Version
	frame[1] = byte(p.Type)
	frame[2] = p.TTL
	binary.BigEndian.PutUint64(frame[3:11], p.Timestamp)
	frame[offsetFlags] = flags
	binary.BigEndian.PutUint16(frame[offsetPayloadLength:offsetPayloadLength+2], uint16(len(body)))

	offset := headerSize
	copy(frame[offset:offset+SenderIDSize], p.SenderID)
	offset += SenderIDSize
	if flags&FlagHasRecipient != 0 {
		copy(frame[offset:offset+RecipientIDSize], p.RecipientID)
		offset += RecipientIDSize
	}
	if flags&FlagHasSignature != 0 {
		copy(frame[offset:offset+SignatureSize], p.Signature)
		offset += SignatureSize
	}
	copy(frame[offset:], body)

	if opts.Padding {
		frame = Pad(frame, OptimalBlockSize(len(frame)))
	}
	return frame, nil
}

// FrameSize reads a frame header and returns the total core frame size it
// declares. It needs only the fixed header bytes.
func FrameSize(header []byte) (int, error) {
	if len(header) < 1 {
		return 0, ErrTruncated
	}
	headerSize, err := HeaderSize(header[0])
	if err != nil {
		return 0, err
	}
	if len(header) < headerSize {
		return 0, ErrTruncated
	}
	flags := header[offsetFlags]
	if flags&^knownFlags != 0 {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFlags, flags)
	}
	size := headerSize + SenderIDSize + int(binary.BigEndian.Uint16(header[offsetPayloadLength:offsetPayloadLength+2]))
	if flags&FlagHasRecipient != 0 {
		size += RecipientIDSize
	}
	if flags&FlagHasSignature != 0 {
		size += SignatureSize
	}
	return size, nil
}

// Decode parses a frame. Malformed input yields an error and a nil packet,
// never a panic. Bytes after the core frame are padding and ignored.
func Decode(data []byte) (*Packet, error) {
	frameSize, err := FrameSize(data)
	if err != nil {
		return nil, err
	}
	if len(data) < frameSize {
		return nil, fmt.Errorf("%w: frame declares %d bytes, have %d", ErrTruncated, frameSize, len(data))
	}

	headerSize, _ := HeaderSize(data[0])
	flags := data[offsetFlags]
	payloadLen := int(binary.BigEndian.Uint16(data[offsetPayloadLength : offsetPayloadLength+2]))

	p := &Packet{
		Version:   data[0],
		Type:      MessageType(data[1]),
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[3:11]),
	}

	offset := headerSize
	p.SenderID = trimID(data[offset : offset+SenderIDSize])
	offset += SenderIDSize
	if flags&FlagHasRecipient != 0 {
		p.RecipientID = trimID(data[offset : offset+RecipientIDSize])
		offset += RecipientIDSize
	}
	if flags&FlagHasSignature != 0 {
		p.Signature = cloneBytes(data[offset : offset+SignatureSize])
		offset += SignatureSize
	}
	body := data[offset : offset+payloadLen]

	if flags&FlagIsCompressed == 0 {
		p.Payload = cloneBytes(body)
		return p, nil
	}

	if len(body) < 2 {
		return nil, fmt.Errorf("%w: compressed payload of %d bytes has no original size", ErrLengthMismatch, len(body))
	}
	originalSize := int(binary.BigEndian.Uint16(body[:2]))
	if originalSize == 0 || originalSize > limits.MaxDecompressedPayload {
		return nil, fmt.Errorf("%w: original size %d", ErrLengthMismatch, originalSize)
	}
	payload, err := decompressPayload(body[2:], originalSize)
	if err != nil {
		return nil, err
	}
	p.Payload = payload
	return p, nil
}

// SigningBytes returns the canonical bytes covered by a packet signature:
// the unpadded, uncompressed encoding with TTL zeroed and no signature.
func SigningBytes(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPacket
	}
	c := p.Clone()
	c.TTL = 0
	c.Signature = nil
	return EncodeWithOptions(c, EncodeOptions{DisableCompression: true})
}

// PacketID is a stable digest of the sender, type, timestamp and payload.
// It survives TTL changes and re-signing, so it identifies a packet across
// hops.
func PacketID(p *Packet) [16]byte {
	h := sha256.New()
	sender := peer.FromBytes(p.SenderID)
	h.Write(sender[:])
	h.Write([]byte{byte(p.Type)})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	h.Write(ts[:])
	h.Write(p.Payload)

	var id [16]byte
	copy(id[:], h.Sum(nil))
	return id
}

func trimID(raw []byte) []byte {
	return cloneBytes(bytes.TrimRight(raw, "\x00"))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
