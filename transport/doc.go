// Package transport implements the bitmesh wire format and the stream
// plumbing that carries it.
//
// # Wire Format
//
// Every packet is a v1 frame:
//
//	version(1) type(1) ttl(1) timestamp(8, BE ms) flags(1) payloadLen(2, BE)
//	senderID(8) [recipientID(8)] [signature(64)] payload(payloadLen)
//
// Flags mark the optional recipient (0x01) and signature (0x02) fields and a
// compressed payload (0x04). A compressed payload starts with the original
// size (BE16) followed by brotli output; the encoder only compresses
// payloads above CompressionThreshold and only when that saves space.
//
// Encode pads frames to 256, 512, 1024 or 2048 bytes to blunt size
// analysis:
//
//	frame, err := transport.Encode(packet)
//	packet, err := transport.Decode(frame)
//
// Decode never panics. Malformed input yields a nil packet and an error
// wrapping one of the package sentinels:
//
//	if _, err := transport.Decode(data); errors.Is(err, transport.ErrTruncated) {
//	    // short read
//	}
//
// # Stream Reassembly
//
// StreamAssembler recovers frames from a byte stream that may split frames
// across reads or carry garbage between them. Unplausible leading bytes are
// dropped one at a time until a frame start is found. Streams carry
// unpadded frames, so Link encodes with EncodeOptions{}.
//
// # Links
//
// Link owns one net.Conn: a read loop feeds the assembler and hands decoded
// packets to a PacketHandler, while Send writes through a circuit breaker so
// a stalled peer stops consuming write timeouts. TCPListener and DialTCP
// produce the connections.
//
// # Signing
//
// SigningBytes gives the canonical bytes a signature covers: the unpadded,
// uncompressed frame with the TTL zeroed and no signature. PacketID is a
// digest that stays the same while a packet is relayed.
package transport
