// Package limits provides centralized size constants and validation functions
// for the bitmesh wire format and session layer.
//
// # Size Hierarchy
//
//   - MaxPayload (65535 bytes): the 16-bit payload length field limit.
//   - MaxFrame: the largest core frame a v1 header can describe, including
//     both identifiers and a signature.
//   - MaxSessionPlaintext: the largest plaintext a Noise session encrypts in
//     one call; every ciphertext carries EncryptionOverhead extra bytes
//     (8-byte explicit nonce plus 16-byte Poly1305 tag).
//   - MaxProcessingBuffer (1MB): the absolute maximum for any operation.
//
// # Validation Functions
//
//	if err := limits.ValidatePayload(p.Payload); err != nil {
//	    return err // wraps ErrMessageTooLarge
//	}
//
// All validators wrap ErrMessageEmpty or ErrMessageTooLarge so callers can
// match with errors.Is.
package limits
