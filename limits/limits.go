// Package limits provides centralized size limits for the mesh wire format
// and session layer. This ensures consistent validation across components.
package limits

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxPayload is the largest payload the 16-bit wire length field can carry.
	MaxPayload = 65535

	// HeaderSize is the fixed v1 header: version, type, ttl, timestamp(8),
	// flags and payload length(2).
	HeaderSize = 14

	// IDSize is the wire width of sender and recipient identifiers.
	IDSize = 8

	// SignatureSize is the width of an Ed25519 packet signature.
	SignatureSize = 64

	// MaxFrame is the largest core frame a v1 header can describe.
	MaxFrame = HeaderSize + 2*IDSize + SignatureSize + MaxPayload

	// MaxDecompressedPayload bounds the original size declared by a
	// compressed payload.
	MaxDecompressedPayload = MaxPayload

	// NonceSize is the explicit per-ciphertext nonce prefix.
	NonceSize = 8

	// TagSize is the ChaCha20-Poly1305 authentication tag.
	TagSize = 16

	// EncryptionOverhead is what a session adds to each plaintext.
	EncryptionOverhead = NonceSize + TagSize

	// MaxProcessingBuffer is the absolute maximum for any operation on
	// untrusted input (1MB).
	MaxProcessingBuffer = 1024 * 1024

	// MaxSessionPlaintext bounds a single session Encrypt call.
	MaxSessionPlaintext = MaxProcessingBuffer - EncryptionOverhead

	// MaxNicknameLength is the longest nickname in characters.
	MaxNicknameLength = 50

	// MaxFileContent bounds the content carried by a file packet (1MB).
	MaxFileContent = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidNickname indicates a nickname that cannot be displayed
	ErrInvalidNickname = errors.New("invalid nickname")
)

// ValidateMessageSize validates a message against the specified maximum size.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayload checks a packet payload against MaxPayload. Empty payloads
// are valid on the wire.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPayload)
	}
	return nil
}

// ValidateSessionPlaintext checks a plaintext handed to a session. Empty
// plaintexts are allowed.
func ValidateSessionPlaintext(plaintext []byte) error {
	if len(plaintext) > MaxSessionPlaintext {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(plaintext), MaxSessionPlaintext)
	}
	return nil
}

// ValidateProcessingBuffer validates data against MaxProcessingBuffer.
// Use for all untrusted input.
func ValidateProcessingBuffer(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: buffer size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}

// ValidateNickname trims surrounding whitespace and returns the nickname if
// it is valid UTF-8, non-empty, free of control characters and at most
// MaxNicknameLength characters long.
func ValidateNickname(nickname string) (string, error) {
	if !utf8.ValidString(nickname) {
		return "", fmt.Errorf("%w: not UTF-8", ErrInvalidNickname)
	}
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNickname)
	}
	if n := utf8.RuneCountInString(nickname); n > MaxNicknameLength {
		return "", fmt.Errorf("%w: %d characters exceeds limit %d", ErrInvalidNickname, n, MaxNicknameLength)
	}
	for _, r := range nickname {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character %U", ErrInvalidNickname, r)
		}
	}
	return nickname, nil
}

// TruncateNickname trims surrounding whitespace and cuts nickname to
// MaxNicknameLength characters without splitting a character.
func TruncateNickname(nickname string) string {
	nickname = strings.TrimSpace(nickname)
	count := 0
	for i := range nickname {
		if count == MaxNicknameLength {
			return strings.TrimSpace(nickname[:i])
		}
		count++
	}
	return nickname
}
