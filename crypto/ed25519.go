package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/opd-ai/bitmesh/transport"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// ErrEmptyMessage is returned when signing or verifying nothing.
var ErrEmptyMessage = errors.New("empty message")

// SigningKey is an Ed25519 key used to sign broadcast packets. Only the
// 32-byte seed is persisted.
type SigningKey struct {
	seed    [32]byte
	private ed25519.PrivateKey
}

// GenerateSigningKey creates a random signing key.
func GenerateSigningKey() (*SigningKey, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("generate signing seed: %w", err)
	}
	return SigningKeyFromSeed(seed), nil
}

// SigningKeyFromSeed expands a stored seed.
func SigningKeyFromSeed(seed [32]byte) *SigningKey {
	return &SigningKey{
		seed:    seed,
		private: ed25519.NewKeyFromSeed(seed[:]),
	}
}

// Seed returns a copy of the seed for persistence.
func (k *SigningKey) Seed() [32]byte {
	return k.seed
}

// PublicKey returns the 32-byte verification key.
func (k *SigningKey) PublicKey() [32]byte {
	var pub [32]byte
	copy(pub[:], k.private.Public().(ed25519.PublicKey))
	return pub
}

// Sign creates an Ed25519 signature over message.
func (k *SigningKey) Sign(message []byte) ([SignatureSize]byte, error) {
	var signature [SignatureSize]byte
	if len(message) == 0 {
		return signature, ErrEmptyMessage
	}
	copy(signature[:], ed25519.Sign(k.private, message))
	return signature, nil
}

// Wipe erases the key material.
func (k *SigningKey) Wipe() {
	ZeroBytes(k.seed[:])
	ZeroBytes(k.private)
}

// Verify checks an Ed25519 signature.
func Verify(message, signature []byte, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, ErrEmptyMessage
	}
	if len(signature) != SignatureSize {
		return false, nil
	}
	return ed25519.Verify(publicKey[:], message, signature), nil
}

// SignPacket returns a signed copy of packet. The signature covers
// transport.SigningBytes, so relays may lower the TTL without invalidating it.
func SignPacket(packet *transport.Packet, key *SigningKey) (*transport.Packet, error) {
	msg, err := transport.SigningBytes(packet)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return nil, err
	}
	signed := packet.Clone()
	signed.Signature = sig[:]
	return signed, nil
}

// VerifyPacket checks packet's signature against publicKey. Unsigned packets
// do not verify.
func VerifyPacket(packet *transport.Packet, publicKey [32]byte) bool {
	if packet == nil || len(packet.Signature) != SignatureSize {
		return false
	}
	msg, err := transport.SigningBytes(packet)
	if err != nil {
		return false
	}
	ok, err := Verify(msg, packet.Signature, publicKey)
	return err == nil && ok
}
