package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/bitmesh/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// XX message sizes with empty payloads.
const (
	// InitialMessageSize is the XX "-> e" message: one ephemeral key.
	InitialMessageSize = 32
	// ResponseMessageSize is "<- e, ee, s, es": ephemeral, encrypted static, tag.
	ResponseMessageSize = 96
	// FinalMessageSize is "-> s, se": encrypted static and tag.
	FinalMessageSize = 64
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder answers an initial message.
	Responder
)

// String returns the role name.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// XXHandshake implements the Noise XX pattern for mutual authentication
// without prior key knowledge.
type XXHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	staticKey  noise.DHKey
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	remote     []byte
	complete   bool
}

// NewXXHandshake creates a new XX pattern handshake for the given static key.
func NewXXHandshake(static *crypto.KeyPair, role HandshakeRole) (*XXHandshake, error) {
	if static == nil {
		return nil, errors.New("static key pair is required")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, static.Private[:])
	copy(staticKey.Public, static.Public[:])

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		crypto.ZeroBytes(staticKey.Private)
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{
		role:      role,
		state:     hs,
		staticKey: staticKey,
	}, nil
}

// WriteMessage writes the next handshake message.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake write failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return message, xx.complete, nil
}

// ReadMessage consumes a handshake message from the peer.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake read failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return payload, xx.complete, nil
}

// finish records the split cipher states. The first state always protects
// initiator-to-responder traffic, so the responder sends with the second.
func (xx *XXHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
	if peer := xx.state.PeerStatic(); len(peer) > 0 {
		xx.remote = append([]byte(nil), peer...)
	}
	xx.complete = true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// GetCipherStates returns the send and receive cipher states.
func (xx *XXHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// GetRemoteStaticKey returns the peer's static key after completion.
func (xx *XXHandshake) GetRemoteStaticKey() ([]byte, error) {
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), xx.remote...), nil
}

// GetLocalStaticKey returns our static public key.
func (xx *XXHandshake) GetLocalStaticKey() []byte {
	return append([]byte(nil), xx.staticKey.Public...)
}

// Wipe clears the ephemeral and static private keys held by the handshake.
// clear is the owning secret store's SecureClear.
func (xx *XXHandshake) Wipe(clear func([]byte)) {
	if clear == nil {
		clear = crypto.ZeroBytes
	}
	if xx.state != nil {
		if e := xx.state.LocalEphemeral(); e.Private != nil {
			clear(e.Private)
		}
	}
	clear(xx.staticKey.Private)
	xx.state = nil
}
