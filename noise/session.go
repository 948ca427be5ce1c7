package noise

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/limits"
	"github.com/opd-ai/bitmesh/peer"
)

var (
	// ErrInvalidState is a protocol sequencing violation, such as starting a
	// handshake twice or a responder calling StartHandshake.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNotEstablished is returned by Encrypt and Decrypt before the
	// handshake completes.
	ErrNotEstablished = errors.New("session not established")
	// ErrAuthenticationFailure means the ciphertext failed its tag check.
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrReplayDetected means the ciphertext's nonce was already accepted or
	// is too old for the replay window.
	ErrReplayDetected = errors.New("replay detected")
	// ErrInvalidCiphertext means the ciphertext is too short to parse.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrHandshakeFailed wraps errors from processing a handshake message.
	ErrHandshakeFailed = errors.New("handshake failed")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionConfig tunes session lifetimes.
type SessionConfig struct {
	// MaxAge is how long an established session may be used before it
	// should be replaced by a fresh handshake.
	MaxAge time.Duration
	// MaxMessages bounds messages in either direction before rekeying.
	MaxMessages uint64
	// MaxDecryptFailures consecutive authentication failures make the
	// manager drop a session.
	MaxDecryptFailures int
	// HandshakeTimeout is how long a handshake may stay incomplete before
	// it is abandoned.
	HandshakeTimeout time.Duration
	// TimeProvider supplies "now". Nil uses the real clock.
	TimeProvider crypto.TimeProvider
}

// DefaultSessionConfig returns the standard session limits.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxAge:             time.Hour,
		MaxMessages:        1 << 20,
		MaxDecryptFailures: 3,
		HandshakeTimeout:   30 * time.Second,
		TimeProvider:       crypto.DefaultTimeProvider{},
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.MaxDecryptFailures <= 0 {
		c.MaxDecryptFailures = d.MaxDecryptFailures
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.TimeProvider == nil {
		c.TimeProvider = d.TimeProvider
	}
	return c
}

// SessionStats is a snapshot of a session's counters.
type SessionStats struct {
	State         State
	Role          HandshakeRole
	Sent          uint64
	Received      uint64
	CreatedAt     time.Time
	EstablishedAt time.Time
}

// Session is one Noise XX session with one peer. Transport ciphertexts
// carry their nonce explicitly as an 8-byte big-endian prefix, so loss and
// reordering on the link do not desynchronize the two ends.
type Session struct {
	mu     sync.Mutex
	peerID peer.ID
	role   HandshakeRole
	state  State
	local  *crypto.KeyPair
	store  crypto.SecretStore
	config SessionConfig

	handshake *XXHandshake
	send      noise.Cipher
	recv      noise.Cipher
	sendNonce uint64
	replay    crypto.ReplayWindow
	remote    []byte

	createdAt     time.Time
	startedAt     time.Time
	establishedAt time.Time
	sent          uint64
	received      uint64
}

// NewSession creates a session in the Uninitialized state.
func NewSession(peerID peer.ID, role HandshakeRole, localStatic *crypto.KeyPair, store crypto.SecretStore, config SessionConfig) *Session {
	config = config.withDefaults()
	if store == nil {
		store = crypto.NewMemoryStore()
	}
	return &Session{
		peerID:    peerID,
		role:      role,
		local:     localStatic,
		store:     store,
		config:    config,
		createdAt: config.TimeProvider.Now(),
	}
}

// PeerID returns the remote peer's identifier.
func (s *Session) PeerID() peer.ID { return s.peerID }

// Role returns whether this side initiated the handshake.
func (s *Session) Role() HandshakeRole { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsEstablished reports whether transport messages can flow.
func (s *Session) IsEstablished() bool {
	return s.State() == StateEstablished
}

// RemoteStaticPublicKey returns the peer's static key once established.
func (s *Session) RemoteStaticPublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	return append([]byte(nil), s.remote...)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		State:         s.state,
		Role:          s.role,
		Sent:          s.sent,
		Received:      s.received,
		CreatedAt:     s.createdAt,
		EstablishedAt: s.establishedAt,
	}
}

// HandshakeExpired reports whether a handshake has been in progress for
// longer than HandshakeTimeout.
func (s *Session) HandshakeExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateHandshaking &&
		s.config.TimeProvider.Since(s.startedAt) >= s.config.HandshakeTimeout
}

// StartHandshake produces the initiator's first message.
func (s *Session) StartHandshake() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != Initiator || s.state != StateUninitialized {
		return nil, fmt.Errorf("%w: cannot start handshake as %s in state %s", ErrInvalidState, s.role, s.state)
	}

	hs, err := NewXXHandshake(s.local, Initiator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	msg, _, err := hs.WriteMessage(nil)
	if err != nil {
		hs.Wipe(s.store.SecureClear)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	s.handshake = hs
	s.state = StateHandshaking
	s.startedAt = s.config.TimeProvider.Now()
	return msg, nil
}

// ProcessHandshakeMessage consumes a peer handshake message and returns the
// reply to send, or nil when the handshake completed without one.
func (s *Session) ProcessHandshakeMessage(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateEstablished:
		return nil, fmt.Errorf("%w: handshake already established", ErrInvalidState)
	case StateUninitialized:
		if s.role != Responder {
			return nil, fmt.Errorf("%w: initiator must call StartHandshake first", ErrInvalidState)
		}
		hs, err := NewXXHandshake(s.local, Responder)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		s.handshake = hs
		s.state = StateHandshaking
		s.startedAt = s.config.TimeProvider.Now()
	}

	if _, done, err := s.handshake.ReadMessage(msg); err != nil {
		s.abortHandshake()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	} else if done {
		s.completeHandshake()
		return nil, nil
	}

	reply, done, err := s.handshake.WriteMessage(nil)
	if err != nil {
		s.abortHandshake()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if done {
		s.completeHandshake()
	}
	return reply, nil
}

// completeHandshake moves to Established. Caller holds s.mu.
func (s *Session) completeHandshake() {
	sendCS, recvCS, _ := s.handshake.GetCipherStates()
	s.send = sendCS.Cipher()
	s.recv = recvCS.Cipher()
	s.remote, _ = s.handshake.GetRemoteStaticKey()
	s.handshake.Wipe(s.store.SecureClear)
	s.handshake = nil

	s.state = StateEstablished
	s.establishedAt = s.config.TimeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function": "Session.completeHandshake",
		"peer_id":  s.peerID.String(),
		"role":     s.role.String(),
	}).Debug("Noise session established")
}

// abortHandshake discards partial handshake state. Caller holds s.mu.
func (s *Session) abortHandshake() {
	if s.handshake != nil {
		s.handshake.Wipe(s.store.SecureClear)
		s.handshake = nil
	}
	s.state = StateUninitialized
}

// Encrypt seals plaintext for the peer.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if err := limits.ValidateSessionPlaintext(plaintext); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	if s.sendNonce == math.MaxUint64 {
		return nil, fmt.Errorf("%w: send nonce exhausted", ErrInvalidState)
	}

	nonce := s.sendNonce
	out := make([]byte, limits.NonceSize, limits.NonceSize+len(plaintext)+limits.TagSize)
	binary.BigEndian.PutUint64(out, nonce)
	out = s.send.Encrypt(out, nonce, nil, plaintext)

	s.sendNonce++
	s.sent++
	return out, nil
}

// Decrypt opens a ciphertext from the peer. The tag is checked before the
// replay window, and neither failure changes session state.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	if len(ciphertext) < limits.EncryptionOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(ciphertext))
	}

	nonce := binary.BigEndian.Uint64(ciphertext[:limits.NonceSize])
	plaintext, err := s.recv.Decrypt(nil, nonce, nil, ciphertext[limits.NonceSize:])
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	if !s.replay.Check(nonce) {
		return nil, fmt.Errorf("%w: nonce %d", ErrReplayDetected, nonce)
	}
	s.replay.Accept(nonce)
	s.received++
	return plaintext, nil
}

// NeedsRekey reports whether the session has hit its age or message limit.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return false
	}
	if s.config.TimeProvider.Since(s.establishedAt) >= s.config.MaxAge {
		return true
	}
	return s.sent >= s.config.MaxMessages || s.received >= s.config.MaxMessages
}

// Close discards all key material. Further Encrypt and Decrypt calls fail.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortHandshake()
	s.send = nil
	s.recv = nil
	s.replay.Reset()
}
