package noise

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/peer"
)

var (
	// ErrSessionNotFound is returned for peers without a session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPeerKeyMismatch is returned when a completed handshake proves a
	// static key that does not belong to the claimed peer.
	ErrPeerKeyMismatch = errors.New("remote static key does not match peer")
)

// PeerVerifier checks that remoteStatic belongs to peerID.
type PeerVerifier func(peerID peer.ID, remoteStatic []byte) error

// VerifyDerivedID accepts a key only when the peer ID is derived from it.
func VerifyDerivedID(peerID peer.ID, remoteStatic []byte) error {
	if peer.FromNoiseKey(remoteStatic) != peerID {
		return fmt.Errorf("%w: %s", ErrPeerKeyMismatch, peerID)
	}
	return nil
}

// sessionSlot holds a peer's usable session and any handshake in flight.
type sessionSlot struct {
	mu       sync.Mutex
	live     *Session
	pending  *Session
	failures int
}

// SessionManager owns one session slot per peer. The slot map is guarded by
// an RWMutex and each slot serializes its own transitions, so work for one
// peer does not block another.
type SessionManager struct {
	mu      sync.RWMutex
	slots   map[peer.ID]*sessionSlot
	local   *crypto.KeyPair
	localID peer.ID
	store   crypto.SecretStore
	config  SessionConfig
	verify  PeerVerifier

	callbackMu    sync.RWMutex
	onEstablished func(peerID peer.ID, remoteStatic []byte)
	onFailed      func(peerID peer.ID, err error)
}

// NewSessionManager creates a manager for the given static identity.
func NewSessionManager(localStatic *crypto.KeyPair, store crypto.SecretStore, config SessionConfig) *SessionManager {
	if store == nil {
		store = crypto.NewMemoryStore()
	}
	return &SessionManager{
		slots:   make(map[peer.ID]*sessionSlot),
		local:   localStatic,
		localID: peer.FromNoiseKey(localStatic.Public[:]),
		store:   store,
		config:  config.withDefaults(),
		verify:  VerifyDerivedID,
	}
}

// SetPeerVerifier replaces the check run on every completed handshake
// before it may replace the peer's established session.
func (m *SessionManager) SetPeerVerifier(fn PeerVerifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		fn = VerifyDerivedID
	}
	m.verify = fn
}

func (m *SessionManager) verifier() PeerVerifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verify
}

// LocalID returns the identifier derived from the local static key.
func (m *SessionManager) LocalID() peer.ID {
	return m.localID
}

// OnSessionEstablished registers a callback fired after a handshake
// completes. It runs without manager locks held.
func (m *SessionManager) OnSessionEstablished(fn func(peerID peer.ID, remoteStatic []byte)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onEstablished = fn
}

// OnSessionFailed registers a callback fired when a session is dropped
// after repeated authentication failures.
func (m *SessionManager) OnSessionFailed(fn func(peerID peer.ID, err error)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onFailed = fn
}

func (m *SessionManager) slot(peerID peer.ID, create bool) *sessionSlot {
	m.mu.RLock()
	s := m.slots[peerID]
	m.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.slots[peerID]; s == nil {
		s = &sessionSlot{}
		m.slots[peerID] = s
	}
	return s
}

// InitiateHandshake starts a fresh handshake with peerID, replacing any
// handshake already in flight. An established session keeps serving
// traffic until the new one completes.
func (m *SessionManager) InitiateHandshake(peerID peer.ID) ([]byte, error) {
	slot := m.slot(peerID, true)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	session := NewSession(peerID, Initiator, m.local, m.store, m.config)
	msg, err := session.StartHandshake()
	if err != nil {
		return nil, err
	}
	if slot.pending != nil {
		slot.pending.Close()
	}
	slot.pending = session

	logrus.WithFields(logrus.Fields{
		"function": "SessionManager.InitiateHandshake",
		"peer_id":  peerID.String(),
	}).Debug("Initiated Noise handshake")
	return msg, nil
}

// HandleIncomingHandshake processes a handshake message from peerID and
// returns the reply to send, if any.
//
// An initial message always starts a new responder session, even when an
// established session exists, so a restarted peer can recover. If both
// sides initiate at once, the side with the lower local ID keeps its
// initiator and ignores the peer's initial message, but only until its own
// handshake exceeds HandshakeTimeout.
//
// A completed handshake replaces the established session only after the
// peer verifier accepts the proven static key. On mismatch the new session
// is discarded, the old one keeps working and ErrPeerKeyMismatch is
// returned.
func (m *SessionManager) HandleIncomingHandshake(peerID peer.ID, msg []byte) ([]byte, error) {
	slot := m.slot(peerID, true)
	slot.mu.Lock()

	if len(msg) == InitialMessageSize {
		if p := slot.pending; p != nil && p.Role() == Initiator && p.State() == StateHandshaking &&
			!p.HandshakeExpired() && m.localID.Less(peerID) {
			slot.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "SessionManager.HandleIncomingHandshake",
				"peer_id":  peerID.String(),
			}).Debug("Simultaneous handshake, keeping local initiator")
			return nil, nil
		}

		session := NewSession(peerID, Responder, m.local, m.store, m.config)
		reply, err := session.ProcessHandshakeMessage(msg)
		if err != nil {
			slot.mu.Unlock()
			return nil, err
		}
		if slot.pending != nil {
			slot.pending.Close()
		}
		slot.pending = session
		slot.mu.Unlock()
		return reply, nil
	}

	session := slot.pending
	if session == nil {
		slot.mu.Unlock()
		return nil, fmt.Errorf("%w: no handshake in progress with %s", ErrSessionNotFound, peerID)
	}

	reply, err := session.ProcessHandshakeMessage(msg)
	if err != nil {
		slot.pending = nil
		slot.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "SessionManager.HandleIncomingHandshake",
			"peer_id":  peerID.String(),
			"error":    err.Error(),
		}).Warn("Handshake failed")
		return nil, err
	}

	if !session.IsEstablished() {
		slot.mu.Unlock()
		return reply, nil
	}

	remote := session.RemoteStaticPublicKey()
	if err := m.verifier()(peerID, remote); err != nil {
		slot.pending = nil
		slot.mu.Unlock()
		session.Close()
		logrus.WithFields(logrus.Fields{
			"function": "SessionManager.HandleIncomingHandshake",
			"peer_id":  peerID.String(),
			"error":    err.Error(),
		}).Warn("Discarding handshake with unverified static key")
		return nil, err
	}

	if slot.live != nil {
		slot.live.Close()
	}
	slot.live = session
	slot.pending = nil
	slot.failures = 0
	slot.mu.Unlock()

	m.callbackMu.RLock()
	cb := m.onEstablished
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(peerID, remote)
	}
	return reply, nil
}

// liveSession returns the established session for peerID.
func (m *SessionManager) liveSession(peerID peer.ID) (*Session, *sessionSlot, error) {
	slot := m.slot(peerID, false)
	if slot == nil {
		return nil, nil, ErrSessionNotFound
	}
	slot.mu.Lock()
	live := slot.live
	slot.mu.Unlock()
	if live == nil {
		return nil, slot, ErrNotEstablished
	}
	return live, slot, nil
}

// Encrypt seals plaintext for peerID.
func (m *SessionManager) Encrypt(plaintext []byte, peerID peer.ID) ([]byte, error) {
	session, _, err := m.liveSession(peerID)
	if err != nil {
		return nil, err
	}
	return session.Encrypt(plaintext)
}

// Decrypt opens a ciphertext from peerID. After MaxDecryptFailures
// consecutive authentication failures the session is removed and the
// failure callback fires.
func (m *SessionManager) Decrypt(ciphertext []byte, peerID peer.ID) ([]byte, error) {
	session, slot, err := m.liveSession(peerID)
	if err != nil {
		return nil, err
	}

	plaintext, err := session.Decrypt(ciphertext)
	if err == nil {
		slot.mu.Lock()
		slot.failures = 0
		slot.mu.Unlock()
		return plaintext, nil
	}
	if !errors.Is(err, ErrAuthenticationFailure) {
		return nil, err
	}

	slot.mu.Lock()
	if slot.live != session {
		slot.mu.Unlock()
		return nil, err
	}
	slot.failures++
	exceeded := slot.failures >= m.config.MaxDecryptFailures
	slot.mu.Unlock()

	if exceeded {
		logrus.WithFields(logrus.Fields{
			"function": "SessionManager.Decrypt",
			"peer_id":  peerID.String(),
			"failures": m.config.MaxDecryptFailures,
		}).Warn("Dropping session after repeated authentication failures")
		m.RemoveSession(peerID)

		m.callbackMu.RLock()
		cb := m.onFailed
		m.callbackMu.RUnlock()
		if cb != nil {
			cb(peerID, err)
		}
	}
	return nil, err
}

// RemoveSession discards every session for peerID.
func (m *SessionManager) RemoveSession(peerID peer.ID) {
	m.mu.Lock()
	slot := m.slots[peerID]
	delete(m.slots, peerID)
	m.mu.Unlock()

	if slot == nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.live != nil {
		slot.live.Close()
		slot.live = nil
	}
	if slot.pending != nil {
		slot.pending.Close()
		slot.pending = nil
	}
}

// Session returns the handshake in flight for peerID if there is one,
// otherwise the established session, or nil.
func (m *SessionManager) Session(peerID peer.ID) *Session {
	slot := m.slot(peerID, false)
	if slot == nil {
		return nil
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.pending != nil {
		return slot.pending
	}
	return slot.live
}

// HandshakeInFlight reports whether a handshake with peerID is in progress
// and has not exceeded HandshakeTimeout.
func (m *SessionManager) HandshakeInFlight(peerID peer.ID) bool {
	slot := m.slot(peerID, false)
	if slot == nil {
		return false
	}
	slot.mu.Lock()
	p := slot.pending
	slot.mu.Unlock()
	return p != nil && p.State() == StateHandshaking && !p.HandshakeExpired()
}

// ExpireHandshakes discards handshakes that exceeded HandshakeTimeout and
// returns the affected peers, sorted. Established sessions are untouched.
func (m *SessionManager) ExpireHandshakes() []peer.ID {
	m.mu.RLock()
	ids := make([]peer.ID, 0, len(m.slots))
	slots := make([]*sessionSlot, 0, len(m.slots))
	for id, slot := range m.slots {
		ids = append(ids, id)
		slots = append(slots, slot)
	}
	m.mu.RUnlock()

	var out []peer.ID
	for i, slot := range slots {
		slot.mu.Lock()
		if p := slot.pending; p != nil && p.HandshakeExpired() {
			p.Close()
			slot.pending = nil
			out = append(out, ids[i])
		}
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if len(out) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SessionManager.ExpireHandshakes",
			"count":    len(out),
		}).Debug("Abandoned stalled handshakes")
	}
	return out
}

// HasEstablishedSession reports whether traffic can be encrypted for peerID.
func (m *SessionManager) HasEstablishedSession(peerID peer.ID) bool {
	_, _, err := m.liveSession(peerID)
	return err == nil
}

// SessionsNeedingRekey lists peers whose established session hit its age or
// message limit.
func (m *SessionManager) SessionsNeedingRekey() []peer.ID {
	var out []peer.ID
	for _, id := range m.EstablishedPeers() {
		if s, _, err := m.liveSession(id); err == nil && s.NeedsRekey() {
			out = append(out, id)
		}
	}
	return out
}

// EstablishedPeers lists peers with an established session, sorted.
func (m *SessionManager) EstablishedPeers() []peer.ID {
	m.mu.RLock()
	ids := make([]peer.ID, 0, len(m.slots))
	slots := make([]*sessionSlot, 0, len(m.slots))
	for id, slot := range m.slots {
		ids = append(ids, id)
		slots = append(slots, slot)
	}
	m.mu.RUnlock()

	var out []peer.ID
	for i, slot := range slots {
		slot.mu.Lock()
		ok := slot.live != nil
		slot.mu.Unlock()
		if ok {
			out = append(out, ids[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// SessionStats returns counters for each established session.
func (m *SessionManager) SessionStats() map[peer.ID]SessionStats {
	out := make(map[peer.ID]SessionStats)
	for _, id := range m.EstablishedPeers() {
		if s, _, err := m.liveSession(id); err == nil {
			out[id] = s.Stats()
		}
	}
	return out
}
