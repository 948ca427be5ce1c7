package noise

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/peer"
)

type managerPeer struct {
	key *crypto.KeyPair
	id  peer.ID
	mgr *SessionManager
}

func newManagerPeer(t *testing.T, cfg SessionConfig) *managerPeer {
	key := mustKeyPair(t)
	return &managerPeer{
		key: key,
		id:  peer.FromNoiseKey(key.Public[:]),
		mgr: NewSessionManager(key, crypto.NewMemoryStore(), cfg),
	}
}

// handshake runs initiator -> responder through both managers.
func handshake(t *testing.T, initiator, responder *managerPeer) {
	t.Helper()

	msg1, err := initiator.mgr.InitiateHandshake(responder.id)
	require.NoError(t, err)
	msg2, err := responder.mgr.HandleIncomingHandshake(initiator.id, msg1)
	require.NoError(t, err)
	require.NotNil(t, msg2)
	msg3, err := initiator.mgr.HandleIncomingHandshake(responder.id, msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)
	final, err := responder.mgr.HandleIncomingHandshake(initiator.id, msg3)
	require.NoError(t, err)
	require.Nil(t, final)
}

func assertExchange(t *testing.T, from, to *managerPeer, text string) {
	t.Helper()
	ct, err := from.mgr.Encrypt([]byte(text), to.id)
	require.NoError(t, err)
	pt, err := to.mgr.Decrypt(ct, from.id)
	require.NoError(t, err)
	assert.Equal(t, text, string(pt))
}

func TestManagerBasicOperations(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())

	assert.Equal(t, alice.id, alice.mgr.LocalID())
	assert.Nil(t, alice.mgr.Session(bob.id))
	assert.False(t, alice.mgr.HasEstablishedSession(bob.id))

	_, err := alice.mgr.Encrypt([]byte("x"), bob.id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = alice.mgr.Decrypt(make([]byte, 32), bob.id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	msg1, err := alice.mgr.InitiateHandshake(bob.id)
	require.NoError(t, err)
	assert.Len(t, msg1, InitialMessageSize)

	pending := alice.mgr.Session(bob.id)
	require.NotNil(t, pending)
	assert.Equal(t, StateHandshaking, pending.State())

	_, err = alice.mgr.Encrypt([]byte("x"), bob.id)
	assert.ErrorIs(t, err, ErrNotEstablished)
}

func TestManagerHandshakeAndTraffic(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())

	var established []peer.ID
	var remoteKey []byte
	bob.mgr.OnSessionEstablished(func(id peer.ID, remote []byte) {
		established = append(established, id)
		remoteKey = remote
	})

	handshake(t, alice, bob)

	assert.Equal(t, []peer.ID{alice.id}, established)
	assert.Equal(t, alice.key.Public[:], remoteKey)
	assert.True(t, alice.mgr.HasEstablishedSession(bob.id))
	assert.Equal(t, []peer.ID{bob.id}, alice.mgr.EstablishedPeers())

	assertExchange(t, alice, bob, "Hello Bob")
	assertExchange(t, bob, alice, "Hello Alice")

	stats := alice.mgr.SessionStats()
	require.Contains(t, stats, bob.id)
	assert.Equal(t, uint64(1), stats[bob.id].Sent)
}

func TestManagerHandshakeWithoutPending(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())

	_, err := alice.mgr.HandleIncomingHandshake(bob.id, make([]byte, ResponseMessageSize))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerTamperedCiphertext(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	ct, err := alice.mgr.Encrypt([]byte("Test"), bob.id)
	require.NoError(t, err)
	ct[10] ^= 0xFF

	_, err = bob.mgr.Decrypt(ct, alice.id)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	// a single failure keeps the session
	require.NotNil(t, bob.mgr.Session(alice.id))
	assertExchange(t, alice, bob, "still works")
}

func TestManagerReplayPrevention(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	ct, err := alice.mgr.Encrypt([]byte("once"), bob.id)
	require.NoError(t, err)
	_, err = bob.mgr.Decrypt(ct, alice.id)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = bob.mgr.Decrypt(ct, alice.id)
		assert.ErrorIs(t, err, ErrReplayDetected)
	}
	// replays are not authentication failures
	assert.True(t, bob.mgr.HasEstablishedSession(alice.id))
}

func TestManagerDropsSessionAfterRepeatedFailures(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	var failed []peer.ID
	bob.mgr.OnSessionFailed(func(id peer.ID, err error) {
		assert.ErrorIs(t, err, ErrAuthenticationFailure)
		failed = append(failed, id)
	})

	bogus := make([]byte, 40)
	for i := 0; i < 2; i++ {
		_, err := bob.mgr.Decrypt(bogus, alice.id)
		require.ErrorIs(t, err, ErrAuthenticationFailure)
	}
	assert.True(t, bob.mgr.HasEstablishedSession(alice.id))
	assert.Empty(t, failed)

	_, err := bob.mgr.Decrypt(bogus, alice.id)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
	assert.Equal(t, []peer.ID{alice.id}, failed)
	assert.Nil(t, bob.mgr.Session(alice.id))

	_, err = bob.mgr.Encrypt([]byte("x"), alice.id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerSuccessResetsFailureCount(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	bogus := make([]byte, 40)
	for round := 0; round < 3; round++ {
		for i := 0; i < 2; i++ {
			_, err := bob.mgr.Decrypt(bogus, alice.id)
			require.ErrorIs(t, err, ErrAuthenticationFailure)
		}
		assertExchange(t, alice, bob, fmt.Sprintf("round %d", round))
	}
	assert.True(t, bob.mgr.HasEstablishedSession(alice.id))
}

func TestManagerSessionIsolation(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	carol := newManagerPeer(t, DefaultSessionConfig())

	handshake(t, alice, bob)
	handshake(t, alice, carol)

	ct, err := alice.mgr.Encrypt([]byte("for bob only"), bob.id)
	require.NoError(t, err)

	_, err = carol.mgr.Decrypt(ct, alice.id)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	pt, err := bob.mgr.Decrypt(ct, alice.id)
	require.NoError(t, err)
	assert.Equal(t, "for bob only", string(pt))

	expected := []peer.ID{bob.id, carol.id}
	if carol.id.Less(bob.id) {
		expected = []peer.ID{carol.id, bob.id}
	}
	assert.Equal(t, expected, alice.mgr.EstablishedPeers())
}

func TestManagerPeerRestartRecovery(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	assertExchange(t, alice, bob, "Hello")
	assertExchange(t, bob, alice, "World")

	// bob restarts with the same static key and no session state
	restarted := &managerPeer{
		key: bob.key,
		id:  bob.id,
		mgr: NewSessionManager(bob.key, crypto.NewMemoryStore(), DefaultSessionConfig()),
	}

	handshake(t, restarted, alice)
	assertExchange(t, restarted, alice, "After restart")
	assertExchange(t, alice, restarted, "Welcome back")
}

func TestManagerHandshakeAcceptedOverExistingSession(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	for i := 0; i < 5; i++ {
		assertExchange(t, alice, bob, fmt.Sprintf("message %d", i))
	}

	// alice loses her session, bob still holds a valid one
	alice.mgr.RemoveSession(bob.id)
	assert.Nil(t, alice.mgr.Session(bob.id))

	msg1, err := alice.mgr.InitiateHandshake(bob.id)
	require.NoError(t, err)
	msg2, err := bob.mgr.HandleIncomingHandshake(alice.id, msg1)
	require.NoError(t, err)
	require.NotNil(t, msg2, "existing session must not block a new handshake")

	// the old session keeps working until the new one completes
	assert.True(t, bob.mgr.HasEstablishedSession(alice.id))

	msg3, err := alice.mgr.HandleIncomingHandshake(bob.id, msg2)
	require.NoError(t, err)
	_, err = bob.mgr.HandleIncomingHandshake(alice.id, msg3)
	require.NoError(t, err)

	assertExchange(t, alice, bob, "Resynced")
	assertExchange(t, bob, alice, "Resynced too")
}

func TestManagerSimultaneousInitiation(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())

	aliceInit, err := alice.mgr.InitiateHandshake(bob.id)
	require.NoError(t, err)
	bobInit, err := bob.mgr.InitiateHandshake(alice.id)
	require.NoError(t, err)

	low, high := alice, bob
	lowInit := aliceInit
	if bob.id.Less(alice.id) {
		low, high = bob, alice
		lowInit = bobInit
	}
	highInit := aliceInit
	if low == alice {
		highInit = bobInit
	}

	// the lower ID keeps its initiator and ignores the peer's init
	reply, err := low.mgr.HandleIncomingHandshake(high.id, highInit)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, Initiator, low.mgr.Session(high.id).Role())

	// the higher ID yields and answers as responder
	msg2, err := high.mgr.HandleIncomingHandshake(low.id, lowInit)
	require.NoError(t, err)
	require.Len(t, msg2, ResponseMessageSize)
	assert.Equal(t, Responder, high.mgr.Session(low.id).Role())

	msg3, err := low.mgr.HandleIncomingHandshake(high.id, msg2)
	require.NoError(t, err)
	_, err = high.mgr.HandleIncomingHandshake(low.id, msg3)
	require.NoError(t, err)

	assertExchange(t, low, high, "converged")
	assertExchange(t, high, low, "converged")
}

func TestManagerSessionsNeedingRekey(t *testing.T) {
	clock := crypto.NewManualTimeProvider(time.Unix(1700000000, 0))
	cfg := DefaultSessionConfig()
	cfg.TimeProvider = clock

	alice := newManagerPeer(t, cfg)
	bob := newManagerPeer(t, cfg)
	handshake(t, alice, bob)

	assert.Empty(t, alice.mgr.SessionsNeedingRekey())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, []peer.ID{bob.id}, alice.mgr.SessionsNeedingRekey())

	// a fresh handshake clears the condition
	handshake(t, alice, bob)
	assert.Empty(t, alice.mgr.SessionsNeedingRekey())
}

func TestManagerConcurrentPeers(t *testing.T) {
	hub := newManagerPeer(t, DefaultSessionConfig())
	const peers = 8
	const messages = 50

	spokes := make([]*managerPeer, peers)
	for i := range spokes {
		spokes[i] = newManagerPeer(t, DefaultSessionConfig())
		handshake(t, spokes[i], hub)
	}

	var wg sync.WaitGroup
	errs := make(chan error, peers*messages)
	for _, spoke := range spokes {
		wg.Add(1)
		go func(s *managerPeer) {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				ct, err := s.mgr.Encrypt([]byte(fmt.Sprintf("msg %d", i)), hub.id)
				if err != nil {
					errs <- err
					return
				}
				if _, err := hub.mgr.Decrypt(ct, s.id); err != nil {
					errs <- err
					return
				}
			}
		}(spoke)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestManagerConcurrentEncryptSamePeer(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	const messages = 100
	out := make(chan []byte, messages)
	var wg sync.WaitGroup
	for i := 0; i < messages; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ct, err := alice.mgr.Encrypt([]byte(fmt.Sprintf("concurrent %d", i)), bob.id)
			if err != nil {
				t.Error(err)
				return
			}
			out <- ct
		}(i)
	}
	wg.Wait()
	close(out)

	seen := make(map[string]bool)
	for ct := range out {
		pt, err := bob.mgr.Decrypt(ct, alice.id)
		require.NoError(t, err)
		seen[string(pt)] = true
	}
	assert.Len(t, seen, messages)
}

func TestManagerRemoveSessionStopsTraffic(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	ct, err := alice.mgr.Encrypt([]byte("in flight"), bob.id)
	require.NoError(t, err)

	bob.mgr.RemoveSession(alice.id)
	_, err = bob.mgr.Decrypt(ct, alice.id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, bob.mgr.EstablishedPeers())
}

func TestManagerStalledInitiatorYieldsAfterTimeout(t *testing.T) {
	clock := crypto.NewManualTimeProvider(time.Unix(1700000000, 0))
	cfg := DefaultSessionConfig()
	cfg.TimeProvider = clock
	cfg.HandshakeTimeout = 10 * time.Second

	alice := newManagerPeer(t, cfg)
	bob := newManagerPeer(t, cfg)
	low, high := alice, bob
	if bob.id.Less(alice.id) {
		low, high = bob, alice
	}

	// the lower ID starts a handshake whose first message is lost
	_, err := low.mgr.InitiateHandshake(high.id)
	require.NoError(t, err)
	assert.True(t, low.mgr.HandshakeInFlight(high.id))

	highInit, err := high.mgr.InitiateHandshake(low.id)
	require.NoError(t, err)
	reply, err := low.mgr.HandleIncomingHandshake(high.id, highInit)
	require.NoError(t, err)
	assert.Nil(t, reply, "fresh local initiator wins the tie-break")

	clock.Advance(cfg.HandshakeTimeout + time.Second)
	assert.False(t, low.mgr.HandshakeInFlight(high.id))

	for i := 0; i < 3; i++ {
		highInit, err = high.mgr.InitiateHandshake(low.id)
		require.NoError(t, err)
		msg2, err := low.mgr.HandleIncomingHandshake(high.id, highInit)
		require.NoError(t, err)
		require.Len(t, msg2, ResponseMessageSize, "attempt %d", i)
		assert.Equal(t, Responder, low.mgr.Session(high.id).Role())
	}

	handshake(t, high, low)
	assertExchange(t, low, high, "recovered")
	assertExchange(t, high, low, "recovered")
}

func TestManagerExpireHandshakes(t *testing.T) {
	clock := crypto.NewManualTimeProvider(time.Unix(1700000000, 0))
	cfg := DefaultSessionConfig()
	cfg.TimeProvider = clock

	alice := newManagerPeer(t, cfg)
	bob := newManagerPeer(t, cfg)
	carol := newManagerPeer(t, cfg)
	handshake(t, alice, carol)

	_, err := alice.mgr.InitiateHandshake(bob.id)
	require.NoError(t, err)
	assert.Empty(t, alice.mgr.ExpireHandshakes())

	clock.Advance(DefaultSessionConfig().HandshakeTimeout)
	assert.Equal(t, []peer.ID{bob.id}, alice.mgr.ExpireHandshakes())
	assert.Nil(t, alice.mgr.Session(bob.id))
	assert.False(t, alice.mgr.HandshakeInFlight(bob.id))

	// established sessions are not affected by the handshake timeout
	assert.True(t, alice.mgr.HasEstablishedSession(carol.id))
	assertExchange(t, alice, carol, "still here")
}

func TestManagerRejectsImpersonatingResponder(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	mallory := newManagerPeer(t, DefaultSessionConfig())
	handshake(t, alice, bob)

	// mallory completes a handshake with bob while claiming alice's ID
	msg1, err := mallory.mgr.InitiateHandshake(bob.id)
	require.NoError(t, err)
	msg2, err := bob.mgr.HandleIncomingHandshake(alice.id, msg1)
	require.NoError(t, err)
	msg3, err := mallory.mgr.HandleIncomingHandshake(bob.id, msg2)
	require.NoError(t, err)
	final, err := bob.mgr.HandleIncomingHandshake(alice.id, msg3)
	assert.ErrorIs(t, err, ErrPeerKeyMismatch)
	assert.Nil(t, final)

	live := bob.mgr.Session(alice.id)
	require.NotNil(t, live)
	assert.True(t, live.IsEstablished())
	assert.Equal(t, alice.key.Public[:], live.RemoteStaticPublicKey())
	assertExchange(t, alice, bob, "still alice")
	assertExchange(t, bob, alice, "still bob")
}

func TestManagerRejectsImpersonatingInitiatorReply(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())
	mallory := newManagerPeer(t, DefaultSessionConfig())

	var established []peer.ID
	bob.mgr.OnSessionEstablished(func(id peer.ID, _ []byte) { established = append(established, id) })

	// bob starts towards alice but mallory answers
	msg1, err := bob.mgr.InitiateHandshake(alice.id)
	require.NoError(t, err)
	msg2, err := mallory.mgr.HandleIncomingHandshake(bob.id, msg1)
	require.NoError(t, err)
	msg3, err := bob.mgr.HandleIncomingHandshake(alice.id, msg2)
	assert.ErrorIs(t, err, ErrPeerKeyMismatch)
	assert.Nil(t, msg3, "no final message for an unverified responder")
	assert.Nil(t, bob.mgr.Session(alice.id))
	assert.Empty(t, established)
}

func TestManagerCustomPeerVerifier(t *testing.T) {
	alice := newManagerPeer(t, DefaultSessionConfig())
	bob := newManagerPeer(t, DefaultSessionConfig())

	var checked []peer.ID
	bob.mgr.SetPeerVerifier(func(id peer.ID, remote []byte) error {
		checked = append(checked, id)
		return VerifyDerivedID(id, remote)
	})
	handshake(t, alice, bob)
	assert.Equal(t, []peer.ID{alice.id}, checked)

	assert.NoError(t, VerifyDerivedID(alice.id, alice.key.Public[:]))
	assert.ErrorIs(t, VerifyDerivedID(alice.id, bob.key.Public[:]), ErrPeerKeyMismatch)
}
