// Package noise implements the secure session layer: the Noise XX
// handshake (Curve25519, ChaCha20-Poly1305, SHA-256) on top of the
// flynn/noise library, a per-peer Session state machine, and a
// SessionManager that owns one session slot per peer.
//
// # Handshake
//
// XX needs no prior knowledge of the peer's key. With empty payloads the
// three messages are 32, 96 and 64 bytes:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// # Transport messages
//
// Each ciphertext is an 8-byte big-endian nonce followed by the AEAD output.
// Carrying the nonce lets the receiver tolerate loss and reordering; a
// 1024-entry sliding window rejects replays. Tags are checked before the
// replay window, so a tampered frame never consumes a nonce.
//
// # Session manager
//
//	mgr := noise.NewSessionManager(identity.Static, store, noise.DefaultSessionConfig())
//	msg1, _ := mgr.InitiateHandshake(peerID)
//	// send msg1, feed replies into mgr.HandleIncomingHandshake
//	ct, _ := mgr.Encrypt([]byte("hi"), peerID)
//
// An initial handshake message from a peer always starts a new responder
// session, so a peer that restarted can re-establish without waiting for
// the old session to time out. The established session keeps serving
// traffic until the replacement completes.
package noise
