// Package crypto holds the key material and primitives the mesh builds on.
//
// # Keys
//
// [KeyPair] is a Curve25519 static key used as a node's Noise identity.
// [SigningKey] is an Ed25519 key that signs broadcast packets:
//
//	id, err := crypto.LoadOrCreateIdentity(store)
//	signed, err := crypto.SignPacket(packet, id.Signing)
//	ok := crypto.VerifyPacket(signed, id.Signing.PublicKey())
//
// # Secret Storage
//
// [SecretStore] persists small secrets. Three backends are provided:
// [MemoryStore] for tests and ephemeral nodes, [EncryptedFileStore] with
// AES-256-GCM files under a PBKDF2-derived key, and [LevelDBStore].
//
// # Replay Protection
//
// [ReplayWindow] is the 1024-entry sliding window used by Noise transport
// sessions. Check and Accept are separate so a session can authenticate a
// ciphertext before committing its nonce.
//
// # Memory Hygiene
//
// [SecureWipe] and [ZeroBytes] clear buffers that held key material.
//
// # Time
//
// Components that age state take a [TimeProvider]. Tests use
// [ManualTimeProvider] to step over deadlines.
package crypto
