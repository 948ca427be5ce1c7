package crypto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Secret names used by LoadOrCreateIdentity.
const (
	NoiseStaticKeyName = "noise.static"
	SigningSeedName    = "signing.seed"
)

// Identity is the long-term key material of a node.
type Identity struct {
	// Static is the Noise static key pair.
	Static *KeyPair
	// Signing signs broadcast packets.
	Signing *SigningKey
}

// LoadOrCreateIdentity loads the node identity from store, generating and
// persisting any missing key.
func LoadOrCreateIdentity(store SecretStore) (*Identity, error) {
	logger := NewLogger("LoadOrCreateIdentity")

	static, created, err := loadOrCreate(store, NoiseStaticKeyName, func() ([32]byte, error) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return [32]byte{}, err
		}
		return kp.Private, nil
	})
	if err != nil {
		return nil, fmt.Errorf("noise static key: %w", err)
	}
	staticKP, err := FromSecretKey(static)
	ZeroBytes(static[:])
	if err != nil {
		return nil, fmt.Errorf("noise static key: %w", err)
	}
	if created {
		logger.WithFields(SecureFieldHash(staticKP.Public[:], "public_key")).Info("Generated new Noise static key")
	}

	seed, created, err := loadOrCreate(store, SigningSeedName, func() ([32]byte, error) {
		k, err := GenerateSigningKey()
		if err != nil {
			return [32]byte{}, err
		}
		return k.Seed(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	signing := SigningKeyFromSeed(seed)
	ZeroBytes(seed[:])
	if created {
		pub := signing.PublicKey()
		logger.WithFields(SecureFieldHash(pub[:], "signing_key")).Info("Generated new signing key")
	}

	return &Identity{Static: staticKP, Signing: signing}, nil
}

func loadOrCreate(store SecretStore, name string, generate func() ([32]byte, error)) ([32]byte, bool, error) {
	var key [32]byte

	raw, err := store.Load(name)
	switch {
	case err == nil:
		if len(raw) != len(key) {
			store.SecureClear(raw)
			return key, false, fmt.Errorf("stored %s has %d bytes, want %d", name, len(raw), len(key))
		}
		copy(key[:], raw)
		store.SecureClear(raw)
		return key, false, nil
	case !errors.Is(err, ErrSecretNotFound):
		return key, false, err
	}

	key, err = generate()
	if err != nil {
		return key, false, err
	}
	if err := store.Save(name, key[:]); err != nil {
		return key, false, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "loadOrCreate",
		"secret":   name,
	}).Debug("Persisted new secret")
	return key, true, nil
}
