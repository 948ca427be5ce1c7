package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// ErrNilData is returned when wiping a nil slice.
var ErrNilData = errors.New("cannot wipe nil data")

// SecureWipe overwrites a byte slice holding sensitive data with zeros.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilData
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// keep the writes from being optimized away
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes is SecureWipe without the nil check error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of kp.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
