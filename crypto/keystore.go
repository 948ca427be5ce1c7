package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current encryption format version
	EncryptionVersion = 1
	// SaltSize is the size of the salt for PBKDF2
	SaltSize = 32

	secretFileExt = ".secret"
)

// EncryptedFileStore is a SecretStore keeping one AES-GCM encrypted file per
// secret. The file key is derived from a passphrase with PBKDF2.
//
// File format: [version:2][nonce:12][ciphertext+tag:N]
type EncryptedFileStore struct {
	mu            sync.Mutex
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

// NewEncryptedFileStore opens (or creates) a store under dataDir. The
// passphrase buffer is wiped before returning.
func NewEncryptedFileStore(dataDir string, passphrase []byte) (*EncryptedFileStore, error) {
	logger := NewLogger("NewEncryptedFileStore").WithField("data_dir", dataDir)

	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &EncryptedFileStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := s.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	copy(s.encryptionKey[:], derivedKey)
	ZeroBytes(derivedKey)
	ZeroBytes(passphrase)

	logger.Debug("Encrypted secret store opened")
	return s, nil
}

func (s *EncryptedFileStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)

	data, err := os.ReadFile(s.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(s.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != SaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
	}
	copy(salt, data)
	return salt, nil
}

// path maps a secret name to a file name that cannot escape dataDir.
func (s *EncryptedFileStore) path(key string) string {
	return filepath.Join(s.dataDir, hex.EncodeToString([]byte(key))+secretFileExt)
}

func (s *EncryptedFileStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Save encrypts value and writes it atomically.
func (s *EncryptedFileStore) Save(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gcm, err := s.gcm()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	// bind the ciphertext to its name so files cannot be swapped
	ciphertext := gcm.Seal(nil, nonce, value, []byte(key))

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], EncryptionVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	finalFile := s.path(key)
	tmpFile := finalFile + ".tmp"
	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Load reads and decrypts the value stored under key.
func (s *EncryptedFileStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("file too short: %d bytes (minimum 30 bytes)", len(data))
	}
	if version := binary.BigEndian.Uint16(data[0:2]); version != EncryptionVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d (expected %d)", version, EncryptionVersion)
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	plaintext, err := gcm.Open(nil, data[2:2+nonceSize], data[2+nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase or corrupted data): %w", err)
	}
	return plaintext, nil
}

// Delete overwrites the secret file with zeros and removes it.
func (s *EncryptedFileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.path(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	// best-effort overwrite; removal proceeds regardless
	_ = os.WriteFile(filePath, make([]byte, info.Size()), 0o600)
	return os.Remove(filePath)
}

// SecureClear zeroes buf.
func (s *EncryptedFileStore) SecureClear(buf []byte) {
	ZeroBytes(buf)
}

// Close wipes the file key. The store must not be used afterwards.
func (s *EncryptedFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroBytes(s.encryptionKey[:])
	return nil
}
