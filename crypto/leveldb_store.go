package crypto

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const secretKeyPrefix = "secret_"

// LevelDBStore is a SecretStore backed by a LevelDB database. Writes are
// synced to disk before Save returns.
type LevelDBStore struct {
	db   *leveldb.DB
	path string
}

// OpenLevelDBStore opens or creates the database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity: 1024 * 1024,
		WriteBuffer:        512 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open secret database: %w", err)
	}

	NewLogger("OpenLevelDBStore").WithField("path", path).Info("Secret database opened")
	return &LevelDBStore{db: db, path: path}, nil
}

// OpenMemLevelDBStore opens a LevelDB store on in-memory storage.
func OpenMemLevelDBStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory secret database: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Save stores value under key.
func (s *LevelDBStore) Save(key string, value []byte) error {
	if err := s.db.Put([]byte(secretKeyPrefix+key), value, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// Load returns the value stored under key.
func (s *LevelDBStore) Load(key string) ([]byte, error) {
	value, err := s.db.Get([]byte(secretKeyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret: %w", err)
	}
	return value, nil
}

// Delete removes key. Missing keys are not an error.
func (s *LevelDBStore) Delete(key string) error {
	if err := s.db.Delete([]byte(secretKeyPrefix+key), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// SecureClear zeroes buf.
func (s *LevelDBStore) SecureClear(buf []byte) {
	ZeroBytes(buf)
}

// Keys lists the names of every stored secret.
func (s *LevelDBStore) Keys() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(secretKeyPrefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(secretKeyPrefix):]))
	}
	return keys, iter.Error()
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
