package connect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// CacheStore persists the derived-address list as one opaque blob. The cache
// is a continuity optimization only: implementations treat absence or
// corruption as "no cache", and callers swallow write failures.
type CacheStore interface {
	Load() ([]DerivedAddressRecord, error)
	Save(addresses []DerivedAddressRecord) error
	Clear() error
}

// cacheBlob is the serialized shape of the single storage entry.
type cacheBlob struct {
	Addresses []DerivedAddressRecord `json:"addresses"`
}

// FileCacheStore keeps the blob in a JSON file under the user's home
// directory, the same way the desktop app persists its settings.
type FileCacheStore struct {
	path string
}

// defaultCacheFile resolves ~/.ohmywallet/addresses.json.
func defaultCacheFile() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".ohmywallet", "addresses.json"), nil
}

// NewFileCacheStore persists under path; an empty path selects the default
// location in the user's home directory.
func NewFileCacheStore(path string) (*FileCacheStore, error) {
	if path == "" {
		p, err := defaultCacheFile()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &FileCacheStore{path: path}, nil
}

// Load reads the cached list. A missing or unreadable file and a corrupt
// blob all read as an empty cache.
func (s *FileCacheStore) Load() ([]DerivedAddressRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil
	}
	var blob cacheBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, nil
	}
	return blob.Addresses, nil
}

func (s *FileCacheStore) Save(addresses []DerivedAddressRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(cacheBlob{Addresses: addresses})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *FileCacheStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryCacheStore is an in-memory CacheStore for tests and ephemeral hosts.
type MemoryCacheStore struct {
	mu        sync.Mutex
	addresses []DerivedAddressRecord
}

func NewMemoryCacheStore() *MemoryCacheStore { return &MemoryCacheStore{} }

func (s *MemoryCacheStore) Load() ([]DerivedAddressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DerivedAddressRecord, len(s.addresses))
	copy(out, s.addresses)
	return out, nil
}

func (s *MemoryCacheStore) Save(addresses []DerivedAddressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses = make([]DerivedAddressRecord, len(addresses))
	copy(s.addresses, addresses)
	return nil
}

func (s *MemoryCacheStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses = nil
	return nil
}
