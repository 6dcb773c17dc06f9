// Package artifacts keeps exported audit trails in content-addressed
// storage. Keys have the form "sha256:<hex>" so a trail can be fetched
// and checked against the key it was filed under.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const keyPrefix = "sha256:"

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("artifacts: not found")

// Store is a content-addressed blob store.
type Store interface {
	// Store persists data and returns its key. Storing the same bytes twice
	// returns the same key.
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the content key of data.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// parseKey returns the hex digest of key.
func parseKey(key string) (string, error) {
	raw, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", fmt.Errorf("artifacts: invalid key format: %s", key)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("artifacts: invalid key digest: %s", key)
	}
	return raw, nil
}

func objectName(prefix, digest string) string { return prefix + digest + ".json" }

// FileStore keeps blobs in a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(data)
	path := filepath.Join(s.baseDir, objectName("", key[len(keyPrefix):]))
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	tmp := path + ".tmp"
	//nolint:gosec // G306: exports are meant to be readable
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return key, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	digest, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, objectName("", digest))) //nolint:gosec // digest validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("artifacts: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	digest, err := parseKey(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectName("", digest)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat %s: %w", key, err)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	digest, err := parseKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(filepath.Join(s.baseDir, objectName("", digest)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete %s: %w", key, err)
	}
	return nil
}

// Fetch reads key from store and checks the bytes still hash to it.
func Fetch(ctx context.Context, store Store, key string) ([]byte, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if got := Key(data); got != key {
		return nil, fmt.Errorf("artifacts: %s content hashes to %s", key, got)
	}
	return data, nil
}
