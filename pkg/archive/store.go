// Package archive exports witnessed-ledger snapshots as checksummed zip
// bundles and persists them in content-addressed blob storage
// (filesystem, S3, or GCS).
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// BlobStore is the contract for content-addressed snapshot storage.
type BlobStore interface {
	// Store persists data and returns its content hash (SHA-256).
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks if a blob exists by its content hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob by its content hash.
	Delete(ctx context.Context, hash string) error
}

// FileStore is a filesystem-backed implementation of BlobStore.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a blob store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashStr := hex.EncodeToString(sum(data))
	prefixedHash := "sha256:" + hashStr
	path := filepath.Join(s.baseDir, hashStr+".blob")

	// Idempotent: an existing blob with the same hash is the same blob.
	if _, err := os.Stat(path); err == nil {
		return prefixedHash, nil
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return prefixedHash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, rawHash+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot not found: %s", hash)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, rawHash+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.baseDir, rawHash+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func parseHash(hash string) (string, error) {
	if len(hash) < 8 || hash[:7] != "sha256:" {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	raw := hash[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}
