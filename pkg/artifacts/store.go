// Package artifacts is the content-addressed store (CAS) for compiled policy
// bundles and ledger batch receipts. Objects are immutable and keyed by the
// SHA-256 of their bytes.
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

const (
	refPrefix = "sha256:"
	urlScheme = "cas://"
)

// ErrNotFound is returned by Get when no object has the requested digest.
var ErrNotFound = errors.New("artifact not found")

// Store defines the contract for content-addressed storage.
type Store interface {
	// Put persists data and returns its reference ("sha256:<hex>").
	// Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ref returns the store reference for a hex digest.
func Ref(digest string) string { return refPrefix + digest }

// URL renders a reference as a cas:// URL, e.g. cas://sha256:ab12...
func URL(ref string) string { return urlScheme + ref }

// ParseURL accepts either a cas:// URL or a bare reference and returns the
// validated reference.
func ParseURL(u string) (string, error) {
	ref := strings.TrimPrefix(u, urlScheme)
	if _, err := parseRef(ref); err != nil {
		return "", err
	}
	return ref, nil
}

func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fmt.Errorf("invalid content reference: %q", ref)
	}
	raw := ref[len(refPrefix):]
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length in %q", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return strings.ToLower(raw), nil
}

func objectKey(prefix, digest string) string { return prefix + digest + ".blob" }

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := Digest(data)
	path := filepath.Join(s.baseDir, objectKey("", digest))
	if _, err := os.Stat(path); err == nil {
		return Ref(digest), nil
	}

	// Write to temp, then rename so readers never see a partial blob.
	tmp := path + ".tmp"
	//nolint:gosec // G306: blobs are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return Ref(digest), nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, objectKey("", digest))) //nolint:gosec // digest validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectKey("", digest)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
