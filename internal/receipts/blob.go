package receipts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FSStore implements BlobStore on the local filesystem.
type FSStore struct {
	root string
}

// FSConfig holds filesystem blob store configuration.
type FSConfig struct {
	Root string `envconfig:"RECEIPTS_ROOT" default:"/var/lib/estatepay/receipts"`
}

// NewFSStore creates a filesystem blob store rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating receipts root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes data to a file under the root. The returned reference is the
// path relative to the root.
func (s *FSStore) Put(_ context.Context, name string, data []byte) (string, error) {
	name = filepath.Base(name) // no traversal
	path := filepath.Join(s.root, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing receipt blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalizing receipt blob: %w", err)
	}
	return "fs://" + name, nil
}

// Get reads a document by reference.
func (s *FSStore) Get(_ context.Context, ref string) ([]byte, error) {
	name := filepath.Base(strings.TrimPrefix(ref, "fs://"))
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		return nil, fmt.Errorf("reading receipt blob: %w", err)
	}
	return data, nil
}

// MemoryBlobStore implements BlobStore in memory for tests.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[name] = cp
	return "mem://" + name, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.TrimPrefix(ref, "mem://")
	data, ok := s.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

var (
	_ BlobStore = (*FSStore)(nil)
	_ BlobStore = (*MemoryBlobStore)(nil)
)
