// Package blob provides the object store boundary for pipeline artifacts.
package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates a missing blob key.
var ErrNotFound = fmt.Errorf("blob not found")

// Store defines the object store interface consumed by the pipeline.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// DocumentKey returns the deterministic key for a job's source document.
func DocumentKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/source.pdf", jobID)
}

// ArtifactKey returns the deterministic key for one unit's artifact blob.
func ArtifactKey(jobID uuid.UUID, stage string, idx int, ext string) string {
	return fmt.Sprintf("jobs/%s/%s/%03d.%s", jobID, stage, idx, ext)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

// Put stores the bytes under key and returns a pseudo URL.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = cp
	return "memory://" + key, nil
}

// Get returns the bytes stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// SignedURL returns a pseudo URL; memory blobs need no signing.
func (s *MemoryStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[key]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return "memory://" + key, nil
}

// Len reports the number of stored blobs. Used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
