package blob

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) EnsureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (s *MemoryStore) Upload(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.buckets[bucket][objectName] = cp
	return nil
}

func (s *MemoryStore) Download(ctx context.Context, bucket, objectName string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrObjectNotFound
	}
	data, ok := objects[objectName]
	if !ok {
		return nil, ErrObjectNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) PresignedURL(ctx context.Context, bucket, objectName string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if objects, ok := s.buckets[bucket]; !ok {
		return "", ErrObjectNotFound
	} else if _, ok := objects[objectName]; !ok {
		return "", ErrObjectNotFound
	}
	return fmt.Sprintf("memory://%s/%s?ttl=%d", bucket, objectName, int(ttl.Seconds())), nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if objects, ok := s.buckets[bucket]; ok {
		delete(objects, objectName)
	}
	return nil
}
