package memory

import (
	"context"
	"sync"

	"ticketdesk/internal/core/domain"
)

// CredentialStore keeps session entries for the lifetime of the process.
type CredentialStore struct {
	entries map[string]string
	mu      sync.RWMutex
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		entries: make(map[string]string),
	}
}

func (s *CredentialStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.entries[key]
	if !exists {
		return "", domain.ErrCredentialNotFound
	}
	return value, nil
}

func (s *CredentialStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = value
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *CredentialStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
