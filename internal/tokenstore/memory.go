package tokenstore

import (
	"sync"

	"github.com/alexjbarnes/authsession/internal/models"
)

// MemoryStore is a volatile Store. It backs tests and serves as the
// fallback when durable storage cannot be opened.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens models.TokenPair
	user   *models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AccessToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tokens.AccessToken, nil
}

func (s *MemoryStore) RefreshToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tokens.RefreshToken, nil
}

func (s *MemoryStore) User() (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.user.Clone(), nil
}

func (s *MemoryStore) SetTokens(pair models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = pair

	return nil
}

func (s *MemoryStore) SetUser(u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = u.Clone()

	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = models.TokenPair{}
	s.user = nil

	return nil
}

func (s *MemoryStore) Close() error { return nil }
