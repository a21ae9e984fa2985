package session

import (
	"context"
	"errors"
	"sync"

	"stridemap/internal/strava"
)

var ErrNotFound = errors.New("session token not found")

// Store persists the single session token.
type Store interface {
	Load(ctx context.Context) (strava.Token, error)
	Save(ctx context.Context, token strava.Token) error
	Delete(ctx context.Context) error
}

// MemoryStore keeps the token for the lifetime of the process.
type MemoryStore struct {
	mu    sync.Mutex
	token *strava.Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (strava.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return strava.Token{}, ErrNotFound
	}
	return *s.token, nil
}

func (s *MemoryStore) Save(ctx context.Context, token strava.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = &token
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}
