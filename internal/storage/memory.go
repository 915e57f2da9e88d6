package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu        sync.Mutex
	closed    bool
	settings  map[string]string
	delivered map[string]time.Time
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{settings: map[string]string{}, delivered: map[string]time.Time{}}
}

func (s *memoryStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *memoryStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.settings[key] = value
	return nil
}

func (s *memoryStore) DeleteSetting(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.settings, key)
	return nil
}

func (s *memoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.delivered[id]; !ok {
		s.delivered[id] = at
	}
	return nil
}

func (s *memoryStore) Delivered(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.delivered[strings.TrimSpace(id)]
	return ok, nil
}

func (s *memoryStore) PruneDelivered(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, at := range s.delivered {
		if at.Before(cutoff) {
			delete(s.delivered, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
