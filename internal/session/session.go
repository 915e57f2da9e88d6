// Package session holds the per-user delivery state: the active mode and a
// generation counter that changes on every connect and disconnect.
//
// The channel negotiator is the only writer. The poller and dispatcher hold
// the same *Session and read it to decide whether work they started is
// still wanted.
package session

import (
	"sync"

	"edunotify/internal/notification"
)

type Snapshot struct {
	UserID     string
	Mode       notification.Mode
	Generation uint64
	Active     bool
}

type Session struct {
	mu     sync.RWMutex
	userID string
	mode   notification.Mode
	gen    uint64
	active bool
	done   chan struct{}
}

// New returns an inactive session in disabled mode.
func New() *Session {
	done := make(chan struct{})
	close(done)
	return &Session{mode: notification.ModeDisabled, done: done}
}

// Begin starts a new generation for userID and returns it. Any previous
// generation is ended first.
func (s *Session) Begin(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		close(s.done)
	}
	s.gen++
	s.userID = userID
	s.mode = notification.ModeDisabled
	s.active = true
	s.done = make(chan struct{})
	return s.gen
}

// End tears the session down. It reports false when it was already ended.
func (s *Session) End() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	s.gen++
	s.mode = notification.ModeDisabled
	close(s.done)
	return true
}

// SetMode changes the mode if gen is still the live generation.
func (s *Session) SetMode(gen uint64, mode notification.Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.gen != gen {
		return false
	}
	s.mode = mode
	return true
}

// Live reports whether gen is the current, active generation.
func (s *Session) Live(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && s.gen == gen
}

func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) Mode() notification.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Done is closed when the current generation ends.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{UserID: s.userID, Mode: s.mode, Generation: s.gen, Active: s.active}
}
