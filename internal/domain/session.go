package domain

import (
	"sync"
	"time"
)

// AuthState is the server-side lifecycle state of a connection.
type AuthState int

const (
	AuthStateAwaitingAuth AuthState = iota
	AuthStateAuthenticated
	AuthStateClosed
)

func (s AuthState) String() string {
	switch s {
	case AuthStateAwaitingAuth:
		return "awaiting_auth"
	case AuthStateAuthenticated:
		return "authenticated"
	case AuthStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session tracks the authentication state of one websocket connection.
type Session struct {
	ID           string
	UserID       string
	State        AuthState
	CreatedAt    time.Time
	LastActiveAt time.Time
	mu           sync.RWMutex
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		State:        AuthStateAwaitingAuth,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func (s *Session) Authenticate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
	s.State = AuthStateAuthenticated
	s.LastActiveAt = time.Now()
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = AuthStateClosed
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State == AuthStateAuthenticated
}

func (s *Session) GetUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID
}

func (s *Session) GetState() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
