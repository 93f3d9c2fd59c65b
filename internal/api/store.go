package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/rwkv/internal/metrics"
	"github.com/samcharles93/rwkv/internal/rwkv"
)

// Session is one caller's recurrent state. mu serializes forward calls on
// it; the model itself is shared.
type Session struct {
	ID      string
	Created time.Time

	mu       sync.Mutex
	state    *rwkv.State
	consumed int
}

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

func (s *SessionStore) Create(state *rwkv.State, now time.Time) *Session {
	sess := &Session{ID: uuid.NewString(), Created: now, state: state}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
	return sess
}

func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	if ok {
		metrics.SessionsActive.Set(float64(n))
	}
	return ok
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
