package test

import (
	"context"
	"sync"

	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/lorawan"
)

// SessionStore is an in-memory session store.
type SessionStore struct {
	sync.Mutex

	Sessions map[lorawan.EUI64]session.Session
	Saves    int
}

// NewSessionStore returns a new SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		Sessions: make(map[lorawan.EUI64]session.Session),
	}
}

// GetSession method.
func (s *SessionStore) GetSession(ctx context.Context, devEUI lorawan.EUI64) (session.Session, error) {
	s.Lock()
	defer s.Unlock()

	sess, ok := s.Sessions[devEUI]
	if !ok {
		return sess, session.ErrDoesNotExist
	}
	return sess, nil
}

// SaveSession method.
func (s *SessionStore) SaveSession(ctx context.Context, sess session.Session) error {
	s.Lock()
	defer s.Unlock()

	s.Sessions[sess.DevEUI] = sess
	s.Saves++
	return nil
}
