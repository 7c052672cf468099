// Package session holds the authenticated identity the watcher needs before it
// may contact the backend.
package session

import (
	"context"
	"sync"
)

// Session is the result of a successful login. Token is opaque.
type Session struct {
	Token    string
	Identity string
}

// Authenticated reports whether both halves are present. A partial session is
// treated the same as no session at all.
func (s Session) Authenticated() bool {
	return s.Token != "" && s.Identity != ""
}

// Store is session scoped storage. Only the auth client and the CLI write to it;
// the watcher only loads.
type Store interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the session for the lifetime of one watch run.
type MemoryStore struct {
	mu      sync.RWMutex
	current Session
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, nil
}

func (m *MemoryStore) Save(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.current = Session{}
	m.mu.Unlock()
	return nil
}
