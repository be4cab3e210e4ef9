package memory

import (
	"context"
	"sync"

	"github.com/Keyring-Network/local-tool-chat/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]store.Session
}

func New() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]store.Session{},
	}
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cloned := store.Clone(session)
	return &cloned, nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, session store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := store.Now()
	if existing, ok := m.sessions[session.ID]; ok && session.CreatedAt == "" {
		session.CreatedAt = existing.CreatedAt
	}
	if session.CreatedAt == "" {
		session.CreatedAt = now
	}
	if session.UpdatedAt == "" {
		session.UpdatedAt = now
	}
	m.sessions[session.ID] = store.Clone(session)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, generation string, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if session.Generation != generation {
		return store.ErrGenerationMismatch
	}
	if msg.CreatedAt == "" {
		msg.CreatedAt = store.Now()
	}
	session.Messages = append(session.Messages, msg)
	session.UpdatedAt = msg.CreatedAt
	m.sessions[sessionID] = session
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
