// Package session defines how the supervisor remembers the last session id
// of each agent so a respawn can resume the conversation.
//
// Durability belongs to the data layer: store.Store satisfies Store against
// the threads table. Memory is for tests and for running without a database.
package session

import (
	"context"
	"sync"
)

// Store maps an agent to its last known session id.
type Store interface {
	// GetSessionID reports the last recorded session id, or ok=false if the
	// agent never completed a spawn handshake.
	GetSessionID(ctx context.Context, agentID string) (sessionID string, ok bool, err error)

	// SetSessionID overwrites the stored value.
	SetSessionID(ctx context.Context, agentID, sessionID string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu  sync.RWMutex
	ids map[string]string
}

func NewMemory() *Memory {
	return &Memory{ids: make(map[string]string)}
}

func (m *Memory) GetSessionID(_ context.Context, agentID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[agentID]
	return id, ok, nil
}

func (m *Memory) SetSessionID(_ context.Context, agentID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[agentID] = sessionID
	return nil
}
