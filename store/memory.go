package store

import (
	"sync"
)

type inMemory struct {
	mu    sync.RWMutex
	chats map[string][]Message
}

// NewMemoryStore returns a process-local MessageStore. Messages live for the
// lifetime of the process; there is no retention bound.
func NewMemoryStore() MessageStore {
	return &inMemory{
		chats: make(map[string][]Message),
	}
}

func (m *inMemory) Messages(chatID string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chats[chatID]
}

func (m *inMemory) Add(chatID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[chatID] = append(m.chats[chatID], msg)
	return nil
}

func (m *inMemory) Reset(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
	return nil
}
