package repository

import (
	"context"
	"sort"
	"sync"

	"blocktalk/internal/models"
	"blocktalk/internal/service"
)

// MemoryStore keeps conversations for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]models.Message
}

var _ service.MessageStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]models.Message)}
}

func (s *MemoryStore) LoadAll(_ context.Context, key string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CloneAll(s.data[key]), nil
}

func (s *MemoryStore) SaveAll(_ context.Context, key string, messages []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = models.CloneAll(messages)
	return nil
}

func (s *MemoryStore) Keys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
