package api

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultStoreSize bounds how many finished generations stay retrievable.
const DefaultStoreSize = 256

// GenerationStore keeps the most recent generations by id, evicting the
// oldest once full.
type GenerationStore struct {
	mu    sync.Mutex
	limit int
	order []string
	items map[string]Generation
}

func NewGenerationStore(limit int) *GenerationStore {
	if limit <= 0 {
		limit = DefaultStoreSize
	}
	return &GenerationStore{
		limit: limit,
		items: make(map[string]Generation),
	}
}

func (s *GenerationStore) Put(g Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[g.ID]; !ok {
		s.order = append(s.order, g.ID)
	}
	s.items[g.ID] = g
	for len(s.order) > s.limit {
		delete(s.items, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *GenerationStore) Get(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.items[id]
	return g, ok
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *GenerationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
