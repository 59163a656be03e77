// Package narration holds synthesized narration audio in memory so that
// sessions can replay it and browsers can download it by handle.
package narration

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("narration audio not found")

// Audio is one synthesized narration, addressed by an opaque handle.
type Audio struct {
	ID          string
	Data        []byte
	ContentType string
	CreatedAt   time.Time
}

// Store is a process-local narration cache. Entries live until released.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Audio
	bytes   int
}

func NewStore() *Store {
	return &Store{entries: make(map[string]Audio)}
}

// Put stores data and returns its handle.
func (s *Store) Put(data []byte, contentType string) Audio {
	a := Audio{
		ID:          uuid.NewString(),
		Data:        data,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.entries[a.ID] = a
	s.bytes += len(data)
	s.mu.Unlock()
	return a
}

func (s *Store) Get(id string) (Audio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.entries[id]
	if !ok {
		return Audio{}, ErrNotFound
	}
	return a, nil
}

// Release drops the entry for id. Releasing an unknown handle is a no-op.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.entries[id]; ok {
		s.bytes -= len(a.Data)
		delete(s.entries, id)
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Bytes reports the total audio held.
func (s *Store) Bytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}
