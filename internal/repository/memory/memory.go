// Package memory implements an in-process Repository used as a reference
// collaborator for tests and as a stand-in when no durable backend is
// configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"atticore/internal/chunkid"
	"atticore/internal/repository"
)

// Store is an in-memory, mutex-guarded content-addressed blob store.
type Store struct {
	id chunkid.ID

	mu    sync.Mutex
	blobs map[chunkid.ID][]byte
}

// New creates a Store identified by id.
func New(id chunkid.ID) *Store {
	return &Store{id: id, blobs: make(map[chunkid.ID][]byte)}
}

func (s *Store) ID() chunkid.ID { return s.id }

func (s *Store) Get(_ context.Context, id chunkid.ID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("memory: get %s: %w", id, repository.ErrNotFound)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *Store) GetMany(ctx context.Context, ids []chunkid.ID, fn func(chunkid.ID, []byte) error) error {
	for _, id := range ids {
		data, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Put(_ context.Context, id chunkid.ID, ciphertext []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(ciphertext))
	copy(cp, ciphertext)
	s.blobs[id] = cp
	return nil
}

func (s *Store) Delete(_ context.Context, id chunkid.ID, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}
