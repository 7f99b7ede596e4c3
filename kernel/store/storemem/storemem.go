// Package storemem provides an in-memory store.Store implementation,
// suitable for development, testing, and single-node deployments where
// persistence across restarts is not required.
package storemem

import (
	"context"
	"sync"

	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	blobs map[schema.Hash][]byte
	refs  map[schema.Name]schema.Hash
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		blobs: make(map[schema.Hash][]byte),
		refs:  make(map[schema.Name]schema.Hash),
	}
}

// Put stores b and returns its content hash, independent of any hash the
// caller may have computed — the store is the sole authority over addresses.
func (s *Store) Put(ctx context.Context, b []byte) (schema.Hash, error) {
	if err := ctx.Err(); err != nil {
		return schema.Hash{}, err
	}
	h := codec.Hash(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[h]; !ok {
		cp := make([]byte, len(b))
		copy(cp, b)
		s.blobs[h] = cp
	}
	return h, nil
}

// Get returns the bytes stored under h.
func (s *Store) Get(ctx context.Context, h schema.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[h]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

// Has reports whether h is present without fetching its payload.
func (s *Store) Has(ctx context.Context, h schema.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[h]
	return ok, nil
}

// PutRef repoints name to h.
func (s *Store) PutRef(ctx context.Context, name schema.Name, h schema.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name] = h
	return nil
}

// GetRef resolves name to its current hash.
func (s *Store) GetRef(ctx context.Context, name schema.Name) (schema.Hash, error) {
	if err := ctx.Err(); err != nil {
		return schema.Hash{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.refs[name]
	if !ok {
		return schema.Hash{}, store.ErrNotFound
	}
	return h, nil
}

// ListRefs returns every Name currently stored in namespace, or across all
// namespaces if namespace is empty.
func (s *Store) ListRefs(ctx context.Context, namespace string) ([]schema.Name, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []schema.Name
	for n := range s.refs {
		if namespace == "" || n.Namespace == namespace {
			names = append(names, n)
		}
	}
	return names, nil
}
