package reducer

import (
	"context"
	"sync"

	"agentos.dev/kernel/kernel/schema"
)

// CellStore holds the current state hash of every materialized reducer
// cell, keyed by (reducer_name, key_bytes) (§4.4: "each distinct key
// materializes a cell with independent state"). An unkeyed reducer uses a
// single implicit cell with an empty key. Grounded on the map-of-maps
// pattern in kernel/store/storemem.
type CellStore interface {
	Get(ctx context.Context, reducerName schema.Name, key []byte) (schema.Hash, bool, error)
	Put(ctx context.Context, reducerName schema.Name, key []byte, stateHash schema.Hash) error
	// Keys lists every distinct key materialized for reducerName, used by
	// snapshot to enumerate a keyed reducer's cell index root.
	Keys(ctx context.Context, reducerName schema.Name) ([][]byte, error)
}

// MemCellStore is an in-memory CellStore, used by tests and single-process
// worlds alongside store/storemem.
type MemCellStore struct {
	mu    sync.RWMutex
	cells map[schema.Name]map[string]schema.Hash
}

var _ CellStore = (*MemCellStore)(nil)

// NewMemCellStore returns an empty in-memory cell store.
func NewMemCellStore() *MemCellStore {
	return &MemCellStore{cells: make(map[schema.Name]map[string]schema.Hash)}
}

func (m *MemCellStore) Get(_ context.Context, reducerName schema.Name, key []byte) (schema.Hash, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey, ok := m.cells[reducerName]
	if !ok {
		return schema.Hash{}, false, nil
	}
	h, ok := byKey[string(key)]
	return h, ok, nil
}

func (m *MemCellStore) Put(_ context.Context, reducerName schema.Name, key []byte, stateHash schema.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.cells[reducerName]
	if !ok {
		byKey = make(map[string]schema.Hash)
		m.cells[reducerName] = byKey
	}
	byKey[string(key)] = stateHash
	return nil
}

func (m *MemCellStore) Keys(_ context.Context, reducerName schema.Name) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := m.cells[reducerName]
	out := make([][]byte, 0, len(byKey))
	for k := range byKey {
		out = append(out, []byte(k))
	}
	return out, nil
}
