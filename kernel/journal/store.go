package journal

import (
	"context"
	"sync"

	"agentos.dev/kernel/kernel/kernelerr"
)

// Store is the append-only journal contract (§4.7). Persistence backend
// choice is explicitly out of scope (a Non-goal): the kernel only specifies
// this abstract contract, so a single in-memory implementation is carried
// here and any durable backend is free to implement Store directly (the
// way kernel/store's BlobStore/RefStore already separate contract from
// backend).
type Store interface {
	// Append assigns the next height to rec (overwriting rec.Height) and
	// durably records it. Append must never reorder or drop a record: the
	// height it returns is exactly len(journal) before this call.
	Append(ctx context.Context, rec Record) (uint64, error)

	// Read returns every record from fromHeight (inclusive) to the current
	// head, in height order.
	Read(ctx context.Context, fromHeight uint64) ([]Record, error)

	// Head returns the number of records appended so far (i.e. the height
	// that would be assigned to the next Append).
	Head(ctx context.Context) (uint64, error)
}

// MemStore is an in-memory Store: a mutex-guarded, append-only slice. It is
// grounded on runtime/agent/runlog's in-memory run log, narrowed from
// per-run cursor pagination to a single global append log since the kernel
// has exactly one journal per world.
type MemStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Append(_ context.Context, rec Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Height = uint64(len(s.records))
	s.records = append(s.records, rec)
	return rec.Height, nil
}

func (s *MemStore) Read(_ context.Context, fromHeight uint64) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromHeight >= uint64(len(s.records)) {
		return nil, nil
	}
	out := make([]Record, len(s.records)-int(fromHeight))
	copy(out, s.records[fromHeight:])
	return out, nil
}

func (s *MemStore) Head(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.records)), nil
}

var _ Store = (*MemStore)(nil)

// ErrOutOfRange is a sentinel available to backends that need to report a
// Read request starting beyond a compacted prefix; MemStore never compacts
// so it never returns this.
var ErrOutOfRange = kernelerr.New(kernelerr.InvariantViolation, "journal: read range out of bounds")
