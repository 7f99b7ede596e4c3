// Package ledgermem provides an in-memory ledger.Ledger implementation, the
// default backend for tests and single-process worlds. Grounded on the same
// mutex-guarded map discipline as kernel/store/storemem.
package ledgermem

import (
	"context"
	"sync"

	"agentos.dev/kernel/kernel/ledger"
	"agentos.dev/kernel/kernel/schema"
)

type grantBook struct {
	spent       map[string]uint64
	reservedSum map[string]uint64
	byIntent    map[schema.Hash]*ledger.Reservation
}

// Ledger is an in-memory, mutex-guarded ledger.Ledger.
type Ledger struct {
	mu     sync.Mutex
	grants map[string]*grantBook
}

var _ ledger.Ledger = (*Ledger)(nil)

// New returns an empty in-memory ledger.
func New() *Ledger {
	return &Ledger{grants: make(map[string]*grantBook)}
}

func (l *Ledger) book(grantName string) *grantBook {
	b, ok := l.grants[grantName]
	if !ok {
		b = &grantBook{
			spent:       make(map[string]uint64),
			reservedSum: make(map[string]uint64),
			byIntent:    make(map[schema.Hash]*ledger.Reservation),
		}
		l.grants[grantName] = b
	}
	return b
}

func (l *Ledger) Reserve(ctx context.Context, grantName string, limit map[string]uint64, intentHash schema.Hash, enforcerIdentity string, want map[string]uint64) (ledger.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book(grantName)
	if _, dup := b.byIntent[intentHash]; dup {
		return ledger.Reservation{}, ledger.ErrDuplicateIntent
	}
	if err := ledger.CheckBudget(limit, b.spent, b.reservedSum, want); err != nil {
		return ledger.Reservation{}, err
	}

	reserve := cloneDims(want)
	for dim, v := range reserve {
		b.reservedSum[dim] += v
	}
	r := &ledger.Reservation{
		IntentHash:       intentHash,
		GrantName:        grantName,
		EnforcerIdentity: enforcerIdentity,
		Reserve:          reserve,
		Spent:            map[string]uint64{},
		Status:           ledger.StatusReserved,
	}
	b.byIntent[intentHash] = r
	return *r, nil
}

func (l *Ledger) Settle(ctx context.Context, grantName string, intentHash schema.Hash, usage map[string]uint64) (ledger.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book(grantName)
	r, ok := b.byIntent[intentHash]
	if !ok {
		return ledger.Reservation{}, ledger.ErrNoReservation
	}
	if r.Status != ledger.StatusReserved {
		return *r, nil
	}
	for dim, v := range r.Reserve {
		b.reservedSum[dim] -= v
	}
	for dim, v := range usage {
		b.spent[dim] += v
	}
	r.Spent = cloneDims(usage)
	r.Status = ledger.StatusSettled
	return *r, nil
}

func (l *Ledger) Release(ctx context.Context, grantName string, intentHash schema.Hash) (ledger.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book(grantName)
	r, ok := b.byIntent[intentHash]
	if !ok {
		return ledger.Reservation{}, ledger.ErrNoReservation
	}
	if r.Status != ledger.StatusReserved {
		return *r, nil
	}
	for dim, v := range r.Reserve {
		b.reservedSum[dim] -= v
	}
	r.Status = ledger.StatusReleased
	return *r, nil
}

func (l *Ledger) Get(ctx context.Context, grantName string, intentHash schema.Hash) (ledger.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.book(grantName)
	r, ok := b.byIntent[intentHash]
	if !ok {
		return ledger.Reservation{}, ledger.ErrNoReservation
	}
	return *r, nil
}

func cloneDims(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
