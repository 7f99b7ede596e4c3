// Package ledger implements the capability budget ledger (§4.6, §4.9):
// two-phase reserve/settle/release over per-grant, per-dimension budgets,
// keyed by the intent_hash of the effect a reservation was created for.
// Two backends are wired: ledgermem (in-memory, tests and single-process
// deployments) and ledgerredis (github.com/redis/go-redis/v9, atomic
// HINCRBY-based reserve/settle for multi-process durability), grounded on
// the Redis client-wrapper style of registry/result_stream.go narrowed from
// stream mappings to budget counters.
package ledger

import (
	"context"
	"errors"

	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// Status is the lifecycle state of a Reservation.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusSettled  Status = "settled"
	StatusReleased Status = "released"
)

// Reservation is the ledger's record of a pending or resolved budget
// commitment for one effect intent (§3.4).
type Reservation struct {
	IntentHash       schema.Hash
	GrantName        string
	EnforcerIdentity string
	Reserve          map[string]uint64
	Spent            map[string]uint64
	Status           Status
}

// ErrDuplicateIntent is returned by Reserve when intentHash already has a
// reservation recorded against grantName.
var ErrDuplicateIntent = errors.New("ledger: duplicate reservation for intent")

// ErrNoReservation is returned by Settle/Release when no reservation exists
// for the given intent hash.
var ErrNoReservation = errors.New("ledger: no reservation for intent")

// Ledger is the capability budget ledger contract. Implementations must
// enforce Invariant 6: reserved[dim] + spent[dim] <= limit[dim] at every
// point a grant's budget is inspected.
type Ledger interface {
	// Reserve atomically checks spent[d]+reserved[d]+want[d] <= limit[d] for
	// every dimension d declared in limit, and if all pass, records a new
	// Reservation in StatusReserved and debits reserved by want. Returns
	// *kernelerr.Error{Code: BudgetInsufficient} if any dimension would
	// overflow; no partial reservation is ever recorded.
	Reserve(ctx context.Context, grantName string, limit map[string]uint64, intentHash schema.Hash, enforcerIdentity string, want map[string]uint64) (Reservation, error)

	// Settle applies usage to a reserved intent: reserved -= want (the
	// original reserve estimate), spent += usage, status -> settled. Settle
	// is idempotent: calling it again for an already-settled intent returns
	// the existing Reservation unchanged and no error (Testable Property
	// "settle(settle(r)) == settle(r)").
	Settle(ctx context.Context, grantName string, intentHash schema.Hash, usage map[string]uint64) (Reservation, error)

	// Release reverts a reservation without recording spend: reserved -=
	// want, status -> released. Used on deny-after-reserve, world cancel,
	// expiry, or governance release. Idempotent like Settle.
	Release(ctx context.Context, grantName string, intentHash schema.Hash) (Reservation, error)

	// Get returns the current Reservation for an intent, or ErrNoReservation.
	Get(ctx context.Context, grantName string, intentHash schema.Hash) (Reservation, error)
}

// CheckBudget reports a *kernelerr.Error{Code: BudgetInsufficient} if
// reserving want against limit, given the current spent/reserved totals,
// would violate Invariant 6 for any dimension declared on limit. Shared by
// both ledger backends so the bound is checked identically regardless of
// storage.
func CheckBudget(limit, spent, reserved, want map[string]uint64) error {
	for dim, lim := range limit {
		total := spent[dim] + reserved[dim] + want[dim]
		if total > lim {
			return kernelerr.Newf(kernelerr.BudgetInsufficient,
				"dimension %q: spent %d + reserved %d + want %d exceeds limit %d",
				dim, spent[dim], reserved[dim], want[dim], lim).
				WithField("dimension", dim).WithField("limit", lim)
		}
	}
	return nil
}
