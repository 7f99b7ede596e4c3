// Package snapshot implements baseline+tail replay (§4.8): the algorithm
// that reconstructs a world's live state by replaying journal records in
// height order, and the promoted-baseline bookkeeping that lets Invariant 8
// ("baseline + tail replay == full replay from genesis") be checked rather
// than merely hoped for. The package is deliberately state-agnostic: it
// drives an Applier the caller supplies rather than owning reducer cells,
// ledger reservations, plan instances, or workspace trees itself, so world
// (the only component that actually holds all of those) can wire its own
// per-kind handlers without a dependency cycle. Grounded on
// runtime/agent/run's replay-from-event-log reconstruction, generalized
// from one agent run's event history to the kernel's whole journal.
package snapshot

import (
	"context"

	"agentos.dev/kernel/kernel/journal"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// KernelSnapshot is a promoted baseline: a claim that replaying the journal
// from height 0 through Height reproduces StateHash exactly, checked by
// VerifyBaseline before the claim is trusted for any restore.
type KernelSnapshot struct {
	Height       uint64
	StateHash    schema.Hash
	ManifestHash schema.Hash
}

// Applier receives journal records one at a time, in height order, and
// applies each to whatever live state it owns (reducer cells, ledger
// reservations, plan instances, workspace heads, the active manifest). It
// is the only place subsystem-specific replay logic lives; snapshot itself
// only sequences the calls.
type Applier interface {
	// Apply applies one record. Any error it returns stops Replay and is
	// returned to Replay's caller. Of the snapshot/replay codes,
	// ReplayDivergence, RootCompletenessViolation and BaselineRegression are
	// Fatal per kernelerr.Code.Fatal; ReceiptHorizonViolation is not.
	Apply(ctx context.Context, rec journal.Record) error

	// StateHash summarizes every root of state Apply has mutated so far
	// (reducer cells, ledger, plan instances, workspace heads) into one
	// hash, content-addressed the same way any other kernel value is. An
	// Applier whose StateHash omits a root the kernel actually tracks is
	// itself a RootCompletenessViolation — callers compare this hash
	// against a recorded KernelSnapshot.StateHash to detect that exact
	// failure mode.
	StateHash(ctx context.Context) (schema.Hash, error)
}

// Replay applies every record from fromHeight (inclusive) through the
// journal's current head to app, in order, and returns the height one past
// the last record applied (the resulting cursor, i.e. Head()).
func Replay(ctx context.Context, j journal.Store, app Applier, fromHeight uint64) (uint64, error) {
	recs, err := j.Read(ctx, fromHeight)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.ReplayDivergence, "read journal for replay", err)
	}
	height := fromHeight
	for _, rec := range recs {
		if rec.Height != height {
			return 0, kernelerr.Newf(kernelerr.ReplayDivergence,
				"journal record out of sequence: expected height %d, got %d", height, rec.Height)
		}
		if err := app.Apply(ctx, rec); err != nil {
			return 0, err
		}
		height++
	}
	return height, nil
}

// RestoreFromGenesis replays the whole journal into a freshly constructed
// Applier, returning the resulting cursor. This is the kernel's only
// restore path today (see VerifyBaseline's doc comment for the scope
// decision this implies): a KernelSnapshot is an integrity checkpoint
// verified during restore, not a skip-ahead fast path, so startup always
// replays from height 0 even when a baseline has been promoted.
func RestoreFromGenesis(ctx context.Context, j journal.Store, app Applier) (uint64, error) {
	return Replay(ctx, j, app, 0)
}
