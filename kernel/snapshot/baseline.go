package snapshot

import (
	"context"

	"agentos.dev/kernel/kernel/journal"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// VerifyBaseline checks Invariant 8 for one promoted baseline: replaying
// the whole journal, from height 0 through its current head, into freshApp
// (which must be a newly constructed Applier over throwaway state, never
// the live world's) must reproduce exactly snap.StateHash. A journal with
// fewer than snap.Height records fails the check; records past snap.Height
// are replayed as well, so the comparison is against the journal as it
// stands when VerifyBaseline runs. A failure is a
// *kernelerr.Error{Code: BaselineRegression}, fatal per Code.Fatal.
//
// Scope decision: this is a verification-only check, not a fast-forward
// restore mechanism. A production backend could store an actual serialized
// state blob alongside the baseline and load it directly instead of
// replaying 0..Height on restore, but kernel/journal's Store contract
// (and the kernel's persistence-backend-choice Non-goal) does not require
// one, so RestoreFromGenesis always replays the full journal; a promoted
// baseline only gives restore something to cross-check along the way.
func VerifyBaseline(ctx context.Context, j journal.Store, freshApp Applier, snap KernelSnapshot) error {
	cursor, err := Replay(ctx, j, freshApp, 0)
	if err != nil {
		return err
	}
	if cursor < snap.Height {
		return kernelerr.Newf(kernelerr.BaselineRegression,
			"journal has only %d records, baseline claims height %d", cursor, snap.Height)
	}
	got, err := freshApp.StateHash(ctx)
	if err != nil {
		return err
	}
	if got != snap.StateHash {
		return kernelerr.Newf(kernelerr.BaselineRegression,
			"replay to height %d produced state hash %x, baseline recorded %x", cursor, got[:8], snap.StateHash[:8])
	}
	return nil
}

// TakeSnapshot journals a non-baseline Snapshot record at the journal's
// current head, bounding how far back a future replay divergence
// investigation needs to look without being load-bearing: a Snapshot
// record is a diagnostic checkpoint, never consulted by RestoreFromGenesis.
func TakeSnapshot(ctx context.Context, j journal.Store, stateHash schema.Hash, nowNs, logicalNowNs uint64) (uint64, error) {
	return j.Append(ctx, journal.Record{
		Kind:     journal.KindSnapshot,
		Stamp:    journal.Stamp{NowNs: nowNs, LogicalNowNs: logicalNowNs},
		Snapshot: &journal.SnapshotBody{StateHash: stateHash},
	})
}

// PromoteBaseline verifies snap against freshApp (per VerifyBaseline) and,
// if it holds, journals a BaselineSnapshot record recording the new
// baseline height and state hash.
func PromoteBaseline(ctx context.Context, j journal.Store, freshApp Applier, snap KernelSnapshot, nowNs, logicalNowNs uint64) (uint64, error) {
	if err := VerifyBaseline(ctx, j, freshApp, snap); err != nil {
		return 0, err
	}
	return j.Append(ctx, journal.Record{
		Kind:  journal.KindBaselineSnapshot,
		Stamp: journal.Stamp{NowNs: nowNs, LogicalNowNs: logicalNowNs},
		BaselineSnapshot: &journal.BaselineSnapshotBody{
			BaselineHeight: snap.Height,
			StateHash:      snap.StateHash,
		},
	})
}
