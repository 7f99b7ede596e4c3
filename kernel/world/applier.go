package world

import (
	"context"
	"sort"

	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/journal"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/ledger"
	"agentos.dev/kernel/kernel/plan"
	"agentos.dev/kernel/kernel/reducer"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/snapshot"
	"agentos.dev/kernel/kernel/store"
	"agentos.dev/kernel/kernel/workspace"
)

// instanceRow, reducerCellRow, reservationRow, and workspaceRow are the
// sorted-and-flattened rows hashStateRoots folds into one state hash. Both
// the live World (via its touched-set tracking) and a replay Applier build
// the same stateRootInputs shape from their own bookkeeping, so a promoted
// baseline's claim can be checked against an independent from-genesis
// replay.
type instanceRow struct {
	ID     string
	Status string
	PC     string
}

type reducerCellRow struct {
	Reducer  schema.Name
	Key      []byte
	CellHash schema.Hash
}

type reservationRow struct {
	GrantName  string
	IntentHash schema.Hash
	Status     string
}

type workspaceRow struct {
	Name     string
	RootHash schema.Hash
}

type stateRootInputs struct {
	ManifestHash schema.Hash
	Instances    []instanceRow
	ReducerCells []reducerCellRow
	Reservations []reservationRow
	Workspaces   []workspaceRow
}

// hashStateRoots folds every root of kernel state into one content hash,
// sorting each row set by its natural key first so the hash is independent
// of map iteration order or the sequence touched-set tracking happened to
// observe roots in.
func hashStateRoots(in stateRootInputs) schema.Hash {
	sort.Slice(in.Instances, func(i, j int) bool { return in.Instances[i].ID < in.Instances[j].ID })
	sort.Slice(in.ReducerCells, func(i, j int) bool {
		if in.ReducerCells[i].Reducer != in.ReducerCells[j].Reducer {
			return in.ReducerCells[i].Reducer.String() < in.ReducerCells[j].Reducer.String()
		}
		return string(in.ReducerCells[i].Key) < string(in.ReducerCells[j].Key)
	})
	sort.Slice(in.Reservations, func(i, j int) bool {
		if in.Reservations[i].GrantName != in.Reservations[j].GrantName {
			return in.Reservations[i].GrantName < in.Reservations[j].GrantName
		}
		ih, jh := in.Reservations[i].IntentHash, in.Reservations[j].IntentHash
		return string(ih[:]) < string(jh[:])
	})
	sort.Slice(in.Workspaces, func(i, j int) bool { return in.Workspaces[i].Name < in.Workspaces[j].Name })

	buf := make([]byte, 0, 4096)
	buf = append(buf, in.ManifestHash[:]...)
	for _, row := range in.Instances {
		buf = append(buf, []byte(row.ID)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(row.Status)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(row.PC)...)
		buf = append(buf, 0)
	}
	for _, row := range in.ReducerCells {
		buf = append(buf, []byte(row.Reducer.String())...)
		buf = append(buf, 0)
		buf = append(buf, row.Key...)
		buf = append(buf, 0)
		buf = append(buf, row.CellHash[:]...)
	}
	for _, row := range in.Reservations {
		buf = append(buf, []byte(row.GrantName)...)
		buf = append(buf, 0)
		buf = append(buf, row.IntentHash[:]...)
		buf = append(buf, []byte(row.Status)...)
		buf = append(buf, 0)
	}
	for _, row := range in.Workspaces {
		buf = append(buf, []byte(row.Name)...)
		buf = append(buf, 0)
		buf = append(buf, row.RootHash[:]...)
	}
	return codec.Hash(buf)
}

// Applier is a from-genesis replay target (snapshot.Applier): a throwaway
// set of in-memory stores plus the same touched-set bookkeeping World keeps
// live, so Apply can reconstruct exactly the roots hashStateRoots needs
// without re-running any reducer or plan step — every mutation is already
// fully described by the journal record itself.
type Applier struct {
	blobs store.Store
	cells reducer.CellStore
	ld    ledger.Ledger
	heads workspace.HeadStore
	ws    *workspace.Workspace

	manifestHash schema.Hash
	horizon      *snapshot.ReceiptHorizon

	instances    map[string]instanceRow
	reducerNames map[schema.Name]bool
	wsNames      map[string]bool
	openRes      map[string]map[schema.Hash]bool
}

var _ snapshot.Applier = (*Applier)(nil)

// NewApplier builds an Applier over freshly supplied backend stores — always
// in-memory ones when used as World's verification/baseline target, but any
// Store/CellStore/Ledger/HeadStore combination works, since Applier only
// ever talks to these interfaces.
func NewApplier(blobs store.Store, cells reducer.CellStore, ld ledger.Ledger, heads workspace.HeadStore) *Applier {
	return &Applier{
		blobs:        blobs,
		cells:        cells,
		ld:           ld,
		heads:        heads,
		ws:           workspace.New(blobs, heads),
		horizon:      snapshot.NewReceiptHorizon(),
		instances:    make(map[string]instanceRow),
		reducerNames: make(map[schema.Name]bool),
		wsNames:      make(map[string]bool),
		openRes:      make(map[string]map[schema.Hash]bool),
	}
}

// Apply folds one journal record into the applier's reconstructed state, per
// §4.7's record taxonomy. Records whose effect is entirely captured by
// already-applied state (EffectIntent, PlanStart/Step) only need their
// touched-set bookkeeping updated here; the cell/commit mutation itself was
// already recorded by the ReducerStep/WorkspaceCommit record that
// accompanies it.
func (a *Applier) Apply(ctx context.Context, rec journal.Record) error {
	switch rec.Kind {
	case journal.KindManifest:
		a.manifestHash = rec.Manifest.ManifestHash

	case journal.KindDomainEvent:
		// no standalone state root; routed reducer steps carry their own records.

	case journal.KindEffectIntent:
		a.horizon.Intent(rec.EffectIntent.IntentHash)
		a.trackReservation(rec.EffectIntent.GrantName, rec.EffectIntent.IntentHash)

	case journal.KindEffectReceipt:
		if err := a.horizon.CheckReceipt(rec.EffectReceipt.IntentHash); err != nil {
			return err
		}

	case journal.KindEffectDenied:
		// denials never enter the horizon: they never produced an EffectIntent.

	case journal.KindCapSettlement:
		if err := a.horizon.CheckReceipt(rec.CapSettlement.IntentHash); err != nil {
			return err
		}
		if _, err := a.ld.Settle(ctx, rec.CapSettlement.GrantName, rec.CapSettlement.IntentHash, rec.CapSettlement.Usage); err != nil {
			return kernelerr.Wrap(kernelerr.BackendUnavailable, "replay cap settlement", err)
		}
		a.untrackReservation(rec.CapSettlement.GrantName, rec.CapSettlement.IntentHash)

	case journal.KindReservationReleased:
		if err := a.horizon.CheckReceipt(rec.ReservationReleased.IntentHash); err != nil {
			return err
		}
		if _, err := a.ld.Release(ctx, rec.ReservationReleased.GrantName, rec.ReservationReleased.IntentHash); err != nil {
			return kernelerr.Wrap(kernelerr.BackendUnavailable, "replay reservation release", err)
		}
		a.untrackReservation(rec.ReservationReleased.GrantName, rec.ReservationReleased.IntentHash)

	case journal.KindReducerStep:
		if err := a.cells.Put(ctx, rec.ReducerStep.Reducer, rec.ReducerStep.Key, rec.ReducerStep.NewCellHash); err != nil {
			return kernelerr.Wrap(kernelerr.BackendUnavailable, "replay reducer step", err)
		}
		a.reducerNames[rec.ReducerStep.Reducer] = true

	case journal.KindReducerFailure:
		// a trap leaves the cell untouched; nothing to replay.

	case journal.KindPlanStart:
		a.instances[rec.PlanStart.InstanceID] = instanceRow{ID: rec.PlanStart.InstanceID, Status: string(plan.StatusRunning)}

	case journal.KindPlanStep:
		row := a.instances[rec.PlanStep.InstanceID]
		row.ID = rec.PlanStep.InstanceID
		row.PC = rec.PlanStep.NextPC
		row.Status = string(plan.StatusRunning)
		a.instances[rec.PlanStep.InstanceID] = row

	case journal.KindPlanEnd:
		row := a.instances[rec.PlanEnd.InstanceID]
		row.ID = rec.PlanEnd.InstanceID
		row.Status = rec.PlanEnd.Kind
		a.instances[rec.PlanEnd.InstanceID] = row

	case journal.KindWorkspaceCommit:
		if err := a.heads.PutCommit(ctx, workspace.Commit{
			Workspace: rec.WorkspaceCommit.Workspace, Version: rec.WorkspaceCommit.Version,
			RootHash: rec.WorkspaceCommit.RootHash, Owner: rec.WorkspaceCommit.Owner,
		}); err != nil {
			return kernelerr.Wrap(kernelerr.BackendUnavailable, "replay workspace commit", err)
		}
		a.wsNames[rec.WorkspaceCommit.Workspace] = true

	case journal.KindProposed, journal.KindShadowReport, journal.KindApproved:
		// governance lifecycle bookkeeping lives in governance.Store, not a
		// state root hashStateRoots covers.

	case journal.KindApplied:
		a.manifestHash = rec.Applied.NewManifestHash

	case journal.KindSnapshot, journal.KindBaselineSnapshot:
		// diagnostic checkpoints, never consulted by replay itself.

	default:
		return kernelerr.Newf(kernelerr.InvariantViolation, "applier: unknown record kind %q", rec.Kind)
	}
	return nil
}

func (a *Applier) trackReservation(grantName string, intentHash schema.Hash) {
	if a.openRes[grantName] == nil {
		a.openRes[grantName] = make(map[schema.Hash]bool)
	}
	a.openRes[grantName][intentHash] = true
}

func (a *Applier) untrackReservation(grantName string, intentHash schema.Hash) {
	if m, ok := a.openRes[grantName]; ok {
		delete(m, intentHash)
	}
}

// StateHash summarizes every root Apply has mutated so far, the same shape
// World.liveStateHash builds from its own live touched sets.
func (a *Applier) StateHash(ctx context.Context) (schema.Hash, error) {
	in := stateRootInputs{ManifestHash: a.manifestHash}

	for _, row := range a.instances {
		in.Instances = append(in.Instances, row)
	}

	names := make([]schema.Name, 0, len(a.reducerNames))
	for n := range a.reducerNames {
		names = append(names, n)
	}
	for _, name := range names {
		keys, err := a.cells.Keys(ctx, name)
		if err != nil {
			return schema.Hash{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "list reducer cell keys", err)
		}
		for _, key := range keys {
			h, ok, err := a.cells.Get(ctx, name, key)
			if err != nil {
				return schema.Hash{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "read reducer cell", err)
			}
			if !ok {
				continue
			}
			in.ReducerCells = append(in.ReducerCells, reducerCellRow{Reducer: name, Key: key, CellHash: h})
		}
	}

	for grantName, held := range a.openRes {
		for intentHash := range held {
			res, err := a.ld.Get(ctx, grantName, intentHash)
			if err != nil {
				continue
			}
			in.Reservations = append(in.Reservations, reservationRow{GrantName: grantName, IntentHash: intentHash, Status: string(res.Status)})
		}
	}

	for name := range a.wsNames {
		c, err := a.ws.Resolve(ctx, name)
		if err != nil {
			return schema.Hash{}, err
		}
		in.Workspaces = append(in.Workspaces, workspaceRow{Name: name, RootHash: c.RootHash})
	}

	return hashStateRoots(in), nil
}
