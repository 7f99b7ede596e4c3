package world

import (
	"context"

	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/ledger"
	"agentos.dev/kernel/kernel/plan"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/workspace"
)

// QueryKind selects which live state root QueryState reads.
type QueryKind string

const (
	QueryReducerState QueryKind = "reducer_state"
	QueryPlanInstance QueryKind = "plan_instance"
	QueryWorkspace    QueryKind = "workspace"
	QueryReservation  QueryKind = "reservation"
	QueryProposal     QueryKind = "proposal"
)

// Query describes one read-only lookup into a World's live state. Fields
// not relevant to Kind are ignored.
type Query struct {
	Kind         QueryKind
	ReducerName  schema.Name
	ReducerKey   []byte
	InstanceID   string
	WorkspaceName string
	Path         string
	GrantName    string
	IntentHash   schema.Hash
	ProposalID   string
}

// QueryResult carries whichever field Query.Kind populated; exactly one is
// ever set, and Found reports whether the lookup resolved to anything.
type QueryResult struct {
	Found bool

	ReducerCellHash schema.Hash
	Instance        plan.Instance
	WorkspaceCommit workspace.Commit
	Reservation     ledger.Reservation
	Proposal        ProposalView
}

// ProposalView is the caller-facing projection of a governance.Proposal,
// kept in kernel/world rather than re-exporting governance.Proposal so a
// query response never leaks the raw *air.Manifest patch pointer.
type ProposalView struct {
	ID         string
	Status     string
	ProposedBy string
	ApprovedBy string
	ShadowErr  string
}

// QueryState reads one live state root without mutating anything and
// without requiring the caller to hold mu across a DrainAndExecute cycle —
// it takes its own brief lock, like every other control-channel entry
// point, rather than reaching around World's internal state unsynchronized.
func (w *World) QueryState(ctx context.Context, q Query) (QueryResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch q.Kind {
	case QueryReducerState:
		h, ok, err := w.cells.Get(ctx, q.ReducerName, q.ReducerKey)
		if err != nil {
			return QueryResult{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "query reducer state", err)
		}
		return QueryResult{Found: ok, ReducerCellHash: h}, nil

	case QueryPlanInstance:
		inst, ok := w.planEngine.Instance(q.InstanceID)
		return QueryResult{Found: ok, Instance: inst}, nil

	case QueryWorkspace:
		c, err := w.ws.Resolve(ctx, q.WorkspaceName)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Found: true, WorkspaceCommit: c}, nil

	case QueryReservation:
		res, err := w.ld.Get(ctx, q.GrantName, q.IntentHash)
		if err != nil {
			return QueryResult{Found: false}, nil
		}
		return QueryResult{Found: true, Reservation: res}, nil

	case QueryProposal:
		p, ok, err := w.govStore.Get(ctx, q.ProposalID)
		if err != nil {
			return QueryResult{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "query proposal", err)
		}
		if !ok {
			return QueryResult{}, nil
		}
		return QueryResult{Found: true, Proposal: ProposalView{
			ID: p.ID, Status: string(p.Status), ProposedBy: p.ProposedBy, ApprovedBy: p.ApprovedBy, ShadowErr: p.ShadowErr,
		}}, nil

	default:
		return QueryResult{}, kernelerr.Newf(kernelerr.InvalidManifest, "unknown query kind %q", q.Kind)
	}
}
