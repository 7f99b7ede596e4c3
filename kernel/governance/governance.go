// Package governance implements manifest evolution (§4.2, §4.9): propose a
// patch manifest, dry-run it through the same assembly.Build gate every
// manifest passes (shadow), require approval, and atomically swap the live
// RuntimeAssembly once the world is quiescent. World wires propose/shadow/
// approve/apply as ordinary cap-gated effects dispatched through
// kernel/authorize (the same pipeline any other effect goes through) rather
// than a special-cased admin path, so governance actions are subject to the
// same policy/ledger/journal discipline as everything else — grounded on
// runtime/agent/registry's versioned-agent-definition swap, narrowed from
// per-agent hot-reload to the kernel's single active manifest.
package governance

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// Status is a proposal's lifecycle state.
type Status string

const (
	StatusProposed     Status = "proposed"
	StatusShadowOK     Status = "shadow_ok"
	StatusShadowFailed Status = "shadow_failed"
	StatusApproved     Status = "approved"
	StatusApplied      Status = "applied"
	StatusRejected     Status = "rejected"
)

// Proposal is one in-flight or resolved manifest change.
type Proposal struct {
	ID         string
	BaseHash   schema.Hash
	PatchHash  schema.Hash
	Patch      *air.Manifest
	ProposedBy string
	Status     Status
	ShadowErr  string
	ApprovedBy string
	Notes      string
}

// Store holds proposals by ID. A single in-memory implementation is
// provided; proposal durability rides on the journal's Proposed/ShadowReport/
// Approved/Applied records (§4.7), which is the actual source of truth on
// replay — Store is only the live world's working index into them.
type Store interface {
	Put(ctx context.Context, p Proposal) error
	Get(ctx context.Context, id string) (Proposal, bool, error)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu        sync.Mutex
	proposals map[string]Proposal
}

func NewMemStore() *MemStore {
	return &MemStore{proposals: make(map[string]Proposal)}
}

func (s *MemStore) Put(_ context.Context, p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = p
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Proposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	return p, ok, nil
}

var _ Store = (*MemStore)(nil)

var hashEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Sort = cbor.SortBytewiseLexical
	em, err := opts.EncMode()
	if err != nil {
		panic("governance: invalid canonical encoding options: " + err.Error())
	}
	return em
}()

// manifestHash hashes an air.Manifest the way journal records are hashed:
// plain canonical CBOR of the Go struct, not routed through kernel/codec
// (a Manifest is the kernel's own control-plane document, not a
// schema-typed domain value).
func manifestHash(m *air.Manifest) (schema.Hash, error) {
	b, err := hashEncMode.Marshal(m)
	if err != nil {
		return schema.Hash{}, kernelerr.Wrap(kernelerr.NotCanonical, "hash manifest", err)
	}
	return codec.Hash(b), nil
}

// Governance drives the propose/shadow/approve/apply lifecycle against one
// Store, always dry-running and finally applying patches against the
// current live manifest (read via currentFn at each step so a concurrent
// apply is always evaluated against the true current base, not a stale
// snapshot).
type Governance struct {
	store     Store
	currentFn func() *air.Manifest
}

func New(store Store, currentFn func() *air.Manifest) *Governance {
	return &Governance{store: store, currentFn: currentFn}
}

// Propose records a new patch manifest pending shadow validation.
func (g *Governance) Propose(ctx context.Context, id string, patch *air.Manifest, proposedBy string) (Proposal, error) {
	base := g.currentFn()
	baseHash, err := manifestHash(base)
	if err != nil {
		return Proposal{}, err
	}
	patchHash, err := manifestHash(patch)
	if err != nil {
		return Proposal{}, err
	}
	p := Proposal{ID: id, BaseHash: baseHash, PatchHash: patchHash, Patch: patch, ProposedBy: proposedBy, Status: StatusProposed}
	if err := g.store.Put(ctx, p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Shadow dry-runs id's patch merged onto the current base through
// assembly.Build, recording whether the resulting manifest would assemble
// cleanly without making it live.
func (g *Governance) Shadow(ctx context.Context, id string) (Proposal, *assembly.RuntimeAssembly, error) {
	p, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return Proposal{}, nil, err
	}
	if !ok {
		return Proposal{}, nil, kernelerr.Newf(kernelerr.InvariantViolation, "governance: no such proposal %q", id)
	}
	merged := mergeOntoCurrent(g.currentFn(), p.Patch)
	ra, buildErr := assembly.Build(merged)
	if buildErr != nil {
		p.Status = StatusShadowFailed
		p.ShadowErr = buildErr.Error()
	} else {
		p.Status = StatusShadowOK
		p.ShadowErr = ""
	}
	if err := g.store.Put(ctx, p); err != nil {
		return Proposal{}, nil, err
	}
	if buildErr != nil {
		return p, nil, nil
	}
	return p, ra, nil
}

// Approve marks a shadow-passed proposal as approved; it is an error to
// approve a proposal that never reached StatusShadowOK (§4.9's
// "require_approval reservations are held, not released" decision applies
// analogously here: an unvalidated patch may never be approved).
func (g *Governance) Approve(ctx context.Context, id, approvedBy, notes string) (Proposal, error) {
	p, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if !ok {
		return Proposal{}, kernelerr.Newf(kernelerr.InvariantViolation, "governance: no such proposal %q", id)
	}
	if p.Status != StatusShadowOK {
		return Proposal{}, kernelerr.Newf(kernelerr.ApprovalPendingRequired, "proposal %q is not shadow-validated (status=%s)", id, p.Status)
	}
	p.Status = StatusApproved
	p.ApprovedBy = approvedBy
	p.Notes = notes
	if err := g.store.Put(ctx, p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Apply performs the atomic manifest swap: it requires the proposal to be
// Approved and quiescent() to report true (no plan instance mid-step), then
// rebuilds the final RuntimeAssembly via the same assembly.Build path Shadow
// used, so apply can never diverge from what shadow already validated.
func (g *Governance) Apply(ctx context.Context, id string, quiescent func() bool) (Proposal, *assembly.RuntimeAssembly, error) {
	p, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return Proposal{}, nil, err
	}
	if !ok {
		return Proposal{}, nil, kernelerr.Newf(kernelerr.InvariantViolation, "governance: no such proposal %q", id)
	}
	if p.Status != StatusApproved {
		return Proposal{}, nil, kernelerr.Newf(kernelerr.ApprovalPendingRequired, "proposal %q is not approved (status=%s)", id, p.Status)
	}
	if !quiescent() {
		return Proposal{}, nil, kernelerr.Newf(kernelerr.NotQuiescent, "proposal %q: world is not quiescent", id)
	}
	merged := mergeOntoCurrent(g.currentFn(), p.Patch)
	ra, err := assembly.Build(merged)
	if err != nil {
		return Proposal{}, nil, kernelerr.Wrap(kernelerr.InvariantViolation, "apply: manifest no longer assembles", err)
	}
	p.Status = StatusApplied
	if err := g.store.Put(ctx, p); err != nil {
		return Proposal{}, nil, err
	}
	return p, ra, nil
}

// mergeOntoCurrent overlays patch onto a fresh copy of current: a name
// patch declares replaces current's definition of that name, everything
// else from current is carried through unchanged. This is deliberately not
// air.Manifest.Merge (whose contract treats any name collision between two
// documents as an authoring mistake) — a governance patch's entire purpose
// is to redefine names current already has, so collision is the expected
// case here, not an error, and patch always wins.
func mergeOntoCurrent(current *air.Manifest, patch *air.Manifest) *air.Manifest {
	merged := air.NewManifest()
	merged.AirVersion = current.AirVersion
	for k, v := range current.Schemas {
		merged.Schemas[k] = v
	}
	for k, v := range current.Modules {
		merged.Modules[k] = v
	}
	for k, v := range current.Plans {
		merged.Plans[k] = v
	}
	for k, v := range current.Caps {
		merged.Caps[k] = v
	}
	for k, v := range current.Policies {
		merged.Policies[k] = v
	}
	for k, v := range current.Effects {
		merged.Effects[k] = v
	}
	for k, v := range current.Secrets {
		merged.Secrets[k] = v
	}
	for k, v := range current.Grants {
		merged.Grants[k] = v
	}
	merged.Routing = append(merged.Routing, current.Routing...)
	merged.Triggers = append(merged.Triggers, current.Triggers...)
	merged.ModuleBindings = append(merged.ModuleBindings, current.ModuleBindings...)

	if patch == nil {
		return merged
	}
	for k, v := range patch.Schemas {
		merged.Schemas[k] = v
	}
	for k, v := range patch.Modules {
		merged.Modules[k] = v
	}
	for k, v := range patch.Plans {
		merged.Plans[k] = v
	}
	for k, v := range patch.Caps {
		merged.Caps[k] = v
	}
	for k, v := range patch.Policies {
		merged.Policies[k] = v
	}
	for k, v := range patch.Effects {
		merged.Effects[k] = v
	}
	for k, v := range patch.Secrets {
		merged.Secrets[k] = v
	}
	for k, v := range patch.Grants {
		merged.Grants[k] = v
	}
	merged.Routing = append(merged.Routing, patch.Routing...)
	merged.Triggers = append(merged.Triggers, patch.Triggers...)
	merged.ModuleBindings = append(merged.ModuleBindings, patch.ModuleBindings...)
	return merged
}
