// Package journal implements the kernel's append-only, content-addressed
// execution journal (§4.7): the sole source of truth every other subsystem
// (reducer state, ledger, plan instances, workspace trees) is a projection
// of. Grounded on runtime/agent/runlog's append-only, cursor-paginated run
// log store, narrowed from per-turn chat events to the kernel's fixed record
// taxonomy, and on hooks/codec.go's per-type switch encode/decode, here
// applied per RecordKind instead of per hook event name.
package journal

import (
	"agentos.dev/kernel/kernel/schema"
)

// RecordKind identifies one journal record shape. The set is closed: every
// kind named in §4.7 has exactly one body type below.
type RecordKind string

const (
	KindManifest            RecordKind = "manifest"
	KindDomainEvent         RecordKind = "domain_event"
	KindEffectIntent        RecordKind = "effect_intent"
	KindEffectReceipt       RecordKind = "effect_receipt"
	KindEffectDenied        RecordKind = "effect_denied"
	KindCapSettlement       RecordKind = "cap_settlement"
	KindReservationReleased RecordKind = "reservation_released"
	KindReducerStep         RecordKind = "reducer_step"
	KindReducerFailure      RecordKind = "reducer_failure"
	KindPlanStart           RecordKind = "plan_start"
	KindPlanStep            RecordKind = "plan_step"
	KindPlanEnd             RecordKind = "plan_end"
	KindWorkspaceCommit     RecordKind = "workspace_commit"
	KindProposed            RecordKind = "proposed"
	KindShadowReport        RecordKind = "shadow_report"
	KindApproved            RecordKind = "approved"
	KindApplied             RecordKind = "applied"
	KindSnapshot            RecordKind = "snapshot"
	KindBaselineSnapshot    RecordKind = "baseline_snapshot"
)

// Stamp carries the ingress-assigned clock values every record is stamped
// with: a monotonically increasing logical counter (the only clock plan
// expressions or reducers may ever observe) and the wall-clock time the
// world happened to be at, kept strictly for operator-facing diagnostics.
type Stamp struct {
	NowNs        uint64 `cbor:"now_ns"`
	LogicalNowNs uint64 `cbor:"logical_now_ns"`
}

// Record is one journal entry. Height is assigned by Store.Append and is a
// strict total order: record N+1 is defined only in terms of records
// 0..N. Exactly one body field is populated, matching Kind.
type Record struct {
	Height uint64     `cbor:"height"`
	Kind   RecordKind `cbor:"kind"`
	Stamp  Stamp      `cbor:"stamp"`

	Manifest            *ManifestBody            `cbor:"manifest,omitempty"`
	DomainEvent         *DomainEventBody         `cbor:"domain_event,omitempty"`
	EffectIntent        *EffectIntentBody        `cbor:"effect_intent,omitempty"`
	EffectReceipt       *EffectReceiptBody       `cbor:"effect_receipt,omitempty"`
	EffectDenied        *EffectDeniedBody        `cbor:"effect_denied,omitempty"`
	CapSettlement       *CapSettlementBody       `cbor:"cap_settlement,omitempty"`
	ReservationReleased *ReservationReleasedBody `cbor:"reservation_released,omitempty"`
	ReducerStep         *ReducerStepBody         `cbor:"reducer_step,omitempty"`
	ReducerFailure      *ReducerFailureBody      `cbor:"reducer_failure,omitempty"`
	PlanStart           *PlanStartBody           `cbor:"plan_start,omitempty"`
	PlanStep            *PlanStepBody            `cbor:"plan_step,omitempty"`
	PlanEnd             *PlanEndBody             `cbor:"plan_end,omitempty"`
	WorkspaceCommit     *WorkspaceCommitBody     `cbor:"workspace_commit,omitempty"`
	Proposed            *ProposedBody            `cbor:"proposed,omitempty"`
	ShadowReport        *ShadowReportBody        `cbor:"shadow_report,omitempty"`
	Approved            *ApprovedBody            `cbor:"approved,omitempty"`
	Applied             *AppliedBody             `cbor:"applied,omitempty"`
	Snapshot            *SnapshotBody            `cbor:"snapshot,omitempty"`
	BaselineSnapshot    *BaselineSnapshotBody    `cbor:"baseline_snapshot,omitempty"`
}

// ManifestBody records a manifest becoming active: the genesis manifest at
// height 0, or a governance Applied swap's resulting manifest thereafter.
type ManifestBody struct {
	ManifestHash schema.Hash `cbor:"manifest_hash"`
	AirVersion   uint32      `cbor:"air_version"`
}

// DomainEventBody records one event admitted onto the bus, canonical-CBOR
// encoded per its own schema (Value), plus the keying the router used.
type DomainEventBody struct {
	Event      schema.Name `cbor:"event"`
	Value      []byte      `cbor:"value"`
	Key        []byte      `cbor:"key,omitempty"`
	OriginKind string      `cbor:"origin_kind"`
	OriginName schema.Name `cbor:"origin_name"`
}

// EffectIntentBody records an authorized (or require_approval-pending)
// effect invocation, keyed by IntentHash for receipt correlation.
type EffectIntentBody struct {
	IntentHash       schema.Hash       `cbor:"intent_hash"`
	Kind             schema.Name       `cbor:"kind"`
	CanonicalParams  []byte            `cbor:"canonical_params"`
	CapName          string            `cbor:"cap_name"`
	GrantName        string            `cbor:"grant_name"`
	GrantHash        schema.Hash       `cbor:"grant_hash"`
	OriginKind       string            `cbor:"origin_kind"`
	OriginName       schema.Name       `cbor:"origin_name"`
	EnforcerIdentity string            `cbor:"enforcer_identity"`
	Reserve          map[string]uint64 `cbor:"reserve"`
	PolicyDecision   string            `cbor:"policy_decision"`
}

// EffectReceiptBody records a settled effect receipt.
type EffectReceiptBody struct {
	IntentHash       schema.Hash `cbor:"intent_hash"`
	CanonicalReceipt []byte      `cbor:"canonical_receipt"`
	Violation        string      `cbor:"violation,omitempty"`
}

// EffectDeniedBody records a deny verdict (policy or cap-check) for a
// candidate invocation that never reached EffectIntent.
type EffectDeniedBody struct {
	Kind       schema.Name `cbor:"kind"`
	GrantName  string      `cbor:"grant_name"`
	OriginKind string      `cbor:"origin_kind"`
	OriginName schema.Name `cbor:"origin_name"`
	Reason     string      `cbor:"reason"`
}

// CapSettlementBody records the ledger effect of settling a reservation:
// the usage the enforcer (or default full-reserve charge) applied.
type CapSettlementBody struct {
	IntentHash schema.Hash       `cbor:"intent_hash"`
	GrantName  string            `cbor:"grant_name"`
	Usage      map[string]uint64 `cbor:"usage"`
}

// ReservationReleasedBody records a reservation released without spend
// (deny-after-reserve, cancel, or governance release).
type ReservationReleasedBody struct {
	IntentHash schema.Hash `cbor:"intent_hash"`
	GrantName  string      `cbor:"grant_name"`
	Reason     string      `cbor:"reason"`
}

// ReducerStepBody records one reducer invocation's outcome: its resulting
// cell mutation and any events it raised, addressed by content hash so
// replay can verify byte-identical recomputation (Invariant 2).
type ReducerStepBody struct {
	Reducer     schema.Name `cbor:"reducer"`
	Key         []byte      `cbor:"key,omitempty"`
	InputHash   schema.Hash `cbor:"input_hash"`
	NewCellHash schema.Hash `cbor:"new_cell_hash"`
	EventsHash  schema.Hash `cbor:"events_hash"`
}

// ReducerFailureBody records a trapped reducer step (deterministic failure:
// the same input will always trap the same way).
type ReducerFailureBody struct {
	Reducer   schema.Name `cbor:"reducer"`
	Key       []byte      `cbor:"key,omitempty"`
	InputHash schema.Hash `cbor:"input_hash"`
	Reason    string      `cbor:"reason"`
}

// PlanStartBody records a new plan instance beginning, whether trigger- or
// spawn-started.
type PlanStartBody struct {
	InstanceID     string      `cbor:"instance_id"`
	Plan           schema.Name `cbor:"plan"`
	ParentID       string      `cbor:"parent_id,omitempty"`
	CorrelationKey string      `cbor:"correlation_key,omitempty"`
	InputHash      schema.Hash `cbor:"input_hash"`
}

// PlanStepBody records one plan instance step transition: the step it just
// executed, the step it will resume at, and its resulting scope bindings
// addressed by content hash (not inlined) so replay reconstructs Instance
// state purely from these records without re-running the interpreter.
type PlanStepBody struct {
	InstanceID   string `cbor:"instance_id"`
	StepID       string `cbor:"step_id"`
	NextPC       string `cbor:"next_pc"`
	BindingsHash schema.Hash `cbor:"bindings_hash"`
}

// PlanEndBody records a plan instance's terminal outcome.
type PlanEndBody struct {
	InstanceID string `cbor:"instance_id"`
	Kind       string `cbor:"kind"`
	OutputHash *schema.Hash `cbor:"output_hash,omitempty"`
	Reason     string       `cbor:"reason,omitempty"`
}

// WorkspaceCommitBody records a new version of a named workspace tree.
type WorkspaceCommitBody struct {
	Workspace string      `cbor:"workspace"`
	Version   uint64      `cbor:"version"`
	RootHash  schema.Hash `cbor:"root_hash"`
	Owner     string      `cbor:"owner"`
}

// ProposedBody records a governance manifest-change proposal.
type ProposedBody struct {
	ProposalID  string      `cbor:"proposal_id"`
	PatchHash   schema.Hash `cbor:"patch_hash"`
	BaseHash    schema.Hash `cbor:"base_hash"`
	ProposedBy  string      `cbor:"proposed_by"`
}

// ShadowReportBody records a proposal's dry-run assembly.Build result.
type ShadowReportBody struct {
	ProposalID string      `cbor:"proposal_id"`
	PatchHash  schema.Hash `cbor:"patch_hash"`
	OK         bool        `cbor:"ok"`
	Reason     string      `cbor:"reason,omitempty"`
}

// ApprovedBody records a human/policy approval of a pending proposal.
type ApprovedBody struct {
	ProposalID string `cbor:"proposal_id"`
	ApprovedBy string `cbor:"approved_by"`
	Notes      string `cbor:"notes,omitempty"`
}

// AppliedBody records a proposal's manifest swap actually taking effect.
type AppliedBody struct {
	ProposalID      string      `cbor:"proposal_id"`
	NewManifestHash schema.Hash `cbor:"new_manifest_hash"`
}

// SnapshotBody records a tail snapshot of kernel state at Height, used to
// bound replay without being the sole durable record (the journal is).
type SnapshotBody struct {
	StateHash schema.Hash `cbor:"state_hash"`
}

// BaselineSnapshotBody records a promoted baseline: replaying from height 0
// to BaselineHeight must reproduce StateHash exactly (Invariant 8).
type BaselineSnapshotBody struct {
	BaselineHeight uint64      `cbor:"baseline_height"`
	StateHash      schema.Hash `cbor:"state_hash"`
}
