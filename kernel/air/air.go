// Package air holds the AIR manifest types (§3.3): the definition kinds a
// RuntimeAssembly is built from (`defschema`, `defmodule`, `defplan`,
// `defcap`, `defpolicy`, `defeffect`, `defsecret`) plus the capability-grant
// shape attached to a running agent. A Manifest is the parsed, in-memory
// form of one or more AIR documents; `kernel/assembly` resolves and
// cross-checks a Manifest into a RuntimeAssembly.
package air

import (
	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/schema"
)

// SupportedAirVersion is the only manifest schema version this kernel
// understands; assembly rejects any manifest whose AirVersion differs.
const SupportedAirVersion = 1

// DefSchema declares a named, versioned schema available for reference by
// every other definition kind.
type DefSchema struct {
	Name   schema.Name
	Schema schema.Schema
}

// EventFamily names the event shape a reducer module subscribes to: either a
// single schema (RefEvent set, Arms empty) or a tagged union of named event
// schemas dispatched by tag (Arms set, RefEvent empty).
type EventFamily struct {
	RefEvent schema.Name
	Arms     []EventFamilyArm
}

// EventFamilyArm is one tag of a variant event family.
type EventFamilyArm struct {
	Tag   string
	Event schema.Name
}

// DefModule declares a reducer: a pure `(state, event, context) ->
// (state, effects_emitted)` WASM function plus the ABI metadata the host
// needs to validate its calls and enforce its capability slots (§4.4).
type DefModule struct {
	Name           schema.Name
	ModuleHash     schema.Hash
	StateSchema    schema.Name
	EventFamily    EventFamily
	EffectsEmitted []schema.Name
	CapSlots       []string
	KeySchema      *schema.Name
}

// StepKind enumerates the plan step kinds a DefPlan's step graph may use
// (§4.5).
type StepKind string

const (
	StepAssign        StepKind = "assign"
	StepEmitEffect     StepKind = "emit_effect"
	StepAwaitReceipt   StepKind = "await_receipt"
	StepAwaitEvent     StepKind = "await_event"
	StepRaiseEvent     StepKind = "raise_event"
	StepSpawnPlan      StepKind = "spawn_plan"
	StepAwaitPlan      StepKind = "await_plan"
	StepSpawnForEach   StepKind = "spawn_for_each"
	StepAwaitPlansAll  StepKind = "await_plans_all"
	StepBranch         StepKind = "branch"
	StepEnd            StepKind = "end"
)

// Step is one node of a DefPlan's static step graph. Exactly the fields
// relevant to Kind are populated; Next names the default successor step
// (empty for StepEnd and for StepBranch, whose successor is chosen by
// BranchArms).
type Step struct {
	ID   string
	Kind StepKind
	Next string

	Assign        *AssignStep
	EmitEffect    *EmitEffectStep
	AwaitReceipt  *AwaitReceiptStep
	AwaitEvent    *AwaitEventStep
	RaiseEvent    *RaiseEventStep
	SpawnPlan     *SpawnPlanStep
	AwaitPlan     *AwaitPlanStep
	SpawnForEach  *SpawnForEachStep
	AwaitPlansAll *AwaitPlansAllStep
	Branch        *BranchStep
}

// AssignStep binds a variable in the plan instance's local scope to the
// result of evaluating Value.
type AssignStep struct {
	Var   string
	Value expr.Expr
}

// EmitEffectStep requests execution of a named effect via a held capability
// grant, binding the authorized intent's hash to CorrelationVar (consumed by
// a later StepAwaitReceipt naming the same CorrelationVar).
type EmitEffectStep struct {
	Effect         schema.Name
	Cap            string
	Params         expr.Expr
	CorrelationVar string
}

// AwaitReceiptStep blocks the plan instance until the receipt correlated by
// CorrelationVar arrives, binding it to ResultVar.
type AwaitReceiptStep struct {
	CorrelationVar string
	ResultVar      string
}

// AwaitEventStep blocks until an event of EventFamily arrives satisfying
// Where, binding it to ResultVar. Where is evaluated with the candidate
// event bound under "event" and, when CorrelationVar names a scope variable
// the instance already holds, that value bound under "correlation_id" —
// letting Where reference it without knowing the plan's own variable names.
// A correlated trigger (air.Trigger.CorrelateBy) requires every await_event
// step in its target plan to set Where, enforced at assembly.Build time.
type AwaitEventStep struct {
	EventFamily    schema.Name
	ResultVar      string
	Where          expr.Expr
	CorrelationVar string
}

// RaiseEventStep publishes an event of the given family onto the router.
type RaiseEventStep struct {
	EventFamily schema.Name
	Value       expr.Expr
}

// SpawnPlanStep starts a child plan instance, binding its instance id to
// InstanceVar.
type SpawnPlanStep struct {
	Plan        schema.Name
	Input       expr.Expr
	InstanceVar string
}

// AwaitPlanStep blocks until the child plan instance named by
// InstanceVarRef completes, binding its output to ResultVar.
type AwaitPlanStep struct {
	InstanceVarRef string
	ResultVar      string
}

// SpawnForEachStep spawns one child plan instance per element of Items,
// binding the resulting list of instance ids to InstancesVar.
type SpawnForEachStep struct {
	Plan         schema.Name
	Items        expr.Expr
	InstancesVar string
}

// AwaitPlansAllStep blocks until every instance named by
// InstancesVarRef completes, binding their outputs to ResultVar in order.
type AwaitPlansAllStep struct {
	InstancesVarRef string
	ResultVar       string
}

// BranchStep selects the next step by evaluating each arm's Condition in
// order and following the first that evaluates true, falling back to
// Default.
type BranchStep struct {
	Arms    []BranchArm
	Default string
}

// BranchArm is one guarded branch of a BranchStep.
type BranchArm struct {
	Condition expr.Expr
	Next      string
}

// DefPlan declares a plan: a named input schema, an output schema, and a
// static step graph starting at Entry.
type DefPlan struct {
	Name          schema.Name
	InputSchema   schema.Name
	OutputSchema  schema.Name
	Entry         string
	Steps         map[string]Step
	RequiredCaps  []string
	AllowedEffects []schema.Name
}

// DefCap declares a capability type: the schema its grant params must
// conform to, and an optional pure WASM enforcer module checking a proposed
// effect invocation against a held grant before the authorizer honors it
// (§4.9).
type DefCap struct {
	Name          schema.Name
	ParamSchema   schema.Name
	EnforcerHash  *schema.Hash
	BudgetDims    []string
}

// PolicyDecision is the verdict a DefPolicy rule yields.
type PolicyDecision string

const (
	PolicyAllow            PolicyDecision = "allow"
	PolicyDeny              PolicyDecision = "deny"
	PolicyRequireApproval   PolicyDecision = "require_approval"
)

// PolicyRule matches an effect invocation by kind/cap/origin and yields a
// decision; the first matching rule in a DefPolicy's Rules list wins.
type PolicyRule struct {
	EffectKind schema.Name
	CapName    string
	OriginKind string
	OriginName schema.Name
	Decision   PolicyDecision
}

// DefPolicy declares an ordered rule set the effect authorizer consults
// (§4.9). policy.Decide returns Default when no rule matches; the effect
// authorizer does not read Default: it tries the rules of every declared
// policy in name order and denies when none matches.
type DefPolicy struct {
	Name    schema.Name
	Rules   []PolicyRule
	Default PolicyDecision
}

// OriginScope constrains where an effect may legally be invoked from.
type OriginScope string

const (
	OriginPlan    OriginScope = "plan"
	OriginReducer OriginScope = "reducer"
	OriginAny     OriginScope = "any"
)

// DefEffect declares an effect kind: its parameter and receipt schemas, the
// capability type required to invoke it, and which origin kinds may invoke
// it.
type DefEffect struct {
	Name          schema.Name
	ParamSchema   schema.Name
	ReceiptSchema schema.Name
	RequiredCap   schema.Name
	Origin        OriginScope
}

// DefSecret declares a versioned secret binding: an opaque identifier the
// runtime resolves against an external secret store, an optional expected
// content digest for drift detection, and the set of capability names
// allowed to resolve it.
type DefSecret struct {
	Name           schema.Name
	BindingID      string
	ExpectedDigest *schema.Hash
	AllowedCaps    []string
}

// CapGrant attaches a capability instance to a running agent: the DefCap it
// instantiates, its bound parameters, an optional per-dimension budget, and
// an optional expiry.
type CapGrant struct {
	DefCap    schema.Name
	Params    any
	Budget    map[string]uint64
	ExpiryNs  *uint64
}

// RoutingEntry declares one manifest-authored routing target: deliver
// events of Event to Reducer, wrapping under VariantTag when the reducer's
// event family is a variant (empty means the family is a direct ref), and
// extracting KeyField when the reducer is keyed (empty means unkeyed or the
// envelope-supplied key is used).
type RoutingEntry struct {
	Event      schema.Name
	Reducer    schema.Name
	VariantTag string
	KeyField   string
}

// Trigger maps an event schema to a plan to start when it is routed,
// optionally filtered by When and projected into the plan's input by
// InputExpr; CorrelateBy, if set, names the field of the plan's input used
// as its instance correlation key.
type Trigger struct {
	Event       schema.Name
	Plan        schema.Name
	When        expr.Expr
	InputExpr   expr.Expr
	CorrelateBy string
}

// ModuleBinding pins a reducer's capability slot to a granted capability by
// name.
type ModuleBinding struct {
	Reducer schema.Name
	Slot    string
	Grant   string
}

// Manifest is the parsed form of one or more AIR documents: every
// definition the document declares, keyed by name so later lookups (and
// kernel/assembly's cross-checks) don't re-scan slices. Routing and
// Triggers stay as ordered slices (declared routing/dispatch order is
// itself meaningful, per the router's `(height, target_index)` ordering
// guarantee) rather than maps.
type Manifest struct {
	AirVersion     uint32
	Schemas        map[schema.Name]DefSchema
	Modules        map[schema.Name]DefModule
	Plans          map[schema.Name]DefPlan
	Caps           map[schema.Name]DefCap
	Policies       map[schema.Name]DefPolicy
	Effects        map[schema.Name]DefEffect
	Secrets        map[schema.Name]DefSecret
	Routing        []RoutingEntry
	Triggers       []Trigger
	ModuleBindings []ModuleBinding
	Grants         map[string]CapGrant
}

// NewManifest returns an empty Manifest at SupportedAirVersion.
func NewManifest() *Manifest {
	return &Manifest{
		AirVersion: SupportedAirVersion,
		Schemas:    make(map[schema.Name]DefSchema),
		Modules:    make(map[schema.Name]DefModule),
		Plans:      make(map[schema.Name]DefPlan),
		Caps:       make(map[schema.Name]DefCap),
		Policies:   make(map[schema.Name]DefPolicy),
		Effects:    make(map[schema.Name]DefEffect),
		Secrets:    make(map[schema.Name]DefSecret),
		Grants:     make(map[string]CapGrant),
	}
}

// Merge folds other into m in place, returning an error if any name
// collides across the two manifests (a manifest is assembled from
// potentially many documents, and a name collision between them is always
// an authoring mistake, never an intentional override).
func (m *Manifest) Merge(other *Manifest) error {
	if err := mergeInto(m.Schemas, other.Schemas); err != nil {
		return err
	}
	if err := mergeInto(m.Modules, other.Modules); err != nil {
		return err
	}
	if err := mergeInto(m.Plans, other.Plans); err != nil {
		return err
	}
	if err := mergeInto(m.Caps, other.Caps); err != nil {
		return err
	}
	if err := mergeInto(m.Policies, other.Policies); err != nil {
		return err
	}
	if err := mergeInto(m.Effects, other.Effects); err != nil {
		return err
	}
	if err := mergeInto(m.Secrets, other.Secrets); err != nil {
		return err
	}
	if err := mergeInto(m.Grants, other.Grants); err != nil {
		return err
	}
	m.Routing = append(m.Routing, other.Routing...)
	m.Triggers = append(m.Triggers, other.Triggers...)
	m.ModuleBindings = append(m.ModuleBindings, other.ModuleBindings...)
	return nil
}
