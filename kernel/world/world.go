// Package world implements the kernel's control-channel surface (§4.10): a
// World wires codec+store+assembly+router+reducer+plan+authorize+ledger+
// journal+snapshot+governance+workspace into the single runtime a caller
// drives through SubmitDomainEvent/InjectReceipt/DrainAndExecute/Snapshot/
// PromoteBaseline/QueryState/ManifestGet/SubmitControl. Grounded on
// runtime/agent/session.Store's explicit CreateSession/EndSession lifecycle
// discipline, applied here to a world instead of a chat session: a world is
// created once against a genesis manifest and then driven call by call,
// never implicitly advanced by a background goroutine.
package world

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/authorize"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/engine"
	"agentos.dev/kernel/kernel/engine/inmem"
	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/governance"
	"agentos.dev/kernel/kernel/interrupt"
	"agentos.dev/kernel/kernel/journal"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/ledger"
	"agentos.dev/kernel/kernel/plan"
	"agentos.dev/kernel/kernel/policy"
	"agentos.dev/kernel/kernel/reducer"
	"agentos.dev/kernel/kernel/router"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/snapshot"
	"agentos.dev/kernel/kernel/store"
	"agentos.dev/kernel/kernel/store/ledgermem"
	"agentos.dev/kernel/kernel/store/storemem"
	"agentos.dev/kernel/kernel/telemetry"
	"agentos.dev/kernel/kernel/workspace"
)

// Config wires every subsystem a World needs. Every field is optional; a
// zero Config builds a fully in-memory, single-process world suitable for
// tests and the zero-to-aha path, the same "sensible in-memory default,
// swap the backend without touching call sites" discipline kernel/engine's
// package doc already applies to workflow execution.
type Config struct {
	Store       store.Store
	Cells       reducer.CellStore
	Ledger      ledger.Ledger
	Journal     journal.Store
	Heads       workspace.HeadStore
	GovStore    governance.Store
	Engine      engine.Engine
	ReducerHost *reducer.Host
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
	Tracer      telemetry.Tracer
	Entropy     io.Reader
}

func (c *Config) setDefaults(ctx context.Context) error {
	if c.Store == nil {
		c.Store = storemem.New()
	}
	if c.Cells == nil {
		c.Cells = reducer.NewMemCellStore()
	}
	if c.Ledger == nil {
		c.Ledger = ledgermem.New()
	}
	if c.Journal == nil {
		c.Journal = journal.NewMemStore()
	}
	if c.Heads == nil {
		c.Heads = workspace.NewMemHeadStore()
	}
	if c.GovStore == nil {
		c.GovStore = governance.NewMemStore()
	}
	if c.Engine == nil {
		c.Engine = inmem.New()
	}
	if c.ReducerHost == nil {
		h, err := reducer.NewHost(ctx, c.Store, reducer.Options{})
		if err != nil {
			return kernelerr.Wrap(kernelerr.BackendUnavailable, "construct reducer host", err)
		}
		c.ReducerHost = h
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.NewNoopTracer()
	}
	if c.Entropy == nil {
		c.Entropy = rand.Reader
	}
	return nil
}

// ingress is the set of values ingress stamping (§3.5) derives once per
// top-level call and threads through every reducer/plan step that call
// cascades into, so a single SubmitDomainEvent produces one coherent clock
// reading and one coherent entropy draw no matter how many reducers or
// plan instances it ends up touching.
type ingress struct {
	stamp   journal.Stamp
	entropy [64]byte
}

// receiptWaiter is a plan instance blocked in AwaitReceipt.
type receiptWaiter struct {
	instanceID string
	ch         chan plan.ReceiptResult
}

// eventWaiter is a plan instance blocked in AwaitEvent.
type eventWaiter struct {
	instanceID string
	predicate  expr.Expr
	scope      map[string]any
	ch         chan any
}

// World is the kernel's single executable runtime for one manifest lineage.
// Every control-channel entry point (SubmitDomainEvent, InjectReceipt,
// DrainAndExecute, SubmitControl, Snapshot, PromoteBaseline) serializes
// through mu, and mu stays held while such a call is parked in
// plan.Engine.WaitQuiescent. A plan instance's own goroutine calls back
// into World's Sink methods during that wait, so the Sink methods never
// acquire mu.
type World struct {
	mu sync.Mutex

	store       store.Store
	cells       reducer.CellStore
	ld          ledger.Ledger
	j           journal.Store
	heads       workspace.HeadStore
	reducerHost *reducer.Host
	ws          *workspace.Workspace
	govStore    governance.Store
	gov         *governance.Governance
	planEngine  *plan.Engine
	eng         engine.Engine

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	entropy io.Reader

	raMu     sync.RWMutex
	ra       *assembly.RuntimeAssembly
	manifest *air.Manifest

	clockMu      sync.Mutex
	logicalNowNs uint64

	ingressMu  sync.Mutex
	curIngress ingress

	waitMu             sync.Mutex
	receiptWaiters     map[schema.Hash]receiptWaiter
	eventWaiters       map[string][]eventWaiter
	completedReceipts  map[schema.Hash]plan.ReceiptResult

	resMu           sync.Mutex
	openReservations map[string]map[schema.Hash]bool // grantName -> intentHash -> held

	instMu    sync.Mutex
	instances map[string]*plan.Instance

	wsMu    sync.Mutex
	wsNames map[string]bool

	reducerMu    sync.Mutex
	reducerNames map[schema.Name]bool

	patchMu  sync.Mutex
	patches  map[string]*air.Manifest
}

var scopeEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Sort = cbor.SortBytewiseLexical
	em, err := opts.EncMode()
	if err != nil {
		panic("world: invalid canonical encoding options: " + err.Error())
	}
	return em
}()

func scopeDecMode() (cbor.DecMode, error) {
	return cbor.DecOptions{}.DecMode()
}

// New constructs a World from genesis, applying cfg's defaults for any
// unset field, journals the genesis Manifest record, and wires the plan
// engine, governance, and workspace subsystems against it.
func New(ctx context.Context, genesis *air.Manifest, cfg Config) (*World, error) {
	if err := cfg.setDefaults(ctx); err != nil {
		return nil, err
	}
	ra, err := assembly.Build(genesis)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidManifest, "build genesis manifest", err)
	}

	w := &World{
		store:             cfg.Store,
		cells:             cfg.Cells,
		ld:                cfg.Ledger,
		j:                 cfg.Journal,
		heads:             cfg.Heads,
		reducerHost:       cfg.ReducerHost,
		govStore:          cfg.GovStore,
		eng:               cfg.Engine,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
		entropy:           cfg.Entropy,
		ra:                ra,
		manifest:          genesis,
		receiptWaiters:    make(map[schema.Hash]receiptWaiter),
		eventWaiters:      make(map[string][]eventWaiter),
		completedReceipts: make(map[schema.Hash]plan.ReceiptResult),
		openReservations:  make(map[string]map[schema.Hash]bool),
		instances:         make(map[string]*plan.Instance),
		wsNames:           make(map[string]bool),
		reducerNames:      make(map[schema.Name]bool),
		patches:           make(map[string]*air.Manifest),
	}
	w.ws = workspace.New(w.store, w.heads)
	w.gov = governance.New(w.govStore, w.currentManifest)

	pe, err := plan.New(ctx, w.eng, w, w.loadRA)
	if err != nil {
		return nil, err
	}
	w.planEngine = pe

	if _, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindManifest,
		Stamp: journal.Stamp{},
		Manifest: &journal.ManifestBody{
			ManifestHash: ra.ManifestHash,
			AirVersion:   genesis.AirVersion,
		},
	}); err != nil {
		return nil, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal genesis manifest", err)
	}
	return w, nil
}

func (w *World) loadRA() *assembly.RuntimeAssembly {
	w.raMu.RLock()
	defer w.raMu.RUnlock()
	return w.ra
}

func (w *World) currentManifest() *air.Manifest {
	w.raMu.RLock()
	defer w.raMu.RUnlock()
	return w.manifest
}

func (w *World) swapRA(ra *assembly.RuntimeAssembly, merged *air.Manifest) {
	w.raMu.Lock()
	defer w.raMu.Unlock()
	w.ra = ra
	w.manifest = merged
}

// ManifestGet returns the currently active RuntimeAssembly.
func (w *World) ManifestGet() *assembly.RuntimeAssembly {
	return w.loadRA()
}

// RegisterManifestPatch registers patch under id for a later
// governance.propose effect to reference. air.Manifest cannot itself be
// represented as a schema-typed effect param value (it is the kernel's own
// control-plane document, not a domain value — governance hashes it via
// plain CBOR for the same reason), so a patch is registered out of band by
// id and a governance.propose effect's params only carry the id.
func (w *World) RegisterManifestPatch(id string, patch *air.Manifest) {
	w.patchMu.Lock()
	defer w.patchMu.Unlock()
	w.patches[id] = patch
}

func (w *World) lookupPatch(id string) (*air.Manifest, bool) {
	w.patchMu.Lock()
	defer w.patchMu.Unlock()
	p, ok := w.patches[id]
	return p, ok
}

// mergeManifest overlays patch onto current, duplicating
// governance.mergeOntoCurrent's unexported field-by-field overlay logic:
// Governance.Apply returns only the compiled RuntimeAssembly and the
// Proposal (which carries the raw Patch, not the merged manifest), but
// World's currentFn closure needs the actual merged Manifest so a later
// Propose/Shadow overlays onto the right base.
func mergeManifest(current, patch *air.Manifest) *air.Manifest {
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

// beginIngress computes this call's ingress stamp (§3.5): logical_now_ns =
// max(prev_logical_now_ns, now_ns), never incremented past that, and 64
// bytes of entropy drawn once for the whole cascade this call triggers.
func (w *World) beginIngress(ctx context.Context) (ingress, error) {
	nowNs := uint64(time.Now().UnixNano())
	w.clockMu.Lock()
	logical := w.logicalNowNs
	if nowNs > logical {
		logical = nowNs
	}
	w.logicalNowNs = logical
	w.clockMu.Unlock()

	var ent [64]byte
	if _, err := io.ReadFull(w.entropy, ent[:]); err != nil {
		return ingress{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "read ingress entropy", err)
	}
	in := ingress{
		stamp:   journal.Stamp{NowNs: nowNs, LogicalNowNs: logical},
		entropy: ent,
	}
	w.setIngress(in)
	_ = ctx
	return in, nil
}

func (w *World) setIngress(in ingress) {
	w.ingressMu.Lock()
	w.curIngress = in
	w.ingressMu.Unlock()
}

func (w *World) getIngress() ingress {
	w.ingressMu.Lock()
	defer w.ingressMu.Unlock()
	return w.curIngress
}

func newInstanceID() string { return uuid.NewString() }

// --- control-channel surface (§4.10) ---

// SubmitDomainEvent admits one externally-originated event onto the bus:
// journals it, routes it to every subscribed reducer, and runs every
// triggered plan instance forward to its first suspension point.
func (w *World) SubmitDomainEvent(ctx context.Context, event schema.Name, valueCBOR []byte, originName schema.Name) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	in, err := w.beginIngress(ctx)
	if err != nil {
		return err
	}
	return w.ingestEventBytes(ctx, in, event, valueCBOR, nil, "external", originName)
}

// InjectReceipt delivers a settled (or denied) external effect receipt,
// authorizing the settlement against the ledger, journaling it, and waking
// whichever plan instance is waiting on intentHash.
func (w *World) InjectReceipt(ctx context.Context, kind schema.Name, grantName string, intentHash schema.Hash, receipt any, violation string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.beginIngress(ctx); err != nil {
		return err
	}
	return w.settleExternalReceipt(ctx, kind, grantName, intentHash, receipt, violation)
}

func (w *World) settleExternalReceipt(ctx context.Context, kind schema.Name, grantName string, intentHash schema.Hash, receipt any, violation string) error {
	ra := w.loadRA()
	var canonicalReceipt []byte
	settleViolation := violation
	if violation == "" {
		res, err := authorize.Settle(ctx, ra, w.reducerHost, w.ld, authorize.SettleCandidate{
			Kind: kind, GrantName: grantName, IntentHash: intentHash, Receipt: receipt,
		})
		if err != nil {
			if code, ok := kernelerr.GetCode(err); ok {
				settleViolation = string(code)
			} else {
				return err
			}
		} else {
			canonicalReceipt = res.CanonicalReceipt
			if _, err := w.j.Append(ctx, journal.Record{
				Kind: journal.KindCapSettlement,
				Stamp: w.getIngress().stamp,
				CapSettlement: &journal.CapSettlementBody{
					IntentHash: intentHash, GrantName: grantName, Usage: res.Reservation.Spent,
				},
			}); err != nil {
				return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal cap settlement", err)
			}
			w.untrackReservation(grantName, intentHash)
		}
	}
	if _, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindEffectReceipt,
		Stamp: w.getIngress().stamp,
		EffectReceipt: &journal.EffectReceiptBody{
			IntentHash: intentHash, CanonicalReceipt: canonicalReceipt, Violation: settleViolation,
		},
	}); err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal effect receipt", err)
	}
	result := plan.ReceiptResult{Receipt: receipt, Violation: settleViolation}
	if waiterID, ok := w.resolveReceipt(intentHash, result); ok {
		return w.driveToQuiescence(ctx, waiterID)
	}
	return nil
}

// DrainAndExecute is the single stepper entry point (§5): a safety net
// draining any plan.Engine.Spawned() notification not already consumed by
// a more specific caller's driveToQuiescence recursion.
func (w *World) DrainAndExecute(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case id := <-w.planEngine.Spawned():
			if err := w.driveToQuiescence(ctx, id); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Snapshot takes a non-load-bearing diagnostic checkpoint of the world's
// current state hash at the journal's current head.
func (w *World) Snapshot(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, err := w.liveStateHash(ctx)
	if err != nil {
		return 0, err
	}
	in := w.getIngress()
	return snapshot.TakeSnapshot(ctx, w.j, h, in.stamp.NowNs, in.stamp.LogicalNowNs)
}

// PromoteBaseline verifies the live state hash against a fresh replay of
// the whole journal and, if it matches, journals a BaselineSnapshot record.
// It requires the world to be quiescent, the same precondition governance
// apply requires, since a baseline promoted mid-step would not correspond
// to any single coherent height.
func (w *World) PromoteBaseline(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.quiescent() {
		return 0, kernelerr.New(kernelerr.NotQuiescent, "promote baseline: world is not quiescent")
	}
	h, err := w.liveStateHash(ctx)
	if err != nil {
		return 0, err
	}
	height, err := w.j.Head(ctx)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.BackendUnavailable, "read journal head", err)
	}
	snap := snapshot.KernelSnapshot{Height: height, StateHash: h}
	app := w.newFreshApplier()
	in := w.getIngress()
	baseHeight, err := snapshot.PromoteBaseline(ctx, w.j, app, snap, in.stamp.NowNs, in.stamp.LogicalNowNs)
	if err != nil {
		return 0, err
	}
	w.logger.Info(ctx, "baseline promoted", "height", baseHeight)
	w.metrics.RecordGauge("world.baseline.height", float64(baseHeight))
	return baseHeight, nil
}

// VerifyReplay is a bonus, non-control-surface convenience: it builds a
// fresh throwaway Applier, replays the live journal into it, and compares
// the result against the live state hash. Not a restore mechanism — see
// DESIGN.md for why a full process-restart restore is out of scope.
func (w *World) VerifyReplay(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	app := w.newFreshApplier()
	if _, err := snapshot.RestoreFromGenesis(ctx, w.j, app); err != nil {
		return err
	}
	replayed, err := app.StateHash(ctx)
	if err != nil {
		return err
	}
	live, err := w.liveStateHash(ctx)
	if err != nil {
		return err
	}
	if replayed != live {
		return kernelerr.Newf(kernelerr.ReplayDivergence, "live state hash %x does not match replayed state hash %x", live[:8], replayed[:8])
	}
	return nil
}

func (w *World) newFreshApplier() *Applier {
	return NewApplier(storemem.New(), reducer.NewMemCellStore(), ledgermem.New(), workspace.NewMemHeadStore())
}

// ReleaseEffect releases a held reservation without settling it (deny-after-
// reserve, cancel, or an operator-initiated release), journaling a
// ReservationReleased record.
func (w *World) ReleaseEffect(ctx context.Context, grantName string, intentHash schema.Hash, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.beginIngress(ctx); err != nil {
		return err
	}
	if _, err := w.ld.Release(ctx, grantName, intentHash); err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "release reservation", err)
	}
	w.untrackReservation(grantName, intentHash)
	_, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindReservationReleased,
		Stamp: w.getIngress().stamp,
		ReservationReleased: &journal.ReservationReleasedBody{
			IntentHash: intentHash, GrantName: grantName, Reason: reason,
		},
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal reservation release", err)
	}
	return nil
}

// --- pause/resume/cancel control channel ---

// SubmitControl forwards one control-channel signal to instanceID via
// kernel/interrupt's signal names, then drives it forward to its next
// suspension point.
func (w *World) SubmitControl(ctx context.Context, instanceID string, kind string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.planEngine.Signal(ctx, instanceID, kind, payload); err != nil {
		return err
	}
	return w.driveToQuiescence(ctx, instanceID)
}

// Pause requests instanceID suspend at its next checkpoint.
func (w *World) Pause(ctx context.Context, instanceID, reason, requestedBy string) error {
	return w.SubmitControl(ctx, instanceID, interrupt.SignalPause, interrupt.PauseRequest{
		PlanID: instanceID, Reason: reason, RequestedBy: requestedBy,
	})
}

// Resume requests a paused instanceID continue.
func (w *World) Resume(ctx context.Context, instanceID, notes, requestedBy string) error {
	return w.SubmitControl(ctx, instanceID, interrupt.SignalResume, interrupt.ResumeRequest{
		PlanID: instanceID, Notes: notes, RequestedBy: requestedBy,
	})
}

// Cancel requests instanceID terminate without completing.
func (w *World) Cancel(ctx context.Context, instanceID, reason, requestedBy string) error {
	return w.SubmitControl(ctx, instanceID, interrupt.SignalCancel, interrupt.CancelRequest{
		PlanID: instanceID, Reason: reason, RequestedBy: requestedBy,
	})
}

// --- ingestion / routing / reducer stepping ---

func (w *World) ingestEventBytes(ctx context.Context, in ingress, event schema.Name, valueCBOR []byte, key []byte, originKind string, originName schema.Name) error {
	ra := w.loadRA()
	if _, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindDomainEvent,
		Stamp: in.stamp,
		DomainEvent: &journal.DomainEventBody{
			Event: event, Value: valueCBOR, Key: key, OriginKind: originKind, OriginName: originName,
		},
	}); err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal domain event", err)
	}

	targets, err := router.Dispatch(ra, event, valueCBOR, key)
	if err != nil {
		return err
	}
	for _, tgt := range targets {
		if err := w.stepReducer(ctx, in, tgt); err != nil {
			return err
		}
	}
	return w.matchTriggers(ctx, event, valueCBOR)
}

func (w *World) stepReducer(ctx context.Context, in ingress, tgt router.ABIEvent) error {
	ra := w.loadRA()
	entry, ok := ra.ReducerTable[tgt.Reducer]
	if !ok {
		return nil
	}
	height, err := w.j.Head(ctx)
	if err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "read journal head", err)
	}
	rctx := reducer.Context{
		NowNs: in.stamp.NowNs, LogicalNowNs: in.stamp.LogicalNowNs,
		JournalHeight: height, Entropy: in.entropy,
	}
	inputHash := codec.Hash(tgt.Bytes)

	res, err := reducer.Step(ctx, w.reducerHost, ra, w.cells, w.store, tgt.Reducer, tgt.Key, tgt.Bytes, rctx)
	if err != nil {
		reason := err.Error()
		if code, ok := kernelerr.GetCode(err); ok {
			reason = string(code)
		}
		_, jerr := w.j.Append(ctx, journal.Record{
			Kind:  journal.KindReducerFailure,
			Stamp: in.stamp,
			ReducerFailure: &journal.ReducerFailureBody{
				Reducer: tgt.Reducer, Key: tgt.Key, InputHash: inputHash, Reason: reason,
			},
		})
		if jerr != nil {
			return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal reducer failure", jerr)
		}
		w.logger.Error(ctx, "reducer step failed", "reducer", tgt.Reducer.String(), "reason", reason)
		w.metrics.IncCounter("world.reducer.failure", 1, "reducer", tgt.Reducer.String())
		return nil
	}
	w.trackReducer(tgt.Reducer)

	eventsBytes, err := cbor.Marshal(res.EmittedEvents)
	if err != nil {
		return kernelerr.Wrap(kernelerr.NotCanonical, "hash emitted events", err)
	}
	if _, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindReducerStep,
		Stamp: in.stamp,
		ReducerStep: &journal.ReducerStepBody{
			Reducer: tgt.Reducer, Key: tgt.Key, InputHash: inputHash,
			NewCellHash: res.NewStateHash, EventsHash: codec.Hash(eventsBytes),
		},
	}); err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal reducer step", err)
	}

	if res.Effect != nil {
		origin := policy.Origin{Kind: "reducer", Name: tgt.Reducer}
		cand := authorize.Candidate{
			Kind: res.Effect.Kind, Params: res.Effect.ParamsCBOR, GrantName: res.Effect.Cap,
			Origin: origin, IdempotencyKey: res.Effect.IdempotencyKey,
		}
		if _, err := w.authorizeAndJournal(ctx, in, cand, "reducer", tgt.Reducer, true); err != nil {
			return err
		}
	}
	for _, ev := range res.EmittedEvents {
		if err := w.ingestEventBytes(ctx, in, ev.Schema, ev.Value, ev.Key, "reducer", tgt.Reducer); err != nil {
			return err
		}
	}
	return nil
}

// authorizeAndJournal is shared by a reducer's micro-effect and a plan
// instance's emit_effect step: it runs the §4.6 pipeline, journals the
// resulting EffectIntent or EffectDenied record, and, if allowed and the
// candidate's kind is an internal (workspace/governance) effect, settles it
// synchronously rather than waiting on an external adapter's receipt.
// cand.Params for a reducer-origin candidate arrives pre-encoded
// (CanonicalParams-style raw CBOR bytes); codec.Encode is schema-directed so
// a raw-bytes params value is passed through authorize.Authorize's
// normalizeSecrets/Encode step only for plan-origin candidates, which supply
// an unencoded schema-represented value.
func (w *World) authorizeAndJournal(ctx context.Context, in ingress, cand authorize.Candidate, originKind string, originName schema.Name, fromReducer bool) (authorize.Decision, error) {
	ra := w.loadRA()
	decision, err := authorize.Authorize(ctx, ra, w.reducerHost, w.ld, in.stamp.LogicalNowNs, cand)
	if err != nil {
		return authorize.Decision{}, err
	}
	if !decision.Allowed {
		_, jerr := w.j.Append(ctx, journal.Record{
			Kind:  journal.KindEffectDenied,
			Stamp: in.stamp,
			EffectDenied: &journal.EffectDeniedBody{
				Kind: cand.Kind, GrantName: cand.GrantName, OriginKind: originKind, OriginName: originName,
				Reason: decision.DenyReason,
			},
		})
		if jerr != nil {
			return decision, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal effect denial", jerr)
		}
		w.logger.Warn(ctx, "effect denied", "kind", cand.Kind.String(), "origin_kind", originKind, "reason", decision.DenyReason)
		w.metrics.IncCounter("world.effect.denied", 1, "kind", cand.Kind.String(), "origin_kind", originKind)
		return decision, nil
	}
	w.metrics.IncCounter("world.effect.allowed", 1, "kind", cand.Kind.String(), "origin_kind", originKind)
	w.trackReservation(decision.GrantName, decision.IntentHash)
	if _, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindEffectIntent,
		Stamp: in.stamp,
		EffectIntent: &journal.EffectIntentBody{
			IntentHash: decision.IntentHash, Kind: decision.Kind, CanonicalParams: decision.CanonicalParams,
			CapName: decision.CapName, GrantName: decision.GrantName, GrantHash: decision.GrantHash,
			OriginKind: originKind, OriginName: originName, EnforcerIdentity: decision.EnforcerIdentity,
			Reserve: decision.Reserve, PolicyDecision: string(decision.PolicyDecision),
		},
	}); err != nil {
		return decision, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal effect intent", err)
	}
	if isInternalEffect(cand.Kind) {
		if err := w.settleInternalEffect(ctx, in, decision, cand); err != nil {
			return decision, err
		}
	}
	return decision, nil
}

// isInternalEffect reports whether kind belongs to one of the namespaces
// World dispatches synchronously within the authorize pipeline rather than
// via an external adapter's later InjectReceipt: the outcome of a
// workspace or governance operation is fully determined by data already in
// the store, so there is nothing for an external party to resolve.
func isInternalEffect(kind schema.Name) bool {
	return kind.Namespace == "workspace" || kind.Namespace == "governance"
}

// --- triggers & quiescence driving ---

func (w *World) matchTriggers(ctx context.Context, event schema.Name, valueCBOR []byte) error {
	ra := w.loadRA()
	decoded, err := decodeEventForExpr(ra, event, valueCBOR)
	if err != nil {
		return err
	}
	for _, trig := range ra.Triggers {
		if trig.Event != event {
			continue
		}
		env := expr.Env{"event": decoded}
		if trig.When != nil {
			v, err := expr.Eval(trig.When, env)
			if err != nil {
				return kernelerr.Wrap(kernelerr.PlanExpressionError, "evaluate trigger when", err)
			}
			if b, ok := v.(bool); !ok || !b {
				continue
			}
		}
		var input any = decoded
		if trig.InputExpr != nil {
			v, err := expr.Eval(trig.InputExpr, env)
			if err != nil {
				return kernelerr.Wrap(kernelerr.PlanExpressionError, "evaluate trigger input", err)
			}
			input = v
		}
		correlationKey := ""
		if trig.CorrelateBy != "" {
			if m, ok := input.(map[string]any); ok {
				if cv, ok := m[trig.CorrelateBy]; ok {
					correlationKey = fmt.Sprintf("%v", cv)
				}
			}
		}
		if err := w.startPlanInstance(ctx, trig.Plan, "", correlationKey, input); err != nil {
			return err
		}
	}
	return nil
}

func decodeEventForExpr(ra *assembly.RuntimeAssembly, event schema.Name, valueCBOR []byte) (any, error) {
	s, err := ra.SchemaIndex.Resolve(schema.RefSchema(event))
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.UnknownSchema, "resolve event schema for trigger", err)
	}
	v, err := codec.Decode(s, ra.SchemaIndex, valueCBOR)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.SchemaMismatch, "decode event for trigger", err)
	}
	return v, nil
}

func (w *World) startPlanInstance(ctx context.Context, planName schema.Name, parentID, correlationKey string, input any) error {
	id := newInstanceID()
	req := plan.StartRequest{InstanceID: id, Plan: planName, ParentID: parentID, CorrelationKey: correlationKey, Input: input}
	if err := w.planEngine.Start(ctx, req); err != nil {
		return err
	}
	w.trackInstance(&plan.Instance{ID: id, Plan: planName, ParentID: parentID, CorrelationKey: correlationKey, Status: plan.StatusRunning})
	return w.driveToQuiescence(ctx, id)
}

// driveToQuiescence blocks until instanceID reaches a suspension point or
// terminal state, then recursively drives forward any instance spawned
// while it ran (spawn_plan/spawn_for_each children started from inside the
// running instance's workflow goroutine while this call was parked).
func (w *World) driveToQuiescence(ctx context.Context, instanceID string) error {
	_, outcome, err := w.planEngine.WaitQuiescent(instanceID)
	if err != nil {
		return err
	}
	if inst, ok := w.planEngine.Instance(instanceID); ok {
		w.trackInstance(&inst)
	}
	if outcome != nil {
		w.untrackWaitersForInstance(instanceID)
	}
	for {
		select {
		case id := <-w.planEngine.Spawned():
			if err := w.driveToQuiescence(ctx, id); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (w *World) untrackWaitersForInstance(instanceID string) {
	w.waitMu.Lock()
	defer w.waitMu.Unlock()
	for h, rw := range w.receiptWaiters {
		if rw.instanceID == instanceID {
			delete(w.receiptWaiters, h)
		}
	}
	for fam, ews := range w.eventWaiters {
		var kept []eventWaiter
		for _, ew := range ews {
			if ew.instanceID != instanceID {
				kept = append(kept, ew)
			}
		}
		w.eventWaiters[fam] = kept
	}
}

// quiescent reports whether the world has nothing left to settle: no
// pending receipt/event waiters, no open ledger reservations, and no plan
// instance still running or pending. Passed directly to
// governance.Governance.Apply and checked in PromoteBaseline.
func (w *World) quiescent() bool {
	w.waitMu.Lock()
	pending := len(w.receiptWaiters)
	for _, ews := range w.eventWaiters {
		pending += len(ews)
	}
	w.waitMu.Unlock()
	if pending > 0 {
		return false
	}
	w.resMu.Lock()
	for _, held := range w.openReservations {
		if len(held) > 0 {
			w.resMu.Unlock()
			return false
		}
	}
	w.resMu.Unlock()
	for _, id := range w.trackedInstanceIDs() {
		inst, ok := w.planEngine.Instance(id)
		if !ok {
			continue
		}
		if inst.Status == plan.StatusRunning || inst.Status == plan.StatusPending {
			return false
		}
	}
	return true
}

// --- tracking-set helpers (touched-set bookkeeping for StateHash) ---

func (w *World) trackReservation(grantName string, intentHash schema.Hash) {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	if w.openReservations[grantName] == nil {
		w.openReservations[grantName] = make(map[schema.Hash]bool)
	}
	w.openReservations[grantName][intentHash] = true
}

func (w *World) untrackReservation(grantName string, intentHash schema.Hash) {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	if m, ok := w.openReservations[grantName]; ok {
		delete(m, intentHash)
	}
}

func (w *World) trackInstance(inst *plan.Instance) {
	w.instMu.Lock()
	defer w.instMu.Unlock()
	w.instances[inst.ID] = inst
}

func (w *World) trackedInstanceIDs() []string {
	w.instMu.Lock()
	defer w.instMu.Unlock()
	ids := make([]string, 0, len(w.instances))
	for id := range w.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *World) trackWorkspace(name string) {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	w.wsNames[name] = true
}

func (w *World) trackedWorkspaceNames() []string {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	names := make([]string, 0, len(w.wsNames))
	for n := range w.wsNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (w *World) trackReducer(name schema.Name) {
	w.reducerMu.Lock()
	defer w.reducerMu.Unlock()
	w.reducerNames[name] = true
}

func (w *World) trackedReducerNames() []schema.Name {
	w.reducerMu.Lock()
	defer w.reducerMu.Unlock()
	names := make([]schema.Name, 0, len(w.reducerNames))
	for n := range w.reducerNames {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	return names
}

// liveStateHash summarizes every root of live state into one hash, the same
// hashStateRoots helper Applier.StateHash uses during replay so a promoted
// baseline's claim can actually be checked against a from-genesis replay.
func (w *World) liveStateHash(ctx context.Context) (schema.Hash, error) {
	ra := w.loadRA()
	in := stateRootInputs{ManifestHash: ra.ManifestHash}

	for _, id := range w.trackedInstanceIDs() {
		inst, ok := w.planEngine.Instance(id)
		if !ok {
			continue
		}
		in.Instances = append(in.Instances, instanceRow{ID: inst.ID, Status: string(inst.Status), PC: inst.PC})
	}

	for _, name := range w.trackedReducerNames() {
		keys, err := w.cells.Keys(ctx, name)
		if err != nil {
			return schema.Hash{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "list reducer cell keys", err)
		}
		for _, key := range keys {
			h, ok, err := w.cells.Get(ctx, name, key)
			if err != nil {
				return schema.Hash{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "read reducer cell", err)
			}
			if !ok {
				continue
			}
			in.ReducerCells = append(in.ReducerCells, reducerCellRow{Reducer: name, Key: key, CellHash: h})
		}
	}

	w.resMu.Lock()
	for grantName, held := range w.openReservations {
		for intentHash := range held {
			res, err := w.ld.Get(ctx, grantName, intentHash)
			if err != nil {
				continue
			}
			in.Reservations = append(in.Reservations, reservationRow{GrantName: grantName, IntentHash: intentHash, Status: string(res.Status)})
		}
	}
	w.resMu.Unlock()

	for _, name := range w.trackedWorkspaceNames() {
		c, err := w.ws.Resolve(ctx, name)
		if err != nil {
			return schema.Hash{}, err
		}
		in.Workspaces = append(in.Workspaces, workspaceRow{Name: name, RootHash: c.RootHash})
	}

	return hashStateRoots(in), nil
}
